package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

// Config configures the scrubber.
type Config struct {
	// Enabled controls whether scrubbing is active.
	Enabled bool

	// AllowRegexes are content patterns that are never redacted.
	AllowRegexes []string

	// AllowlistPath is an optional TOML allowlist file (see LoadAllowlist).
	AllowlistPath string
}

// Finding describes one redacted secret. The secret value is not kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
	Length      int    `json:"length"`
}

// Result is the outcome of Scrub.
type Result struct {
	Scrubbed string         `json:"-"`
	Findings []Finding      `json:"findings,omitempty"`
	ByRule   map[string]int `json:"by_rule,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// HasFindings returns true if any secrets were found.
func (r *Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the unique rule IDs that matched, sorted.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Scrubber redacts secrets using a gitleaks detector built once at
// construction. Detection is serialized because the detector keeps
// per-scan state.
type Scrubber struct {
	enabled  bool
	logger   *zap.Logger
	mu       sync.Mutex
	detector *detect.Detector
}

// New creates a Scrubber. A disabled config returns a Scrubber that passes
// content through unchanged.
func New(cfg Config, logger *zap.Logger) (*Scrubber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scrubber{enabled: cfg.Enabled, logger: logger}
	if !cfg.Enabled {
		return s, nil
	}

	allow := &Allowlist{Regexes: append([]string(nil), cfg.AllowRegexes...)}
	if cfg.AllowlistPath != "" {
		file, err := LoadAllowlist(cfg.AllowlistPath)
		if err != nil {
			return nil, err
		}
		allow.Paths = append(allow.Paths, file.Paths...)
		allow.Regexes = append(allow.Regexes, file.Regexes...)
	}
	if err := allow.validate(); err != nil {
		return nil, err
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	if len(allow.Paths) > 0 || len(allow.Regexes) > 0 {
		applyAllowlist(&detector.Config, allow)
	}
	s.detector = detector
	return s, nil
}

// IsEnabled returns whether scrubbing is enabled.
func (s *Scrubber) IsEnabled() bool { return s.enabled }

// Scrub replaces every detected secret in content with a
// [REDACTED:<rule-id>] marker.
func (s *Scrubber) Scrub(content string) *Result {
	start := time.Now()
	result := &Result{Scrubbed: content, ByRule: map[string]int{}}
	if !s.enabled || content == "" {
		result.Duration = time.Since(start)
		return result
	}

	s.mu.Lock()
	found := s.detector.DetectString(content)
	s.mu.Unlock()

	replacements := make(map[string]string, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		result.Findings = append(result.Findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			Length:      len(f.Secret),
		})
		result.ByRule[f.RuleID]++
		if _, ok := replacements[f.Secret]; !ok {
			replacements[f.Secret] = marker(f.RuleID)
		}
	}

	result.Scrubbed = redact(content, replacements)
	result.Duration = time.Since(start)
	if result.HasFindings() {
		s.logger.Info("redacted secrets",
			zap.Int("findings", len(result.Findings)),
			zap.Strings("rules", result.RuleIDs()))
	}
	return result
}

func marker(ruleID string) string {
	return "[REDACTED:" + ruleID + "]"
}

// redact replaces every occurrence of each secret. Longer secrets go first
// so a secret containing another is replaced whole.
func redact(content string, replacements map[string]string) string {
	if len(replacements) == 0 {
		return content
	}
	keys := make([]string, 0, len(replacements))
	for k := range replacements {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, replacements[k])
	}
	return strings.NewReplacer(pairs...).Replace(content)
}

// applyAllowlist merges allowlist patterns into the gitleaks config.
// Patterns are validated before this is called.
func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) {
	global := &gitleaksConfig.Allowlist{
		Description: "recall allowlist",
	}
	for _, pattern := range allow.Paths {
		re := regexp.MustCompile(pattern)
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, pattern := range allow.Regexes {
		re := regexp.MustCompile(pattern)
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}
