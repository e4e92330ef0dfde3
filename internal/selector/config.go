package selector

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrInvalidConfig indicates invalid selector configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the per-tier score thresholds and post-filter defaults.
// Thresholds were tuned by hand and are meant to be adjusted. A nil
// threshold takes its default; an explicit zero is kept.
type Config struct {
	ConversationThreshold *float32
	PendingThreshold      *float32

	// RecentThresholds are tried in order; the first that admits any
	// result ends the recent tier.
	RecentThresholds []float32

	// RecentWindow and RecentWindowThreshold apply when the caller asks
	// for recent uploads: created_at must fall inside the window.
	RecentWindow          time.Duration
	RecentWindowThreshold *float32

	GlobalThreshold    *float32
	EmergencyThreshold *float32

	// MinScore is the quality floor applied after all tiers.
	MinScore *float32

	// MaxTokens is the default context budget.
	MaxTokens int

	// TopK is the default number of results.
	TopK int
}

// Score returns a pointer to v for setting Config thresholds.
func Score(v float32) *float32 { return &v }

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	c := Config{}
	c.ApplyDefaults()
	return c
}

func defaultScore(p **float32, v float32) {
	if *p == nil {
		*p = Score(v)
	}
}

// clone copies c so the thresholds no longer alias the caller's.
func (c Config) clone() Config {
	for _, p := range []**float32{
		&c.ConversationThreshold, &c.PendingThreshold, &c.RecentWindowThreshold,
		&c.GlobalThreshold, &c.EmergencyThreshold, &c.MinScore,
	} {
		if *p != nil {
			*p = Score(**p)
		}
	}
	c.RecentThresholds = slices.Clone(c.RecentThresholds)
	return c
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	defaultScore(&c.ConversationThreshold, 0.10)
	defaultScore(&c.PendingThreshold, 0.10)
	if len(c.RecentThresholds) == 0 {
		c.RecentThresholds = []float32{0.7, 0.6, 0.5}
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 10 * time.Minute
	}
	defaultScore(&c.RecentWindowThreshold, 0.30)
	defaultScore(&c.GlobalThreshold, 0.45)
	defaultScore(&c.EmergencyThreshold, 0.10)
	defaultScore(&c.MinScore, 0.05)
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2000
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	check := func(name string, v float32) error {
		if v < -1 || v > 1 {
			return fmt.Errorf("%w: %s %.2f outside [-1, 1]", ErrInvalidConfig, name, v)
		}
		return nil
	}
	thresholds := map[string]*float32{
		"conversation_threshold":  c.ConversationThreshold,
		"pending_threshold":       c.PendingThreshold,
		"recent_window_threshold": c.RecentWindowThreshold,
		"global_threshold":        c.GlobalThreshold,
		"emergency_threshold":     c.EmergencyThreshold,
		"min_score":               c.MinScore,
	}
	for name, v := range thresholds {
		if v == nil {
			continue
		}
		if err := check(name, *v); err != nil {
			return err
		}
	}
	for i, v := range c.RecentThresholds {
		if err := check(fmt.Sprintf("recent_thresholds[%d]", i), v); err != nil {
			return err
		}
		if i > 0 && v > c.RecentThresholds[i-1] {
			return fmt.Errorf("%w: recent_thresholds must be descending", ErrInvalidConfig)
		}
	}
	return nil
}
