// Package ignore parses gitignore-style pattern files for the inbox.
//
// Patterns match file names, not paths: the inbox is a flat directory.
// Later patterns win, so a "!name" line re-includes a file an earlier
// pattern excluded.
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"
)

// DefaultFile is the ignore file the inbox reads from its directory.
const DefaultFile = ".recallignore"

type rule struct {
	pattern string
	negate  bool
}

// Matcher reports whether a file name is ignored.
type Matcher struct {
	rules []rule
}

// Parse builds a Matcher from pattern lines.
func Parse(lines []string) (*Matcher, error) {
	m := &Matcher{}
	for i, line := range lines {
		r, ok := parseLine(line)
		if !ok {
			continue
		}
		if _, err := path.Match(r.pattern, ""); err != nil {
			return nil, fmt.Errorf("line %d: invalid pattern %q: %w", i+1, line, err)
		}
		m.rules = append(m.rules, r)
	}
	return m, nil
}

// Load reads the ignore file at filePath. A missing file yields a Matcher
// that ignores nothing.
func Load(filePath string) (*Matcher, error) {
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Matcher{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return Parse(lines)
}

// Match reports whether name is ignored. A nil Matcher ignores nothing.
func (m *Matcher) Match(name string) bool {
	if m == nil {
		return false
	}
	ignored := false
	for _, r := range m.rules {
		if ok, _ := path.Match(r.pattern, name); ok {
			ignored = !r.negate
		}
	}
	return ignored
}

// Len returns the number of active patterns.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}

// parseLine returns false for comments and blank lines.
func parseLine(line string) (rule, bool) {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return rule{}, false
	}

	var r rule
	if strings.HasPrefix(line, "!") {
		r.negate = true
		line = line[1:]
	}
	// Leading slashes anchor to the inbox root, which is the only level.
	line = strings.TrimLeft(line, "/")
	line = strings.TrimPrefix(line, "**/")
	if line == "" {
		return rule{}, false
	}
	r.pattern = line
	return r, true
}
