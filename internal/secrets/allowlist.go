package secrets

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Allowlist holds path and content patterns excluded from detection. The
// file format matches the [allowlist] table of a .gitleaks.toml:
//
//	[allowlist]
//	paths = ['''testdata/''']
//	regexes = ['''EXAMPLE_[A-Z]+''']
type Allowlist struct {
	Paths   []string `toml:"paths"`
	Regexes []string `toml:"regexes"`
}

// LoadAllowlist reads an allowlist file.
func LoadAllowlist(path string) (*Allowlist, error) {
	var file struct {
		Allowlist Allowlist `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	if err := file.Allowlist.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &file.Allowlist, nil
}

func (a *Allowlist) validate() error {
	for _, pattern := range a.Paths {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%w: path pattern %q: %v", ErrInvalidRegex, pattern, err)
		}
	}
	for _, pattern := range a.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%w: content pattern %q: %v", ErrInvalidRegex, pattern, err)
		}
	}
	return nil
}
