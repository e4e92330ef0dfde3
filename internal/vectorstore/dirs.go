package vectorstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// collectionNamePattern validates collection names.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateCollectionName rejects names that are not safe as a directory or
// remote collection name.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match %s, got %q", ErrInvalidConfig, collectionNamePattern, name)
	}
	return nil
}

// DefaultFallbackDirs returns the directories tried, in order, when the
// configured storage directory is unusable.
func DefaultFallbackDirs() []string {
	var dirs []string
	if cache, err := os.UserCacheDir(); err == nil {
		dirs = append(dirs, filepath.Join(cache, "recall", "vectors"))
	}
	return append(dirs, filepath.Join(os.TempDir(), "recall-vectors-"+strconv.Itoa(os.Getuid())))
}

// resolveDir returns the first candidate that can be created and written
// to. fallback is true when it is not the first candidate.
func resolveDir(candidates []string, logger *zap.Logger) (dir string, fallback bool, err error) {
	var errs []string
	for i, c := range candidates {
		if c == "" {
			continue
		}
		if perr := checkWritable(c); perr != nil {
			logger.Warn("storage directory unusable",
				zap.String("dir", c),
				zap.Error(perr))
			errs = append(errs, perr.Error())
			continue
		}
		if i > 0 {
			logger.Warn("using fallback storage directory",
				zap.String("dir", c),
				zap.String("configured", candidates[0]))
		}
		return c, i > 0, nil
	}
	return "", false, fmt.Errorf("%w: no writable storage directory: %s", ErrStoreUnavailable, strings.Join(errs, "; "))
}

// checkWritable creates dir and verifies a file can be written and removed in it.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return fmt.Errorf("write check in %s: %w", dir, err)
	}
	name := f.Name()
	_, werr := f.Write([]byte("ok"))
	cerr := f.Close()
	rerr := os.Remove(name)
	for _, e := range []error{werr, cerr, rerr} {
		if e != nil {
			return fmt.Errorf("write check in %s: %w", dir, e)
		}
	}
	return nil
}
