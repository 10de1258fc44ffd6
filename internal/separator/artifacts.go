package separator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutputMissing is returned when the separator exited cleanly but its
// result directory does not exist.
var ErrOutputMissing = errors.New("separator did not produce expected output")

// FinalDir returns the user-visible result directory for an input file.
func FinalDir(outputDir, input string) string {
	return filepath.Join(outputDir, "separated_"+Stem(input))
}

// Move replaces dst with src. A missing src yields ErrOutputMissing.
func Move(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrOutputMissing, src)
		}
		return fmt.Errorf("stat result dir: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrOutputMissing, src)
	}

	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("remove previous result: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create result parent: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move result: %w", err)
	}
	return nil
}

// CollectStems maps stem name to path for every file in dir with the
// format's extension.
func CollectStems(dir string, format Format) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrOutputMissing, dir)
		}
		return nil, fmt.Errorf("read result dir: %w", err)
	}

	ext := format.Ext()
	stems := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ext) {
			continue
		}
		stems[Stem(e.Name())] = filepath.Join(dir, e.Name())
	}
	return stems, nil
}
