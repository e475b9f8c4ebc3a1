package historywriter

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TimestampLayout replaces {timestamp} in writer names (day, month, year,
// hour, minute).
const TimestampLayout = "02012006_1504"

// ResolvePath expands {timestamp} and joins the name under dir unless it is
// already absolute.
func ResolvePath(dir, name string, now time.Time) string {
	name = strings.ReplaceAll(name, "{timestamp}", now.Format(TimestampLayout))
	if filepath.IsAbs(name) || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// Cleanup removes regular files in dir with the given extension whose
// modification time is older than maxAge. A missing dir is not an error.
func Cleanup(dir, ext string, maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read history dir: %w", err)
	}
	cutoff := now.Add(-maxAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
