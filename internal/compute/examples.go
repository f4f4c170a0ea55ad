package compute

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirStore serves examples from Root/<population>/<task>, falling back to
// Root/<population> when no task directory exists.
type DirStore struct {
	Root string
}

func (s DirStore) Open(ctx context.Context, population, taskName string) (ExampleSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidates := []string{filepath.Join(s.Root, population)}
	if taskName != "" {
		candidates = append([]string{filepath.Join(s.Root, population, taskName)}, candidates...)
	}
	for _, dir := range candidates {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return dirSource{dir: dir}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoExamples, population)
}

type dirSource struct{ dir string }

func (d dirSource) URI() string  { return "file://" + d.dir }
func (d dirSource) Dir() string  { return d.dir }
func (d dirSource) Close() error { return nil }

// countExamples counts regular files directly under dir.
func countExamples(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.Type().IsRegular() {
			n++
		}
	}
	return n
}
