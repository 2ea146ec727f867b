package observer

import (
	"os"
	"path/filepath"

	"github.com/agentsh/hermit/internal/events"
)

// EnumerateDirectory walks rootDir and returns the full paths of every entry
// found, reporting an enumerate access for each directory visited. With
// recursive set, subdirectories are walked too. A subdirectory that cannot be
// read is skipped, not aborted on: the walk continues with its siblings and
// the error of the first failure is returned alongside the partial result.
func (o *Observer) EnumerateDirectory(rootDir string, recursive bool, pid int) ([]string, error) {
	root, err := o.resolver.Normalize(rootDir, 0, pid)
	if err != nil {
		return nil, err
	}
	if root == "" {
		root = rootDir
	}

	var (
		paths    []string
		firstErr error
	)
	stack := []string{root}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		o.reportResolved(events.KindEnumerate, dir, "", 0, 0, pid)

		entries, err := os.ReadDir(dir)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if name == "." || name == ".." {
				continue
			}
			full := filepath.Join(dir, name)
			paths = append(paths, full)
			if recursive && e.IsDir() {
				stack = append(stack, full)
			}
		}
	}
	return paths, firstErr
}
