// Package fsscope implements the "Scoped acquisition" resource-model rule
// from §5: file-system operations acquire a working-directory scope, and
// the previous working directory is restored on every exit path (success,
// error, or panic) so nested operations never leak cwd. Git-root detection
// is cached process-wide by working directory.
package fsscope

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Acquire changes the process working directory to dir and returns a
// release function that restores the prior working directory. Callers must
// defer release() immediately:
//
//	release, err := fsscope.Acquire(dir)
//	if err != nil { return err }
//	defer release()
//
// release is safe to call even if the caller is unwinding from a panic,
// since it runs from a defer and only touches os.Chdir.
func Acquire(dir string) (release func(), err error) {
	prev, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("fsscope: get current directory: %w", err)
	}
	if err := os.Chdir(dir); err != nil {
		return nil, fmt.Errorf("fsscope: change directory to %s: %w", dir, err)
	}
	return func() {
		if err := os.Chdir(prev); err != nil {
			// Best-effort: the process cwd is now in an unknown state, but
			// there is no sensible error channel for a deferred restore.
			_ = err
		}
	}, nil
}

var (
	gitRootMu    sync.Mutex
	gitRootCache = make(map[string]string)
)

// GitRoot returns the git repository root containing workingDir, caching
// the result process-wide so repeated lookups for the same directory (a
// common pattern across many function calls in one agent execution) avoid
// re-invoking git.
func GitRoot(workingDir string) (string, error) {
	abs, err := filepath.Abs(workingDir)
	if err != nil {
		return "", fmt.Errorf("fsscope: resolve %s: %w", workingDir, err)
	}

	gitRootMu.Lock()
	if root, ok := gitRootCache[abs]; ok {
		gitRootMu.Unlock()
		return root, nil
	}
	gitRootMu.Unlock()

	cmd := exec.Command("git", "-C", abs, "rev-parse", "--show-toplevel")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("fsscope: resolve git root for %s: %w", abs, err)
	}
	root := strings.TrimSpace(string(out))

	gitRootMu.Lock()
	gitRootCache[abs] = root
	gitRootMu.Unlock()

	return root, nil
}
