// Package builtin registers the function classes named in SPEC_FULL §4.8:
// fs.read_file, fs.write_file, fs.list_dir (scoped to an agent's working
// directory, §6.4), http.fetch, and review.post_comment.
package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentflow/runtime/internal/functions"
)

// AgentsRoot is the root under which every agent's scoped working directory
// lives: <systemDir>/agents/<agentId> (§6.4). Boot wiring sets this once
// from config before registering the fs.* function classes.
var AgentsRoot = ".typedai/agents"

func agentDir(agentID string) string {
	return filepath.Join(AgentsRoot, agentID)
}

// scopedPath resolves rel against the agent's working directory, rejecting
// any path that would escape it via ".." traversal — the fs.* functions are
// the one place an LLM-controlled string reaches the filesystem directly.
func scopedPath(agentID, rel string) (string, error) {
	base := agentDir(agentID)
	full := filepath.Join(base, rel)
	cleanBase := filepath.Clean(base) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(full)+string(os.PathSeparator), cleanBase) {
		return "", fmt.Errorf("fs: path %q escapes agent working directory", rel)
	}
	return full, nil
}

type readFile struct{ agentID string }

func (f *readFile) Schema() functions.Schema {
	return functions.Schema{
		Name:        "fs.read_file",
		Description: "Read a text file from the agent's working directory",
		Parameters:  []functions.Param{{Name: "path", Type: "string", Required: true}},
	}
}

func (f *readFile) Call(_ context.Context, args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("fs.read_file: expected 1 argument, got %d", len(args))
	}
	full, err := scopedPath(f.agentID, args[0])
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("fs.read_file: %w", err)
	}
	return string(data), nil
}

type writeFile struct{ agentID string }

func (f *writeFile) Schema() functions.Schema {
	return functions.Schema{
		Name:        "fs.write_file",
		Description: "Write a text file in the agent's working directory, creating parent directories as needed",
		Parameters: []functions.Param{
			{Name: "path", Type: "string", Required: true},
			{Name: "content", Type: "string", Required: true},
		},
	}
}

func (f *writeFile) Call(_ context.Context, args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("fs.write_file: expected 2 arguments, got %d", len(args))
	}
	full, err := scopedPath(f.agentID, args[0])
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("fs.write_file: create parent directories: %w", err)
	}
	if err := os.WriteFile(full, []byte(args[1]), 0o644); err != nil {
		return "", fmt.Errorf("fs.write_file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args[1]), args[0]), nil
}

type listDir struct{ agentID string }

func (f *listDir) Schema() functions.Schema {
	return functions.Schema{
		Name:        "fs.list_dir",
		Description: "List entries of a directory in the agent's working directory",
		Parameters:  []functions.Param{{Name: "path", Type: "string", Required: false}},
	}
}

func (f *listDir) Call(_ context.Context, args []string) (string, error) {
	rel := "."
	if len(args) > 0 && args[0] != "" {
		rel = args[0]
	}
	full, err := scopedPath(f.agentID, rel)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return "", fmt.Errorf("fs.list_dir: %w", err)
	}
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.Name())
		if e.IsDir() {
			sb.WriteString("/")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// RegisterFS registers fs.read_file, fs.write_file, and fs.list_dir into
// reg, each scoped to <systemDir>/agents/<agentId> per §6.4.
func RegisterFS(reg *functions.Registry) {
	reg.Register("fs.read_file", func(agentID string) functions.Function { return &readFile{agentID: agentID} })
	reg.Register("fs.write_file", func(agentID string) functions.Function { return &writeFile{agentID: agentID} })
	reg.Register("fs.list_dir", func(agentID string) functions.Function { return &listDir{agentID: agentID} })
}
