package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxGlobResults = 500

// GlobTool matches file paths against a glob pattern, newest first.
type GlobTool struct{}

func NewGlobTool() *GlobTool { return &GlobTool{} }

func (t *GlobTool) Name() string { return "Glob" }

func (t *GlobTool) Description() string {
	return "Fast file pattern matching. Supports glob patterns like \"**/*.go\" or \"src/**/*.ts\". " +
		"Returns matching paths sorted by modification time, newest first."
}

func (t *GlobTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern to match files against",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search in (defaults to the working directory)",
			},
		},
		"required": []any{"pattern"},
	}
}

func (t *GlobTool) IsReadOnly() bool { return true }

func (t *GlobTool) ValidateInput(input map[string]any, tc *Context) error {
	if str(input, "pattern") == "" {
		return fmt.Errorf("pattern is required")
	}
	if p := str(input, "path"); p != "" {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("path is not a directory: %s", p)
		}
	}
	return nil
}

func (t *GlobTool) GenToolPermission(input map[string]any) (string, string) { return "", "" }

func (t *GlobTool) GetDisplayTitle(input map[string]any) string {
	return str(input, "pattern")
}

func (t *GlobTool) GenToolResultMessage(out *Output, input map[string]any) (string, string, string) {
	data, _ := out.Data.(globResult)
	return t.GetDisplayTitle(input), fmt.Sprintf("Found %d files", data.Count), out.ResultForAssistant
}

type globResult struct {
	Count int
}

func (t *GlobTool) Invoke(ctx context.Context, input map[string]any, tc *Context) (*Output, error) {
	pattern := str(input, "pattern")
	root := str(input, "path")
	if root == "" && tc != nil {
		root = tc.WorkDir
	}
	if root == "" {
		root = "."
	}

	type match struct {
		path  string
		mtime int64
	}
	var matches []match

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if name := d.Name(); name == ".git" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if globMatch(pattern, rel) {
			var mtime int64
			if info, err := d.Info(); err == nil {
				mtime = info.ModTime().UnixNano()
			}
			matches = append(matches, match{path: path, mtime: mtime})
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].mtime > matches[j].mtime })
	if len(matches) > maxGlobResults {
		matches = matches[:maxGlobResults]
	}

	if len(matches) == 0 {
		return &Output{Data: globResult{}, ResultForAssistant: "No files found"}, nil
	}
	var sb strings.Builder
	for _, m := range matches {
		sb.WriteString(m.path)
		sb.WriteByte('\n')
	}
	return &Output{
		Data:               globResult{Count: len(matches)},
		ResultForAssistant: strings.TrimRight(sb.String(), "\n"),
	}, nil
}

// globMatch supports the ** wildcard on top of path.Match semantics.
func globMatch(pattern, rel string) bool {
	rel = filepath.ToSlash(rel)
	pattern = filepath.ToSlash(pattern)

	if !strings.Contains(pattern, "**") {
		ok, _ := filepath.Match(pattern, rel)
		if ok {
			return true
		}
		// A bare pattern like "*.go" also matches by base name.
		if !strings.Contains(pattern, "/") {
			ok, _ = filepath.Match(pattern, filepath.Base(rel))
			return ok
		}
		return false
	}

	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pat, parts []string) bool {
	if len(pat) == 0 {
		return len(parts) == 0
	}
	if pat[0] == "**" {
		// ** matches zero or more path segments.
		for skip := 0; skip <= len(parts); skip++ {
			if matchSegments(pat[1:], parts[skip:]) {
				return true
			}
		}
		return false
	}
	if len(parts) == 0 {
		return false
	}
	ok, _ := filepath.Match(pat[0], parts[0])
	if !ok {
		return false
	}
	return matchSegments(pat[1:], parts[1:])
}
