package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	maxGrepFiles    = 250
	maxGrepLineLen  = 500
	maxGrepFileSize = 4 * 1024 * 1024
)

// GrepTool searches file contents with a regular expression.
type GrepTool struct{}

func NewGrepTool() *GrepTool { return &GrepTool{} }

func (t *GrepTool) Name() string { return "Grep" }

func (t *GrepTool) Description() string {
	return "Searches file contents using a regular expression. Supports filtering by a glob " +
		"pattern and returns matching file paths sorted by modification time, or matching " +
		"lines in content mode."
}

func (t *GrepTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Regular expression to search for",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search in (defaults to the working directory)",
			},
			"glob": map[string]any{
				"type":        "string",
				"description": "Glob pattern to filter files (e.g. \"*.go\")",
			},
			"output_mode": map[string]any{
				"type": "string",
				"enum": []any{"files_with_matches", "content", "count"},
			},
			"-i": map[string]any{
				"type":        "boolean",
				"description": "Case insensitive search",
			},
		},
		"required": []any{"pattern"},
	}
}

func (t *GrepTool) IsReadOnly() bool { return true }

func (t *GrepTool) ValidateInput(input map[string]any, tc *Context) error {
	pattern := str(input, "pattern")
	if pattern == "" {
		return fmt.Errorf("pattern is required")
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid regular expression: %w", err)
	}
	return nil
}

func (t *GrepTool) GenToolPermission(input map[string]any) (string, string) { return "", "" }

func (t *GrepTool) GetDisplayTitle(input map[string]any) string {
	return str(input, "pattern")
}

func (t *GrepTool) GenToolResultMessage(out *Output, input map[string]any) (string, string, string) {
	data, _ := out.Data.(grepResult)
	return t.GetDisplayTitle(input), fmt.Sprintf("%d matches", data.Matches), out.ResultForAssistant
}

type grepResult struct {
	Matches int
}

func (t *GrepTool) Invoke(ctx context.Context, input map[string]any, tc *Context) (*Output, error) {
	pattern := str(input, "pattern")
	if ci, _ := input["-i"].(bool); ci {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	root := str(input, "path")
	if root == "" && tc != nil {
		root = tc.WorkDir
	}
	if root == "" {
		root = "."
	}
	fileGlob := str(input, "glob")
	mode := str(input, "output_mode")
	if mode == "" {
		mode = "files_with_matches"
	}

	type hit struct {
		path  string
		mtime int64
		lines []string
		count int
	}
	var hits []hit

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
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
		if fileGlob != "" {
			if ok, _ := filepath.Match(fileGlob, d.Name()); !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxGrepFileSize {
			return nil
		}

		h := hit{path: path, mtime: info.ModTime().UnixNano()}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), maxGrepFileSize)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if !re.MatchString(line) {
				continue
			}
			h.count++
			if mode == "content" {
				if len(line) > maxGrepLineLen {
					line = line[:maxGrepLineLen] + "…"
				}
				h.lines = append(h.lines, fmt.Sprintf("%s:%d:%s", path, lineNo, line))
			}
		}
		if h.count > 0 {
			hits = append(hits, h)
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].mtime > hits[j].mtime })
	if len(hits) > maxGrepFiles {
		hits = hits[:maxGrepFiles]
	}

	total := 0
	var sb strings.Builder
	for _, h := range hits {
		total += h.count
		switch mode {
		case "content":
			for _, l := range h.lines {
				sb.WriteString(l)
				sb.WriteByte('\n')
			}
		case "count":
			fmt.Fprintf(&sb, "%s:%d\n", h.path, h.count)
		default:
			sb.WriteString(h.path)
			sb.WriteByte('\n')
		}
	}

	content := strings.TrimRight(sb.String(), "\n")
	if content == "" {
		content = "No matches found"
	}
	return &Output{
		Data:               grepResult{Matches: total},
		ResultForAssistant: content,
	}, nil
}
