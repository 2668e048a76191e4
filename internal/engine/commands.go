package engine

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// customCommand is one markdown-defined slash command. Its body becomes
// the prompt, with $ARGUMENTS replaced by whatever followed the name.
type customCommand struct {
	Name        string
	Description string
	Body        string
}

// commandRegistry indexes custom commands by lower-cased name. Later
// directories win, so project commands override user commands.
type commandRegistry struct {
	mu       sync.RWMutex
	commands map[string]customCommand
}

func newCommandRegistry() *commandRegistry {
	return &commandRegistry{commands: make(map[string]customCommand)}
}

// LoadDir scans a directory for <name>.md command files. Missing
// directories are fine.
func (r *commandRegistry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		cmd := parseCommand(strings.TrimSuffix(e.Name(), ".md"), string(data))
		r.mu.Lock()
		r.commands[strings.ToLower(cmd.Name)] = cmd
		r.mu.Unlock()
	}
	return nil
}

// Expand resolves "/name args" against the registry. The bool reports
// whether the input named a known command.
func (r *commandRegistry) Expand(input string) (string, bool) {
	if !strings.HasPrefix(input, "/") {
		return input, false
	}
	name, args, _ := strings.Cut(strings.TrimPrefix(input, "/"), " ")

	r.mu.RLock()
	cmd, ok := r.commands[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return input, false
	}

	body := cmd.Body
	if strings.Contains(body, "$ARGUMENTS") {
		body = strings.ReplaceAll(body, "$ARGUMENTS", strings.TrimSpace(args))
	} else if args = strings.TrimSpace(args); args != "" {
		body = body + "\n\n" + args
	}
	return body, true
}

// List returns the loaded commands sorted by nothing in particular;
// callers sort when presenting.
func (r *commandRegistry) List() []customCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]customCommand, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	return out
}

// parseCommand extracts an optional frontmatter description; the rest
// of the file is the prompt body.
func parseCommand(name, raw string) customCommand {
	c := customCommand{Name: name, Body: strings.TrimSpace(raw)}

	if !strings.HasPrefix(raw, "---\n") {
		return c
	}
	rest := raw[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return c
	}
	front := rest[:end]
	c.Body = strings.TrimSpace(rest[end+len("\n---"):])

	for _, line := range strings.Split(front, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "name":
			if value != "" {
				c.Name = value
			}
		case "description":
			c.Description = value
		}
	}
	return c
}
