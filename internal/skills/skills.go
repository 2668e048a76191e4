// Package skills loads skill definitions, markdown files whose bodies
// are injected into the conversation when the Skill tool runs.
package skills

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Skill is one loaded skill definition.
type Skill struct {
	Name        string
	Description string
	Content     string
	Path        string
}

// Registry indexes skills by lower-cased name. Later directories win on
// name collisions, so project skills override user skills.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Skill
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Skill)}
}

// LoadDir scans a directory for skill files: either <name>.md or
// <name>/SKILL.md. Missing directories are fine.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		var path, name string
		if e.IsDir() {
			path = filepath.Join(dir, e.Name(), "SKILL.md")
			name = e.Name()
			if _, err := os.Stat(path); err != nil {
				continue
			}
		} else if strings.HasSuffix(e.Name(), ".md") {
			path = filepath.Join(dir, e.Name())
			name = strings.TrimSuffix(e.Name(), ".md")
		} else {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		skill := parseSkill(name, path, string(data))
		r.add(skill)
	}
	return nil
}

func (r *Registry) add(s Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(s.Name)
	if _, ok := r.skills[key]; !ok {
		r.order = append(r.order, key)
	}
	r.skills[key] = s
}

// Get looks up a skill case-insensitively.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[strings.ToLower(name)]
	return s, ok
}

// List returns skills in load order.
func (r *Registry) List() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.skills[key])
	}
	return out
}

// parseSkill extracts name/description from an optional YAML-ish
// frontmatter block; the rest is the skill body.
func parseSkill(defaultName, path, raw string) Skill {
	s := Skill{Name: defaultName, Path: path, Content: raw}

	if !strings.HasPrefix(raw, "---\n") {
		return s
	}
	rest := raw[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return s
	}
	front := rest[:end]
	body := rest[end+len("\n---"):]
	s.Content = strings.TrimLeft(body, "\n")

	for _, line := range strings.Split(front, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "name":
			if value != "" {
				s.Name = value
			}
		case "description":
			s.Description = value
		}
	}
	return s
}
