package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/titanous/json5"
)

const (
	projectsFile    = "projects.json"
	maxHistoryItems = 30
	maxProjects     = 20
)

// ProjectConfig is the persisted per-working-directory configuration.
type ProjectConfig struct {
	// AllowedTools holds permission keys, kept sorted.
	AllowedTools []string `json:"allowedTools"`
	// History is the user input history, newest first, capped.
	History      []string `json:"history"`
	LastEditTime int64    `json:"lastEditTime"`
	Rules        []string `json:"rules,omitempty"`
}

// projectStore maps working directories to their project configs in one
// file under the home dir.
type projectStore struct {
	mu       sync.Mutex
	path     string
	workDir  string
	projects map[string]*ProjectConfig
}

func loadProjectStore(homeDir, workDir string) (*projectStore, error) {
	ps := &projectStore{
		path:     filepath.Join(homeDir, projectsFile),
		workDir:  workDir,
		projects: make(map[string]*ProjectConfig),
	}

	if data, err := os.ReadFile(ps.path); err == nil {
		// A corrupt file starts over rather than failing the session.
		_ = json5.Unmarshal(data, &ps.projects)
		if ps.projects == nil {
			ps.projects = make(map[string]*ProjectConfig)
		}
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.projects[workDir]; !ok {
		ps.projects[workDir] = &ProjectConfig{LastEditTime: time.Now().UnixMilli()}
		ps.evictLocked()
		_ = ps.saveLocked()
	}
	return ps, nil
}

// evictLocked drops the oldest projects beyond the global cap, ordered
// by lastEditTime. The current working dir is never evicted.
func (ps *projectStore) evictLocked() {
	if len(ps.projects) <= maxProjects {
		return
	}
	type aged struct {
		dir string
		t   int64
	}
	var all []aged
	for dir, p := range ps.projects {
		if dir == ps.workDir {
			continue
		}
		all = append(all, aged{dir, p.LastEditTime})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].t < all[j].t })
	for _, a := range all {
		if len(ps.projects) <= maxProjects {
			break
		}
		delete(ps.projects, a.dir)
	}
}

func (ps *projectStore) saveLocked() error {
	data, err := json.MarshalIndent(ps.projects, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(ps.path, data)
}

func (ps *projectStore) currentLocked() *ProjectConfig {
	p, ok := ps.projects[ps.workDir]
	if !ok {
		p = &ProjectConfig{}
		ps.projects[ps.workDir] = p
	}
	return p
}

// Project returns a snapshot of the current working dir's config.
func (m *Manager) Project() ProjectConfig {
	ps := m.projects
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p := ps.currentLocked()
	cp := *p
	cp.AllowedTools = append([]string(nil), p.AllowedTools...)
	cp.History = append([]string(nil), p.History...)
	cp.Rules = append([]string(nil), p.Rules...)
	return cp
}

// IsToolAllowed reports whether the permission key is in the project
// allow-list.
func (m *Manager) IsToolAllowed(key string) bool {
	ps := m.projects
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p := ps.currentLocked()
	i := sort.SearchStrings(p.AllowedTools, key)
	return i < len(p.AllowedTools) && p.AllowedTools[i] == key
}

// AllowTool adds a permission key to the project allow-list, keeping it
// sorted, and persists.
func (m *Manager) AllowTool(key string) error {
	ps := m.projects
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p := ps.currentLocked()

	i := sort.SearchStrings(p.AllowedTools, key)
	if i < len(p.AllowedTools) && p.AllowedTools[i] == key {
		return nil
	}
	p.AllowedTools = append(p.AllowedTools, "")
	copy(p.AllowedTools[i+1:], p.AllowedTools[i:])
	p.AllowedTools[i] = key
	p.LastEditTime = time.Now().UnixMilli()
	return ps.saveLocked()
}

// AddHistory prepends one user input to the project history, trimming
// to the cap, and persists.
func (m *Manager) AddHistory(input string) error {
	if input == "" {
		return nil
	}
	ps := m.projects
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p := ps.currentLocked()

	history := make([]string, 0, len(p.History)+1)
	history = append(history, input)
	for _, h := range p.History {
		if h != input {
			history = append(history, h)
		}
	}
	if len(history) > maxHistoryItems {
		history = history[:maxHistoryItems]
	}
	p.History = history
	p.LastEditTime = time.Now().UnixMilli()
	return ps.saveLocked()
}

// ProjectHistory returns the input history, newest first.
func (m *Manager) ProjectHistory() []string {
	return m.Project().History
}

// ProjectRules returns the persisted per-project rules.
func (m *Manager) ProjectRules() []string {
	return m.Project().Rules
}
