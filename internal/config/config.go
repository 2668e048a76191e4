// Package config holds the runtime-tunable core configuration and the
// per-project persisted configuration (allow-list, input history, rules).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/titanous/json5"
)

// Agent operating modes.
const (
	ModeAgent = "agent"
	ModePlan  = "plan"
)

const coreConfigFile = "config.json"

// CoreConfig is the mutable engine configuration. All fields are
// runtime-tunable through UpdateByKey.
type CoreConfig struct {
	Stream               bool     `json:"stream"`
	EnableThinking       bool     `json:"enableThinking"`
	SystemPromptOverride string   `json:"systemPromptOverride,omitempty"`
	CustomRules          []string `json:"customRules,omitempty"`

	SkipFileEditPermission bool `json:"skipFileEditPermission"`
	SkipBashExecPermission bool `json:"skipBashExecPermission"`
	SkipSkillPermission    bool `json:"skipSkillPermission"`
	SkipMCPToolPermission  bool `json:"skipMCPToolPermission"`

	EnableLLMCache bool `json:"enableLLMCache"`
	// UseTools restricts built-in tools; nil means all.
	UseTools  []string `json:"useTools,omitempty"`
	AgentMode string   `json:"agentMode"`

	// RequestsPerMinute throttles the LLM adapter; 0 disables.
	RequestsPerMinute int `json:"requestsPerMinute,omitempty"`
	// OTLPEndpoint enables trace export when non-empty.
	OTLPEndpoint string `json:"otlpEndpoint,omitempty"`
}

// DefaultCore returns the default core configuration.
func DefaultCore() CoreConfig {
	return CoreConfig{
		Stream:    true,
		AgentMode: ModeAgent,
	}
}

// Manager owns the core config and the project store for one working
// directory.
type Manager struct {
	mu      sync.RWMutex
	core    CoreConfig
	homeDir string
	workDir string

	projects *projectStore
}

// NewManager loads config from homeDir (created if missing) scoped to
// workDir. A missing or unreadable config file falls back to defaults.
func NewManager(homeDir, workDir string) (*Manager, error) {
	homeDir = ExpandHome(homeDir)
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	m := &Manager{
		core:    DefaultCore(),
		homeDir: homeDir,
		workDir: workDir,
	}

	path := filepath.Join(homeDir, coreConfigFile)
	if data, err := os.ReadFile(path); err == nil {
		cfg := DefaultCore()
		if err := json5.Unmarshal(data, &cfg); err == nil {
			m.core = cfg
		}
	}
	if m.core.AgentMode == "" {
		m.core.AgentMode = ModeAgent
	}

	ps, err := loadProjectStore(homeDir, workDir)
	if err != nil {
		return nil, err
	}
	m.projects = ps
	return m, nil
}

// HomeDir returns the engine home directory.
func (m *Manager) HomeDir() string { return m.homeDir }

// WorkDir returns the working directory this manager is scoped to.
func (m *Manager) WorkDir() string { return m.workDir }

// Core returns a snapshot of the core config.
func (m *Manager) Core() CoreConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.core
}

// AgentMode returns the current operating mode.
func (m *Manager) AgentMode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.core.AgentMode
}

// SetAgentMode writes the operating mode and persists.
func (m *Manager) SetAgentMode(mode string) error {
	return m.UpdateByKey("agentMode", mode)
}

// UpdateByKey mutates one core config field. Writes are restricted to
// the enumerated keys; anything else is an error.
func (m *Manager) UpdateByKey(key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch key {
	case "stream":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("config key %q wants bool", key)
		}
		m.core.Stream = b
	case "enableThinking":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("config key %q wants bool", key)
		}
		m.core.EnableThinking = b
	case "systemPromptOverride":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("config key %q wants string", key)
		}
		m.core.SystemPromptOverride = s
	case "customRules":
		rules, err := toStringSlice(value)
		if err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
		m.core.CustomRules = rules
	case "skipFileEditPermission":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("config key %q wants bool", key)
		}
		m.core.SkipFileEditPermission = b
	case "skipBashExecPermission":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("config key %q wants bool", key)
		}
		m.core.SkipBashExecPermission = b
	case "skipSkillPermission":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("config key %q wants bool", key)
		}
		m.core.SkipSkillPermission = b
	case "skipMCPToolPermission":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("config key %q wants bool", key)
		}
		m.core.SkipMCPToolPermission = b
	case "enableLLMCache":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("config key %q wants bool", key)
		}
		m.core.EnableLLMCache = b
	case "useTools":
		if value == nil {
			m.core.UseTools = nil
			break
		}
		tools, err := toStringSlice(value)
		if err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
		m.core.UseTools = tools
	case "agentMode":
		s, ok := value.(string)
		if !ok || (s != ModeAgent && s != ModePlan) {
			return fmt.Errorf("config key %q wants %q or %q", key, ModeAgent, ModePlan)
		}
		m.core.AgentMode = s
	case "requestsPerMinute":
		n, ok := toInt(value)
		if !ok || n < 0 {
			return fmt.Errorf("config key %q wants non-negative int", key)
		}
		m.core.RequestsPerMinute = n
	case "otlpEndpoint":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("config key %q wants string", key)
		}
		m.core.OTLPEndpoint = s
	default:
		return fmt.Errorf("config key %q is not updatable", key)
	}

	return m.saveCoreLocked()
}

func (m *Manager) saveCoreLocked() error {
	data, err := json.MarshalIndent(m.core, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(m.homeDir, coreConfigFile), data)
}

func toStringSlice(value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("want string elements, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("want string list, got %T", value)
	}
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// writeFileAtomic writes data via a temp file and rename so readers
// never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
