// Package mcp maintains the pool of external tool servers speaking the
// Model Context Protocol. Servers come from two JSON5 config scopes,
// user and project; their tools are adapted to the local tool contract
// under mcp__{server}__{tool} names.
package mcp

import (
	"fmt"
	"os"
	"time"

	"github.com/titanous/json5"
)

// ServerConfig describes one MCP server entry.
type ServerConfig struct {
	Transport string            `json:"transport"` // stdio | sse | http
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	// UseTools restricts which of the server's tools are exposed.
	// nil means all.
	UseTools []string `json:"useTools,omitempty"`
	Enabled  *bool    `json:"enabled,omitempty"`
}

func (c ServerConfig) enabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type scopeFile struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// loadScope reads one config scope. A missing file is an empty scope.
func loadScope(path string) (map[string]ServerConfig, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}

	var f scopeFile
	if err := json5.Unmarshal(data, &f); err != nil {
		return nil, time.Time{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Servers, info.ModTime(), nil
}

// mergeScopes combines user and project server maps. Project entries win
// on name collisions; disabled servers are dropped from the result.
func mergeScopes(user, project map[string]ServerConfig) map[string]ServerConfig {
	merged := make(map[string]ServerConfig, len(user)+len(project))
	for name, cfg := range user {
		merged[name] = cfg
	}
	for name, cfg := range project {
		merged[name] = cfg
	}
	for name, cfg := range merged {
		if !cfg.enabled() {
			delete(merged, name)
		}
	}
	return merged
}
