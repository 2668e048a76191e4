package mcp

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/clawcore/internal/tools"
)

const (
	connectTimeout      = 30 * time.Second
	defaultCallTimeout  = 60 * time.Second
	healthCheckInterval = 30 * time.Second
)

// ServerInfo reports one server's connection state.
type ServerInfo struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

type serverState struct {
	name      string
	transport string
	client    *mcpclient.Client
	tools     []tools.Tool
	lastErr   string
	cancel    context.CancelFunc
}

// Manager owns the MCP client pool and the derived tool list.
type Manager struct {
	userPath    string
	projectPath string

	mu      sync.Mutex
	servers map[string]*serverState
	info    map[string]ServerInfo

	// Tools cache, valid while both config mtimes are unchanged and no
	// watcher event arrived.
	cachedTools  []tools.Tool
	cacheUserMt  time.Time
	cacheProjMt  time.Time
	cacheValid   bool
	watcher      *fsnotify.Watcher
	watcherStop  chan struct{}
	watcherOnce  sync.Once
}

func NewManager(userPath, projectPath string) *Manager {
	return &Manager{
		userPath:    userPath,
		projectPath: projectPath,
		servers:     make(map[string]*serverState),
		info:        make(map[string]ServerInfo),
	}
}

// Tools returns the adapted tool list, reconnecting the pool when either
// config scope changed since the last call.
func (m *Manager) Tools(ctx context.Context) []tools.Tool {
	user, userMt, errU := loadScope(m.userPath)
	project, projMt, errP := loadScope(m.projectPath)
	if errU != nil {
		slog.Warn("mcp.config.load_failed", "scope", "user", "error", errU)
	}
	if errP != nil {
		slog.Warn("mcp.config.load_failed", "scope", "project", "error", errP)
	}

	m.mu.Lock()
	if m.cacheValid && userMt.Equal(m.cacheUserMt) && projMt.Equal(m.cacheProjMt) {
		cached := m.cachedTools
		m.mu.Unlock()
		return cached
	}
	m.mu.Unlock()

	m.Disconnect()
	m.connectAll(ctx, mergeScopes(user, project))

	m.mu.Lock()
	defer m.mu.Unlock()
	var all []tools.Tool
	for _, ss := range m.servers {
		all = append(all, ss.tools...)
	}
	m.cachedTools = all
	m.cacheUserMt = userMt
	m.cacheProjMt = projMt
	m.cacheValid = true
	return all
}

// connectAll dials every merged server in parallel; individual failures
// are recorded, never fatal.
func (m *Manager) connectAll(ctx context.Context, configs map[string]ServerConfig) {
	var wg sync.WaitGroup
	for name, cfg := range configs {
		wg.Add(1)
		go func(name string, cfg ServerConfig) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, connectTimeout)
			defer cancel()
			if err := m.connectServer(cctx, name, cfg); err != nil {
				slog.Warn("mcp.server.connect_failed", "server", name, "error", err)
				m.setInfo(ServerInfo{Name: name, Transport: cfg.Transport, Error: err.Error()})
			}
		}(name, cfg)
	}
	wg.Wait()
}

func (m *Manager) connectServer(ctx context.Context, name string, cfg ServerConfig) error {
	client, err := createClient(cfg)
	if err != nil {
		return err
	}

	// stdio transports start on creation; the rest need an explicit Start.
	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return err
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "clawcore", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return err
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return err
	}

	adapted := adaptTools(name, listed.Tools, cfg.UseTools, client)

	hctx, hcancel := context.WithCancel(context.Background())
	ss := &serverState{
		name:      name,
		transport: cfg.Transport,
		client:    client,
		tools:     adapted,
		cancel:    hcancel,
	}
	m.mu.Lock()
	m.servers[name] = ss
	m.mu.Unlock()
	m.setInfo(ServerInfo{Name: name, Transport: cfg.Transport, Connected: true, ToolCount: len(adapted)})
	go m.healthLoop(hctx, ss)

	slog.Info("mcp.server.connected", "server", name, "transport", cfg.Transport, "tools", len(adapted))
	return nil
}

func createClient(cfg ServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio", "":
		return mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	case "http", "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, &unsupportedTransportError{cfg.Transport}
	}
}

type unsupportedTransportError struct{ transport string }

func (e *unsupportedTransportError) Error() string {
	return "unsupported MCP transport: " + e.transport
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}

// healthLoop pings the server periodically and keeps the info cache
// current. Servers without a ping handler count as healthy.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ss.client.Ping(ctx)
			if err != nil && !isMethodNotFound(err) {
				ss.lastErr = err.Error()
				m.setInfo(ServerInfo{Name: ss.name, Transport: ss.transport, ToolCount: len(ss.tools), Error: ss.lastErr})
				slog.Warn("mcp.server.health_failed", "server", ss.name, "error", err)
				continue
			}
			ss.lastErr = ""
			m.setInfo(ServerInfo{Name: ss.name, Transport: ss.transport, Connected: true, ToolCount: len(ss.tools)})
		}
	}
}

func isMethodNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "method not found")
}

// setInfo updates a single server's entry in the info cache.
func (m *Manager) setInfo(info ServerInfo) {
	m.mu.Lock()
	m.info[info.Name] = info
	m.mu.Unlock()
}

// Servers returns a snapshot of the server info cache.
func (m *Manager) Servers() []ServerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerInfo, 0, len(m.info))
	for _, info := range m.info {
		out = append(out, info)
	}
	return out
}

// Watch invalidates the tools cache whenever either config file changes
// on disk. Safe to call once; later calls are no-ops.
func (m *Manager) Watch() {
	m.watcherOnce.Do(func() {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			slog.Warn("mcp.watch.unavailable", "error", err)
			return
		}
		m.watcher = w
		m.watcherStop = make(chan struct{})
		for _, p := range []string{m.userPath, m.projectPath} {
			if err := w.Add(p); err != nil {
				slog.Debug("mcp.watch.add_failed", "path", p, "error", err)
			}
		}
		go func() {
			for {
				select {
				case <-m.watcherStop:
					return
				case _, ok := <-w.Events:
					if !ok {
						return
					}
					m.mu.Lock()
					m.cacheValid = false
					m.mu.Unlock()
				case err, ok := <-w.Errors:
					if !ok {
						return
					}
					slog.Debug("mcp.watch.error", "error", err)
				}
			}
		}()
	})
}

// Disconnect tears the pool down. Close failures are logged and
// otherwise ignored; the client table always ends up empty.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]*serverState)
	m.cacheValid = false
	m.mu.Unlock()

	for name, ss := range servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if err := ss.client.Close(); err != nil {
			slog.Debug("mcp.server.close_error", "server", name, "error", err)
		}
		m.setInfo(ServerInfo{Name: name, Transport: ss.transport})
	}
}

// Close also stops the config watcher.
func (m *Manager) Close() {
	m.Disconnect()
	if m.watcher != nil {
		close(m.watcherStop)
		_ = m.watcher.Close()
	}
}
