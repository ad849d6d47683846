// Package mcptools maintains one long-lived MCP session per tool server,
// aggregates the discovered tools into a registry, and executes tool calls
// under per-server circuit breakers with timeouts.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/mudler/xlog"

	"github.com/semanticarchitectures/multi-agent-collab/core/types"
	"github.com/semanticarchitectures/multi-agent-collab/pkg/circuitbreaker"
	"github.com/semanticarchitectures/multi-agent-collab/pkg/retry"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultInitTimeout    = 10 * time.Second
	DefaultCallTimeout    = 30 * time.Second

	historyCap = 100
)

// ServerConfig describes how to spawn and reach one stdio tool server.
type ServerConfig struct {
	Name           string
	Command        string
	Args           []string
	Env            map[string]string
	ConnectTimeout time.Duration
	InitTimeout    time.Duration
}

// ToolSession is the slice of an MCP client session the pool uses.
// *mcp.ClientSession satisfies it; tests may attach their own.
type ToolSession interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// Execution records one tool call for the history ring.
type Execution struct {
	ToolName   string    `json:"tool_name"`
	ServerName string    `json:"server_name"`
	AgentID    string    `json:"agent_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Outcome    string    `json:"outcome"`
}

type serverSession struct {
	name    string
	session ToolSession
	mu      sync.Mutex // single in-flight RPC per server
}

// Manager is the tool client pool. One session per server, registration
// order preserved for reverse-order shutdown.
type Manager struct {
	mu          sync.Mutex
	client      *mcp.Client
	sessions    []*serverSession
	registry    *Registry
	breakers    *circuitbreaker.Manager
	retryCfg    retry.Config
	callTimeout time.Duration
	closed      bool

	histMu  sync.Mutex
	history []Execution
}

// NewManager builds an empty pool. Breakers and the retry schedule are
// injected so tests can tune thresholds.
func NewManager(breakers *circuitbreaker.Manager, retryCfg retry.Config, callTimeout time.Duration) *Manager {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Manager{
		client:      mcp.NewClient(&mcp.Implementation{Name: "multi-agent-collab", Version: "v1.0.0"}, nil),
		registry:    NewRegistry(),
		breakers:    breakers,
		retryCfg:    retryCfg,
		callTimeout: callTimeout,
	}
}

// Registry exposes the aggregated tool catalog.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// ServerNames returns connected servers in registration order.
func (m *Manager) ServerNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.sessions))
	for _, s := range m.sessions {
		names = append(names, s.name)
	}
	return names
}

// ConnectServer spawns the server process, performs the MCP handshake within
// the connect timeout, then discovers its tools within the init timeout.
// Discovery failure closes the session and rolls back any partial
// installation.
func (m *Manager) ConnectServer(ctx context.Context, cfg ServerConfig) error {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	command := exec.Command(cfg.Command, cfg.Args...)
	command.Env = os.Environ()
	for k, v := range cfg.Env {
		command.Env = append(command.Env, k+"="+v)
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	xlog.Info("mcp.connect", "server_name", cfg.Name, "command", cfg.Command)
	session, err := m.client.Connect(connectCtx, &mcp.CommandTransport{Command: command}, nil)
	if err != nil {
		return types.NewError(types.KindConfig, "failed to connect to tool server",
			types.ErrorContext{ServerName: cfg.Name}, err)
	}

	return m.AttachSession(ctx, cfg.Name, session, cfg.InitTimeout)
}

// AttachSession registers an already-connected session under serverName and
// runs tool discovery. Tests use it with in-memory transports.
func (m *Manager) AttachSession(ctx context.Context, serverName string, session ToolSession, initTimeout time.Duration) error {
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		session.Close()
		return types.NewError(types.KindConfig, "tool client pool already shut down",
			types.ErrorContext{ServerName: serverName}, nil)
	}
	for _, s := range m.sessions {
		if s.name == serverName {
			m.mu.Unlock()
			session.Close()
			return types.NewError(types.KindConfig, "duplicate tool server name",
				types.ErrorContext{ServerName: serverName}, nil)
		}
	}
	m.mu.Unlock()

	discoverCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	listed, err := session.ListTools(discoverCtx, &mcp.ListToolsParams{})
	if err != nil {
		session.Close()
		return types.NewError(types.KindConfig, "tool discovery failed",
			types.ErrorContext{ServerName: serverName}, err)
	}

	descriptors := make([]ToolDescriptor, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		descriptors = append(descriptors, ToolDescriptor{
			Name:        t.Name,
			ServerName:  serverName,
			Description: t.Description,
			InputSchema: decodeSchema(t.InputSchema),
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		session.Close()
		return types.NewError(types.KindConfig, "tool client pool already shut down",
			types.ErrorContext{ServerName: serverName}, nil)
	}
	m.registry.install(descriptors)
	m.sessions = append(m.sessions, &serverSession{name: serverName, session: session})
	xlog.Info("mcp.connect established", "server_name", serverName, "tools", len(descriptors))
	return nil
}

// CallTool performs one tool invocation: resolve, consult the breaker, place
// the RPC under the call timeout, and record the outcome. Retry is composed
// externally so an OPEN breaker fails immediately while timeouts are retried.
func (m *Manager) CallTool(ctx context.Context, toolName string, arguments map[string]any, agentID string) (string, error) {
	desc, ok := m.registry.Lookup(toolName)
	if !ok {
		return "", types.NewError(types.KindToolNotFound,
			fmt.Sprintf("tool %q is not registered", toolName),
			types.ErrorContext{AgentID: agentID, ToolName: toolName}, nil)
	}

	ss := m.sessionFor(desc.ServerName)
	if ss == nil {
		return "", types.NewError(types.KindToolNotFound,
			fmt.Sprintf("server %q for tool %q is not connected", desc.ServerName, toolName),
			types.ErrorContext{AgentID: agentID, ToolName: toolName, ServerName: desc.ServerName}, nil)
	}

	errCtx := types.ErrorContext{AgentID: agentID, ToolName: toolName, ServerName: desc.ServerName}

	breaker := m.breakers.Breaker(desc.ServerName)
	if err := breaker.Allow(); err != nil {
		m.record(toolName, desc.ServerName, agentID, time.Now(), 0, "circuit_open")
		return "", err
	}

	start := time.Now()
	xlog.Info("tool.call.start", "agent_id", agentID, "tool_name", toolName, "server_name", desc.ServerName)

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	ss.mu.Lock()
	result, err := ss.session.CallTool(callCtx, &mcp.CallToolParams{Name: toolName, Arguments: arguments})
	ss.mu.Unlock()

	duration := time.Since(start)

	outcome := "success"
	defer func() {
		xlog.Info("tool.call.end", "agent_id", agentID, "tool_name", toolName,
			"server_name", desc.ServerName, "duration_ms", duration.Milliseconds(), "outcome", outcome)
		m.record(toolName, desc.ServerName, agentID, start, duration.Milliseconds(), outcome)
	}()

	if err != nil {
		breaker.RecordFailure()
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			outcome = "timeout"
			return "", types.NewError(types.KindToolTimeout,
				fmt.Sprintf("tool call exceeded %s", m.callTimeout), errCtx, err)
		}
		outcome = "error"
		return "", types.NewError(types.KindToolExecutionError, "tool call failed", errCtx, err)
	}

	if result.IsError {
		breaker.RecordFailure()
		outcome = "tool_error"
		return "", types.NewError(types.KindToolExecutionError,
			"tool reported an error: "+flattenContent(result), errCtx, nil)
	}

	breaker.RecordSuccess()
	return flattenContent(result), nil
}

// Execute wraps CallTool in the retry engine: ToolTimeout and
// ToolExecutionError are retried with backoff, everything else propagates
// immediately.
func (m *Manager) Execute(ctx context.Context, toolName string, arguments map[string]any, agentID string) (string, error) {
	var out string
	err := retry.Do(ctx, m.retryCfg, "tool:"+toolName, func() error {
		var callErr error
		out, callErr = m.CallTool(ctx, toolName, arguments, agentID)
		return callErr
	})
	return out, err
}

// History returns the most recent executions, optionally filtered by agent.
func (m *Manager) History(agentID string, limit int) []Execution {
	m.histMu.Lock()
	defer m.histMu.Unlock()

	var out []Execution
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		if agentID != "" && m.history[i].AgentID != agentID {
			continue
		}
		out = append(out, m.history[i])
	}
	// Oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Shutdown closes all sessions in reverse registration order. Safe to call
// more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	for i := len(m.sessions) - 1; i >= 0; i-- {
		s := m.sessions[i]
		if err := s.session.Close(); err != nil {
			xlog.Warn("error closing tool server session", "server_name", s.name, "error", err)
		}
		m.registry.removeServer(s.name)
	}
	m.sessions = nil
}

func (m *Manager) sessionFor(serverName string) *serverSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.name == serverName {
			return s
		}
	}
	return nil
}

func (m *Manager) record(toolName, serverName, agentID string, start time.Time, durationMS int64, outcome string) {
	m.histMu.Lock()
	defer m.histMu.Unlock()

	m.history = append(m.history, Execution{
		ToolName:   toolName,
		ServerName: serverName,
		AgentID:    agentID,
		StartedAt:  start,
		DurationMS: durationMS,
		Outcome:    outcome,
	})
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
}

func decodeSchema(schema any) any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return map[string]any{"type": "object"}
	}
	return decoded
}

func flattenContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
