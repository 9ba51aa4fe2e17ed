// Package host coordinates sessions: it drives model turns, serializes
// tool calls per session, and owns the session lifecycle.
package host

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixlab/biohost/pkg/caps"
	"github.com/helixlab/biohost/pkg/filestore"
	"github.com/helixlab/biohost/pkg/logger"
	"github.com/helixlab/biohost/pkg/providers"
	"github.com/helixlab/biohost/pkg/rpc"
)

// ToolBackend is the capability surface the coordinator drives.
// *caps.Registry satisfies it.
type ToolBackend interface {
	Tools() []caps.ToolDescriptor
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// ConnChecker reports whether the shared child-process connection is
// live. *rpc.Client satisfies it.
type ConnChecker interface {
	Conn() (*rpc.Conn, error)
}

// NotFoundError reports an unknown session ID.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("host: unknown session %q", e.ID)
}

type Config struct {
	// MaxToolIterations bounds model/tool round trips within one user
	// turn.
	MaxToolIterations int
	ToolTimeout       time.Duration

	// Idle sessions older than SessionIdleAge are reaped.
	SessionIdleAge time.Duration
	ReapInterval   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxToolIterations <= 0 {
		out.MaxToolIterations = 10
	}
	if out.ToolTimeout <= 0 {
		out.ToolTimeout = 2 * time.Minute
	}
	if out.SessionIdleAge <= 0 {
		out.SessionIdleAge = 30 * time.Minute
	}
	if out.ReapInterval <= 0 {
		out.ReapInterval = 5 * time.Minute
	}
	return out
}

type Deps struct {
	Tools  ToolBackend
	Models *providers.Manager
	Files  *filestore.Store
	Conn   ConnChecker // optional; Status reports disconnected when nil
}

// ChunkKind tags what a streamed chunk carries.
type ChunkKind string

const (
	ChunkText       ChunkKind = "text"
	ChunkToolCall   ChunkKind = "tool_call"
	ChunkToolResult ChunkKind = "tool_result"
	ChunkError      ChunkKind = "error"
)

// Chunk is one element of a streamed chat turn.
type Chunk struct {
	Kind ChunkKind
	Text string
	Tool string
}

// Coordinator owns the sessions and runs their turns against the shared
// tool backend and model clients.
type Coordinator struct {
	cfg    Config
	tools  ToolBackend
	models *providers.Manager
	files  *filestore.Store
	conn   ConnChecker

	mu       sync.RWMutex
	sessions map[string]*Session

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(deps Deps, cfg Config) *Coordinator {
	c := &Coordinator{
		cfg:      cfg.withDefaults(),
		tools:    deps.Tools,
		models:   deps.Models,
		files:    deps.Files,
		conn:     deps.Conn,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.reapLoop()
	return c
}

// Stop halts the reaper and closes every session.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		sessions = append(sessions, sess)
	}
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	for _, sess := range sessions {
		sess.interrupt()
		_ = sess.transition(StateClosed)
	}
}

// EnsureSession returns the session for id, creating it when missing.
// An empty id gets a generated one.
func (c *Coordinator) EnsureSession(id, client string) *Session {
	if id == "" {
		id = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[id]; ok {
		return sess
	}
	sess := newSession(id, client)
	c.sessions[id] = sess
	logger.InfoCF("host", "Session created", map[string]any{"session": id})
	return sess
}

// Session looks up an existing session.
func (c *Coordinator) Session(id string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.sessions[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return sess, nil
}

// CloseSession cancels the session's in-flight work, releases it and
// moves it to Closed.
func (c *Coordinator) CloseSession(id string) error {
	c.mu.Lock()
	sess, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if !ok {
		return &NotFoundError{ID: id}
	}

	sess.interrupt()
	_ = sess.transition(StateClosed)
	logger.InfoCF("host", "Session closed", map[string]any{"session": id})
	return nil
}

// Chat starts one user turn. It returns the session and a channel that
// streams the turn's chunks; the channel closes when the turn ends. Only
// one turn runs per session at a time.
func (c *Coordinator) Chat(ctx context.Context, sessionID, text string) (*Session, <-chan Chunk, error) {
	sess := c.EnsureSession(sessionID, "")

	if err := sess.transition(StateModelTurn); err != nil {
		return nil, nil, fmt.Errorf("host: session %s is not idle (%s)", sess.ID, sess.State())
	}

	if sess.messageCount() == 0 {
		sess.append(providers.Message{Role: "system", Content: c.defaultSystemPrompt()})
	}
	sess.append(providers.Message{Role: "user", Content: text})

	turnCtx, cancel := context.WithCancel(ctx)
	sess.setCancel(cancel)

	ch := make(chan Chunk, 16)
	go c.runTurn(turnCtx, sess, ch)
	return sess, ch, nil
}

// runTurn drives the model/tool loop for one user turn. Tool calls are
// executed strictly in request order, each result injected into the
// history before the next call, and the model re-enters its turn after
// every tool batch.
func (c *Coordinator) runTurn(ctx context.Context, sess *Session, ch chan<- Chunk) {
	defer close(ch)

	emit := func(chunk Chunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	toolDefs := c.providerTools()

	for iteration := 1; iteration <= c.cfg.MaxToolIterations; iteration++ {
		resp, err := c.models.ChatStream(ctx, sess.clientName(), sess.history(), toolDefs,
			func(delta string) { emit(Chunk{Kind: ChunkText, Text: delta}) })
		if err != nil {
			if ctx.Err() != nil {
				c.recoverToIdle(sess)
				return
			}
			errMsg := fmt.Sprintf("Error: %v", err)
			sess.append(providers.Message{Role: "assistant", Content: errMsg})
			emit(Chunk{Kind: ChunkError, Text: errMsg})
			logger.ErrorCF("host", "Model turn failed", map[string]any{
				"session": sess.ID,
				"error":   err.Error(),
			})
			c.recoverToIdle(sess)
			return
		}

		sess.append(providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			_ = sess.transition(StateIdle)
			return
		}

		logger.InfoCF("host", "Model requested tool calls", map[string]any{
			"session":   sess.ID,
			"count":     len(resp.ToolCalls),
			"iteration": iteration,
		})

		for _, tc := range resp.ToolCalls {
			if ctx.Err() != nil {
				c.recoverToIdle(sess)
				return
			}
			if err := sess.transition(StateToolRequested); err != nil {
				return // closed underneath us
			}
			emit(Chunk{Kind: ChunkToolCall, Tool: tc.Name})
			if err := sess.transition(StateToolExecuting); err != nil {
				return
			}

			toolCtx, cancel := context.WithTimeout(ctx, c.cfg.ToolTimeout)
			output, callErr := c.tools.CallTool(toolCtx, tc.Name, tc.Arguments)
			cancel()

			if callErr != nil {
				if ctx.Err() != nil {
					c.recoverToIdle(sess)
					return
				}
				// Timeouts and tool-level failures become failed tool
				// results; the model reacts instead of the session dying.
				output = fmt.Sprintf("Tool %s failed: %v", tc.Name, callErr)
				logger.WarnCF("host", "Tool call failed", map[string]any{
					"session": sess.ID,
					"tool":    tc.Name,
					"error":   callErr.Error(),
				})
			}

			sess.append(providers.Message{
				Role:       "tool",
				Content:    output,
				ToolCallID: tc.ID,
			})
			emit(Chunk{Kind: ChunkToolResult, Tool: tc.Name, Text: output})

			if err := sess.transition(StateModelTurn); err != nil {
				return
			}
		}
	}

	limitMsg := fmt.Sprintf("Tool iteration limit (%d) reached", c.cfg.MaxToolIterations)
	sess.append(providers.Message{Role: "assistant", Content: limitMsg})
	emit(Chunk{Kind: ChunkError, Text: limitMsg})
	_ = sess.transition(StateIdle)
}

// recoverToIdle returns an interrupted session to a usable state. From
// mid-tool states the only legal path back runs through Error.
func (c *Coordinator) recoverToIdle(sess *Session) {
	if sess.State() == StateClosed {
		return
	}
	if err := sess.transition(StateIdle); err == nil {
		return
	}
	if err := sess.transition(StateError); err != nil {
		return
	}
	_ = sess.transition(StateIdle)
}

func (c *Coordinator) providerTools() []providers.ToolDefinition {
	descriptors := c.tools.Tools()
	out := make([]providers.ToolDefinition, 0, len(descriptors))
	for _, d := range descriptors {
		params := d.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, providers.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		})
	}
	return out
}

func (c *Coordinator) defaultSystemPrompt() string {
	var lines []string
	for _, tool := range c.tools.Tools() {
		lines = append(lines, fmt.Sprintf("- %s: %s", tool.Name, tool.Description))
	}

	return fmt.Sprintf(`You are a helpful AI assistant specialized in biological research. You have access to analysis tools running on a connected tool server.

Available tools:
%s

You can help with:
- Protein structure analysis and visualization
- pKa calculations
- DNA/RNA sequence analysis
- File management for biological data
- Structural biology research

When users ask about biological analysis, use the appropriate tools to help them. Always explain what you're doing and provide clear interpretations of results.`,
		strings.Join(lines, "\n"))
}

// Upload stores the file and, when sessionID is non-empty, attaches it
// to that session's active file set. The session is resolved before the
// file is stored so an unknown session leaves the registry untouched.
func (c *Coordinator) Upload(path, sessionID string) (*filestore.Record, error) {
	var sess *Session
	if sessionID != "" {
		var err error
		sess, err = c.Session(sessionID)
		if err != nil {
			return nil, err
		}
	}
	record, err := c.files.Upload(path)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		sess.attachFile(record.ID)
	}
	return record, nil
}

// ListFiles passes through to the file store.
func (c *Coordinator) ListFiles(category filestore.Category) []*filestore.Record {
	return c.files.List(category)
}

// ReadFile passes through to the file store's windowed read.
func (c *Coordinator) ReadFile(id string, w filestore.Window) (string, error) {
	return c.files.Read(id, w)
}

// Tools exposes the cached capability snapshot.
func (c *Coordinator) Tools() []caps.ToolDescriptor {
	return c.tools.Tools()
}

// Clients lists the registered model clients.
func (c *Coordinator) Clients() []providers.ClientInfo {
	return c.models.ListClients()
}

// SwitchModel changes one model client's active model.
func (c *Coordinator) SwitchModel(client, model string) error {
	return c.models.SwitchModel(client, model)
}

// SessionInfo is the status-surface view of one session.
type SessionInfo struct {
	ID       string    `json:"id"`
	State    State     `json:"state"`
	Client   string    `json:"client,omitempty"`
	Messages int       `json:"messages"`
	Files    []string  `json:"files,omitempty"`
	Updated  time.Time `json:"updated"`
}

// Status is the host-level snapshot.
type Status struct {
	Connected      bool                   `json:"connected"`
	Tools          int                    `json:"tools"`
	Clients        []providers.ClientInfo `json:"clients"`
	ActiveSessions int                    `json:"active_sessions"`
	Sessions       []SessionInfo          `json:"sessions,omitempty"`
}

func (c *Coordinator) Status() Status {
	c.mu.RLock()
	sessions := make([]SessionInfo, 0, len(c.sessions))
	for _, sess := range c.sessions {
		sessions = append(sessions, SessionInfo{
			ID:       sess.ID,
			State:    sess.State(),
			Client:   sess.clientName(),
			Messages: sess.messageCount(),
			Files:    sess.Files(),
			Updated:  sess.lastUpdated(),
		})
	}
	c.mu.RUnlock()

	return Status{
		Connected:      c.connected(),
		Tools:          len(c.tools.Tools()),
		Clients:        c.models.ListClients(),
		ActiveSessions: len(sessions),
		Sessions:       sessions,
	}
}

func (c *Coordinator) connected() bool {
	if c.conn == nil {
		return false
	}
	_, err := c.conn.Conn()
	return err == nil
}

// HealthReport aggregates connection and model-client probes.
type HealthReport struct {
	Host            string            `json:"host_status"`
	ServerConnected bool              `json:"server_connected"`
	Clients         map[string]string `json:"model_clients"`
	Timestamp       time.Time         `json:"timestamp"`
}

func (c *Coordinator) HealthCheck(ctx context.Context) HealthReport {
	connected := c.connected()

	clients := make(map[string]string)
	for name, err := range c.models.TestConnections(ctx) {
		if err != nil {
			clients[name] = err.Error()
		} else {
			clients[name] = "ok"
		}
	}

	status := "healthy"
	if !connected {
		status = "disconnected"
	}
	return HealthReport{
		Host:            status,
		ServerConnected: connected,
		Clients:         clients,
		Timestamp:       time.Now().UTC(),
	}
}

func (c *Coordinator) reapLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.reapIdle()
		}
	}
}

func (c *Coordinator) reapIdle() {
	cutoff := time.Now().Add(-c.cfg.SessionIdleAge)

	c.mu.RLock()
	var stale []string
	for id, sess := range c.sessions {
		if sess.State() == StateIdle && sess.lastUpdated().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range stale {
		if err := c.CloseSession(id); err == nil {
			logger.InfoCF("host", "Idle session reaped", map[string]any{"session": id})
		}
	}
}
