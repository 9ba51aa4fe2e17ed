package rpc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/helixlab/biohost/pkg/logger"
	"github.com/helixlab/biohost/pkg/wire"
)

// ClientConfig describes how to spawn and supervise the tool-server
// child process.
type ClientConfig struct {
	Command      string
	Args         []string
	Env          map[string]string
	StallTimeout time.Duration

	// Crash-window rate limit: more than MaxCrashes exits within
	// CrashWindow stops the supervisor instead of thrashing.
	MaxCrashes  int
	CrashWindow time.Duration

	// Minimum spacing between reconnect attempts.
	ReconnectEvery time.Duration
}

func (c *ClientConfig) withDefaults() ClientConfig {
	out := *c
	if out.MaxCrashes <= 0 {
		out.MaxCrashes = 3
	}
	if out.CrashWindow <= 0 {
		out.CrashWindow = time.Minute
	}
	if out.ReconnectEvery <= 0 {
		out.ReconnectEvery = 2 * time.Second
	}
	return out
}

// OnConnectFunc runs after every successful (re)connect, before the
// connection is handed to callers. The capability registry uses it to
// redo the handshake.
type OnConnectFunc func(ctx context.Context, conn *Conn) error

// Client owns the shared child-process connection: spawn, supervise,
// reconnect. It is a process-lifetime resource; session-level failures
// never tear it down.
type Client struct {
	cfg       ClientConfig
	onConnect OnConnectFunc
	limiter   *rate.Limiter

	mu      sync.Mutex
	conn    *Conn
	cmd     *exec.Cmd
	crashes []time.Time
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// ErrTooManyCrashes reports that the child process exited too often
// within the crash window and supervision gave up.
var ErrTooManyCrashes = errors.New("rpc: tool server crashed too frequently")

func NewClient(cfg ClientConfig, onConnect OnConnectFunc) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:       cfg,
		onConnect: onConnect,
		limiter:   rate.NewLimiter(rate.Every(cfg.ReconnectEvery), 1),
		stopCh:    make(chan struct{}),
	}
}

// Start spawns the child process, performs the connect hook, and begins
// supervising the connection.
func (c *Client) Start(ctx context.Context) error {
	conn, err := c.spawn(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.supervise(conn)
	return nil
}

// Conn returns the live connection, or ErrConnectionClosed while the
// supervisor is between connections.
func (c *Client) Conn() (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrConnectionClosed
	}
	return c.conn, nil
}

// Stop terminates supervision and the child process.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	cmd := c.cmd
	c.conn = nil
	c.cmd = nil
	c.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	c.wg.Wait()
}

func (c *Client) spawn(ctx context.Context) (*Conn, error) {
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	if len(c.cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range c.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("rpc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("rpc: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("rpc: start tool server: %w", err)
	}

	logger.InfoCF("rpc", "Tool server started", map[string]any{
		"command": c.cfg.Command,
		"pid":     cmd.Process.Pid,
	})

	var opts []wire.CodecOption
	if c.cfg.StallTimeout > 0 {
		opts = append(opts, wire.WithStallTimeout(c.cfg.StallTimeout))
	}
	conn := NewConn(wire.NewCodec(stdout, stdin, opts...))

	if c.onConnect != nil {
		if err := c.onConnect(ctx, conn); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, fmt.Errorf("rpc: connect handshake: %w", err)
		}
	}

	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()
	return conn, nil
}

// supervise waits for the connection to die and reconnects with bounded
// retries. Pending calls on the dead connection have already resolved as
// ErrConnectionClosed by the time this runs; they are not replayed.
func (c *Client) supervise(conn *Conn) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case <-conn.Done():
		}

		c.mu.Lock()
		c.conn = nil
		cmd := c.cmd
		c.crashes = append(c.recentCrashes(), time.Now())
		tooMany := len(c.crashes) > c.cfg.MaxCrashes
		c.mu.Unlock()

		if cmd != nil {
			// A stall kills the connection with the child still alive, so
			// Wait alone could block on a wedged process. Kill first, and
			// leave c.cmd visible to Stop until the process is reaped.
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			_ = cmd.Wait()
			c.mu.Lock()
			if c.cmd == cmd {
				c.cmd = nil
			}
			c.mu.Unlock()
		}

		if tooMany {
			logger.ErrorCF("rpc", "Tool server crashed too frequently, giving up", map[string]any{
				"crashes": c.cfg.MaxCrashes,
				"window":  c.cfg.CrashWindow.String(),
			})
			return
		}

		logger.WarnC("rpc", "Tool server connection lost, reconnecting")

		next, err := c.reconnect()
		if err != nil {
			logger.ErrorCF("rpc", "Reconnect failed", map[string]any{"error": err.Error()})
			return
		}
		if next == nil {
			return // stopped
		}

		c.mu.Lock()
		c.conn = next
		c.mu.Unlock()
		conn = next
	}
}

func (c *Client) reconnect() (*Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxCrashes; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil
		}
		select {
		case <-c.stopCh:
			return nil, nil
		default:
		}

		conn, err := c.spawn(ctx)
		if err == nil {
			logger.InfoCF("rpc", "Tool server reconnected", map[string]any{"attempt": attempt})
			return conn, nil
		}
		lastErr = err
		logger.WarnCF("rpc", "Reconnect attempt failed", map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
	}
	return nil, fmt.Errorf("%w: %v", ErrTooManyCrashes, lastErr)
}

func (c *Client) recentCrashes() []time.Time {
	now := time.Now()
	recent := c.crashes[:0]
	for _, t := range c.crashes {
		if now.Sub(t) < c.cfg.CrashWindow {
			recent = append(recent, t)
		}
	}
	return recent
}
