// Package rpc correlates requests with responses over a single wire codec.
// One reader goroutine per connection funnels every inbound frame to either
// a pending call slot or a notification handler; calls are exposed as plain
// blocking functions, never callbacks.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/helixlab/biohost/pkg/logger"
	"github.com/helixlab/biohost/pkg/wire"
)

const cancelledMethod = "notifications/cancelled"

// NotificationHandler receives push events from the remote side.
type NotificationHandler func(params json.RawMessage)

type callOutcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	slot   chan callOutcome
	method string
}

// Conn is one live connection to a tool-server process. IDs are monotonic
// per connection and never repeat within its lifetime.
type Conn struct {
	codec *wire.Codec

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]pendingCall
	closed  bool

	handlerMu sync.RWMutex
	handlers  map[string]NotificationHandler

	done chan struct{}
}

// NewConn starts the dispatching reader loop over the given codec.
func NewConn(codec *wire.Codec) *Conn {
	c := &Conn{
		codec:    codec,
		pending:  make(map[int64]pendingCall),
		handlers: make(map[string]NotificationHandler),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed when the reader loop exits (stream EOF or fatal stall).
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Call issues a request and blocks until a matching response arrives, the
// context is cancelled, or the connection closes. Timeouts are the
// caller's context deadline: a stalled connection still expires pending
// calls because the deadline timer is independent of inbound traffic.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req, err := wire.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	// Register before sending so a fast response cannot race past us.
	slot := make(chan callOutcome, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[id] = pendingCall{slot: slot, method: method}
	c.mu.Unlock()

	if err := c.codec.Encode(req); err != nil {
		c.abandon(id)
		return nil, err
	}

	select {
	case out := <-slot:
		return out.result, out.err
	case <-ctx.Done():
		if c.abandon(id) {
			// Best effort; the remote may have already replied.
			if note, nerr := wire.NewNotification(cancelledMethod, map[string]any{
				"requestId": id,
				"reason":    ctx.Err().Error(),
			}); nerr == nil {
				_ = c.codec.Encode(note)
			}
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ErrCancelled
	}
}

// Notify sends a fire-and-forget notification.
func (c *Conn) Notify(method string, params any) error {
	note, err := wire.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.codec.Encode(note)
}

// OnNotification registers a handler for a push method. A nil handler
// removes the registration.
func (c *Conn) OnNotification(method string, handler NotificationHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if handler == nil {
		delete(c.handlers, method)
		return
	}
	c.handlers[method] = handler
}

// abandon removes a pending call without resolving it. Reports whether the
// call was still pending.
func (c *Conn) abandon(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *Conn) readLoop() {
	for {
		msg, err := c.codec.Decode()
		if err != nil {
			var perr *wire.ProtocolError
			if errors.As(err, &perr) {
				logger.WarnCF("rpc", "Dropping malformed frame", map[string]any{"reason": perr.Reason})
				continue
			}
			// EOF or stall: the connection is gone. Closing the codec
			// releases its frame reader, which nothing will drain anymore.
			c.codec.Close()
			c.failAll(ErrConnectionClosed)
			close(c.done)
			return
		}

		switch msg.Kind() {
		case wire.KindResponse:
			c.dispatchResponse(msg)
		case wire.KindNotification:
			c.dispatchNotification(msg)
		default:
			// The remote side never issues requests to the host.
			logger.WarnCF("rpc", "Dropping unexpected inbound request", map[string]any{"method": msg.Method})
		}
	}
}

func (c *Conn) dispatchResponse(msg wire.Message) {
	id := *msg.ID

	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		// Late response for a timed-out or cancelled call, or an ID we
		// never issued. Anomalous but not fatal.
		logger.WarnCF("rpc", "Response with unknown id dropped", map[string]any{"id": id})
		return
	}

	if msg.Error != nil {
		call.slot <- callOutcome{err: &RemoteError{Method: call.method, Code: msg.Error.Code, Message: msg.Error.Message}}
		return
	}
	call.slot <- callOutcome{result: msg.Result}
}

func (c *Conn) dispatchNotification(msg wire.Message) {
	c.handlerMu.RLock()
	handler, ok := c.handlers[msg.Method]
	c.handlerMu.RUnlock()
	if !ok {
		logger.DebugCF("rpc", "Unhandled notification", map[string]any{"method": msg.Method})
		return
	}
	handler(msg.Params)
}

// failAll resolves every pending call with err. Exactly one resolution
// path fires per call because dispatch and failAll both delete the slot
// under the same lock.
func (c *Conn) failAll(err error) {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[int64]pendingCall)
	c.closed = true
	c.mu.Unlock()

	for _, call := range calls {
		call.slot <- callOutcome{err: err}
	}
}
