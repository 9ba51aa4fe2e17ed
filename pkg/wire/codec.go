package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrConnectionClosed reports that the underlying stream reached EOF or was
// torn down. Every outstanding Decode caller observes it.
var ErrConnectionClosed = errors.New("wire: connection closed")

// ErrStallTimeout reports a partial frame that stopped making progress.
var ErrStallTimeout = errors.New("wire: stalled mid-frame")

// ProtocolError reports a frame that arrived but could not be understood.
// It is not fatal to the connection.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "wire: protocol error: " + e.Reason
}

const (
	// Frames are single JSON lines; tool results can embed rendered images
	// as base64, so the limit is generous.
	maxFrameSize = 32 * 1024 * 1024

	defaultStallTimeout = 30 * time.Second
)

// Codec frames Messages over a duplex byte stream. Writes are serialized;
// reads are driven by a single internal goroutine so a frame split across
// multiple underlying reads is reassembled transparently.
type Codec struct {
	w   io.Writer
	wmu sync.Mutex

	track    *trackingReader
	incoming chan decoded
	stall    time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

type decoded struct {
	msg Message
	err error
}

// trackingReader records progress so the codec can distinguish an idle
// stream (fine) from a frame that started arriving and then stalled.
type trackingReader struct {
	r io.Reader

	mu        sync.Mutex
	lastByte  time.Time
	inFrame   bool
	frameOpen time.Time
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.mu.Lock()
		t.lastByte = time.Now()
		for _, b := range p[:n] {
			if b == '\n' {
				t.inFrame = false
			} else if !t.inFrame {
				t.inFrame = true
				t.frameOpen = t.lastByte
			}
		}
		t.mu.Unlock()
	}
	return n, err
}

func (t *trackingReader) stalledSince(limit time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFrame && time.Since(t.lastByte) > limit
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithStallTimeout bounds how long Decode waits on a frame that started
// arriving but stopped making progress. Zero disables the check.
func WithStallTimeout(d time.Duration) CodecOption {
	return func(c *Codec) {
		c.stall = d
	}
}

// NewCodec wraps a read/write stream pair and starts the frame reader.
func NewCodec(r io.Reader, w io.Writer, opts ...CodecOption) *Codec {
	c := &Codec{
		w:        w,
		track:    &trackingReader{r: r},
		incoming: make(chan decoded, 16),
		stall:    defaultStallTimeout,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Encode writes one message as a single framed line.
func (c *Codec) Encode(msg Message) error {
	if msg.Kind() == KindInvalid {
		return &ProtocolError{Reason: "refusing to encode invalid message"}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// Decode returns the next inbound message. It fails with
// ErrConnectionClosed once the stream ends (and keeps failing that way for
// every subsequent caller), and with ErrStallTimeout if a partial frame
// stops making progress for longer than the configured stall timeout.
// A malformed frame yields a *ProtocolError; decoding may continue after it.
func (c *Codec) Decode() (Message, error) {
	select {
	case <-c.done:
		return Message{}, ErrConnectionClosed
	default:
	}

	var ticker *time.Ticker
	var tick <-chan time.Time
	if c.stall > 0 {
		ticker = time.NewTicker(c.stall / 4)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case d, ok := <-c.incoming:
			if !ok {
				return Message{}, ErrConnectionClosed
			}
			return d.msg, d.err
		case <-c.done:
			return Message{}, ErrConnectionClosed
		case <-tick:
			if c.track.stalledSince(c.stall) {
				return Message{}, ErrStallTimeout
			}
		}
	}
}

// Close releases the frame reader: a readLoop blocked on a consumer that
// stopped decoding unblocks, and every later Decode fails with
// ErrConnectionClosed. The underlying streams are not closed.
func (c *Codec) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Codec) readLoop() {
	scanner := bufio.NewScanner(c.track)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(trimSpace(line)) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			if !c.send(decoded{err: &ProtocolError{Reason: "malformed frame: " + err.Error()}}) {
				return
			}
			continue
		}
		if msg.Kind() == KindInvalid {
			if !c.send(decoded{err: &ProtocolError{Reason: "frame is neither request, response nor notification"}}) {
				return
			}
			continue
		}
		if !c.send(decoded{msg: msg}) {
			return
		}
	}

	close(c.incoming)
}

// send delivers one decoded frame, giving up if the codec is closed while
// the consumer has stopped draining. Reports whether delivery happened.
func (c *Codec) send(d decoded) bool {
	select {
	case c.incoming <- d:
		return true
	case <-c.done:
		return false
	}
}

func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\t' || b[start] == '\r') {
		start++
	}
	return b[start:]
}
