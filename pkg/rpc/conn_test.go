package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/helixlab/biohost/pkg/wire"
)

// testServer is the far side of an in-memory connection: it decodes host
// requests and lets each test script the replies.
type testServer struct {
	codec *wire.Codec
}

func newTestPair(t *testing.T) (*Conn, *testServer) {
	t.Helper()

	hostIn, serverOut := io.Pipe()
	serverIn, hostOut := io.Pipe()

	conn := NewConn(wire.NewCodec(hostIn, hostOut))
	server := &testServer{codec: wire.NewCodec(serverIn, serverOut)}

	t.Cleanup(func() {
		serverOut.Close()
		hostOut.Close()
	})
	return conn, server
}

func (s *testServer) reply(id int64, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.codec.Encode(wire.Message{JSONRPC: wire.Version, ID: &id, Result: raw})
}

// serve answers every inbound request with fn until the stream closes.
func (s *testServer) serve(fn func(msg wire.Message)) {
	go func() {
		for {
			msg, err := s.codec.Decode()
			if err != nil {
				if errors.Is(err, wire.ErrConnectionClosed) {
					return
				}
				continue
			}
			fn(msg)
		}
	}()
}

func TestCallMatchesResponse(t *testing.T) {
	conn, server := newTestPair(t)
	server.serve(func(msg wire.Message) {
		if msg.Kind() == wire.KindRequest {
			server.reply(*msg.ID, map[string]any{"echo": msg.Method})
		}
	})

	result, err := conn.Call(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got["echo"] != "tools/list" {
		t.Errorf("unexpected result %v", got)
	}
}

func TestRequestIDsNeverRepeat(t *testing.T) {
	conn, server := newTestPair(t)

	var mu sync.Mutex
	seen := make(map[int64]int)
	server.serve(func(msg wire.Message) {
		if msg.Kind() == wire.KindRequest {
			mu.Lock()
			seen[*msg.ID]++
			mu.Unlock()
			server.reply(*msg.ID, map[string]any{})
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := conn.Call(context.Background(), "ping", nil); err != nil {
				t.Errorf("Call: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 50 {
		t.Fatalf("expected 50 distinct ids, got %d", len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("id %d issued %d times", id, count)
		}
	}
}

func TestTimeoutFiresOnceAndLateResponseIsDropped(t *testing.T) {
	conn, server := newTestPair(t)

	requests := make(chan wire.Message, 1)
	server.serve(func(msg wire.Message) {
		if msg.Kind() == wire.KindRequest {
			requests <- msg
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.Call(ctx, "tools/call", map[string]any{"name": "calculate_pka"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call = %v, want ErrTimeout", err)
	}

	// Deliver the response late; it must be dropped, not double-resolved.
	timedOut := <-requests
	server.reply(*timedOut.ID, map[string]any{"late": true})

	// The connection is still usable.
	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "tools/list", nil)
		done <- err
	}()
	next := <-requests
	server.reply(*next.ID, map[string]any{})
	if err := <-done; err != nil {
		t.Fatalf("follow-up Call: %v", err)
	}
}

func TestCancellationResolvesLocallyAndNotifiesRemote(t *testing.T) {
	conn, server := newTestPair(t)

	inbound := make(chan wire.Message, 4)
	server.serve(func(msg wire.Message) {
		inbound <- msg
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(ctx, "tools/call", nil)
		done <- err
	}()

	// Wait for the request to reach the server, then cancel without replying.
	req := <-inbound
	if req.Kind() != wire.KindRequest {
		t.Fatalf("expected request, got %v", req.Kind())
	}
	cancel()

	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Fatalf("Call = %v, want ErrCancelled", err)
	}

	select {
	case note := <-inbound:
		if note.Method != cancelledMethod {
			t.Errorf("expected %s notification, got %q", cancelledMethod, note.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("no cancellation notification received")
	}
}

func TestConnectionClosedResolvesPendingCalls(t *testing.T) {
	hostIn, serverOut := io.Pipe()
	serverIn, hostOut := io.Pipe()
	go io.Copy(io.Discard, serverIn) // nothing ever answers
	conn := NewConn(wire.NewCodec(hostIn, hostOut))

	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "tools/call", nil)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	serverOut.Close() // child process died

	if err := <-done; !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Call = %v, want ErrConnectionClosed", err)
	}

	// New calls fail fast rather than hanging.
	if _, err := conn.Call(context.Background(), "tools/list", nil); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Call after close = %v, want ErrConnectionClosed", err)
	}
}

func TestRemoteErrorCarriesMethodAndCode(t *testing.T) {
	conn, server := newTestPair(t)
	server.serve(func(msg wire.Message) {
		if msg.Kind() == wire.KindRequest {
			id := *msg.ID
			server.codec.Encode(wire.Message{
				JSONRPC: wire.Version,
				ID:      &id,
				Error:   &wire.ErrorObject{Code: -32601, Message: "method not found"},
			})
		}
	})

	_, err := conn.Call(context.Background(), "resource/read", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Call = %v, want RemoteError", err)
	}
	if remote.Method != "resource/read" || remote.Code != -32601 {
		t.Errorf("unexpected RemoteError: %+v", remote)
	}
}

func TestConcurrentCallsRouteIndependently(t *testing.T) {
	conn, server := newTestPair(t)
	server.serve(func(msg wire.Message) {
		if msg.Kind() != wire.KindRequest {
			return
		}
		var params map[string]string
		json.Unmarshal(msg.Params, &params)
		server.reply(*msg.ID, map[string]string{"tool": params["name"]})
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("tool-%d", i)
			result, err := conn.Call(context.Background(), "tools/call", map[string]string{"name": name})
			if err != nil {
				t.Errorf("Call: %v", err)
				return
			}
			var got map[string]string
			json.Unmarshal(result, &got)
			if got["tool"] != name {
				t.Errorf("result routed to wrong caller: got %q want %q", got["tool"], name)
			}
		}(i)
	}
	wg.Wait()
}

func TestOnNotification(t *testing.T) {
	conn, server := newTestPair(t)

	received := make(chan json.RawMessage, 1)
	conn.OnNotification("notifications/progress", func(params json.RawMessage) {
		received <- params
	})

	note, _ := wire.NewNotification("notifications/progress", map[string]any{"done": 2, "total": 5})
	if err := server.codec.Encode(note); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	select {
	case params := <-received:
		var got map[string]int
		json.Unmarshal(params, &got)
		if got["done"] != 2 || got["total"] != 5 {
			t.Errorf("unexpected params: %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("notification handler never ran")
	}
}
