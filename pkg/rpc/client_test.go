package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeServerScript writes a shell script standing in for a tool server.
// $1 is a marker path the script can use to behave differently on its
// first run versus after a restart.
func writeServerScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// echoServerBody replies to every request with a matching-id result.
const echoServerBody = `while read line; do
  id=$(printf '%s' "$line" | sed 's/.*"id":\([0-9]*\).*/\1/')
  printf '{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}\n' "$id"
done
`

// waitForCall polls the client until a call on the current connection
// succeeds, tolerating the window where the supervisor is mid-reconnect.
func waitForCall(t *testing.T, c *Client, wait time.Duration) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		conn, err := c.Conn()
		if err != nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		result, err := conn.Call(ctx, "tools/list", nil)
		cancel()
		if err == nil {
			return result
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no successful call before deadline")
	return nil
}

func TestCrashMidCallResolvesPendingAndReconnects(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran-once")
	script := writeServerScript(t, `marker="$1"
if [ ! -e "$marker" ]; then
  : > "$marker"
  read line
  exit 1
fi
`+echoServerBody)

	c := NewClient(ClientConfig{
		Command:        "/bin/sh",
		Args:           []string{script, marker},
		ReconnectEvery: 10 * time.Millisecond,
	}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	conn, err := c.Conn()
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}

	// The first server exits as soon as the request lands: the pending
	// call must resolve as a transport failure, not hang or time out.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Call(ctx, "tools/list", nil); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Call on crashing server = %v, want ErrConnectionClosed", err)
	}

	result := waitForCall(t, c, 5*time.Second)
	if string(result) != `{"ok":true}` {
		t.Errorf("result after reconnect = %s", result)
	}
}

func TestStalledServerIsKilledAndReplaced(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran-once")
	script := writeServerScript(t, `marker="$1"
if [ ! -e "$marker" ]; then
  : > "$marker"
  printf '{'
  exec sleep 600
fi
`+echoServerBody)

	c := NewClient(ClientConfig{
		Command:        "/bin/sh",
		Args:           []string{script, marker},
		StallTimeout:   200 * time.Millisecond,
		ReconnectEvery: 10 * time.Millisecond,
	}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := c.Conn()
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}

	// The first server opens a frame, never finishes it, and never
	// exits on its own. The stall must fail the pending call and the
	// supervisor must kill the wedged process and bring up a fresh one.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Call(ctx, "tools/list", nil); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Call on stalled server = %v, want ErrConnectionClosed", err)
	}

	result := waitForCall(t, c, 5*time.Second)
	if string(result) != `{"ok":true}` {
		t.Errorf("result after replacement = %s", result)
	}

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestStopWithoutTraffic(t *testing.T) {
	script := writeServerScript(t, echoServerBody)

	c := NewClient(ClientConfig{
		Command: "/bin/sh",
		Args:    []string{script},
	}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	if _, err := c.Conn(); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Conn after Stop = %v, want ErrConnectionClosed", err)
	}
}
