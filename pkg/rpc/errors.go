package rpc

import (
	"errors"
	"fmt"

	"github.com/helixlab/biohost/pkg/wire"
)

var (
	// ErrTimeout reports a call whose deadline expired before a matching
	// response arrived.
	ErrTimeout = errors.New("rpc: call timed out")

	// ErrCancelled reports a call abandoned by its caller. A best-effort
	// cancellation notification is sent to the remote side, but the local
	// call resolves immediately.
	ErrCancelled = errors.New("rpc: call cancelled")

	// ErrConnectionClosed reports a call aborted because the transport
	// went away. Calls pending at disconnect are not retried.
	ErrConnectionClosed = wire.ErrConnectionClosed
)

// RemoteError carries an error object returned by the remote side for a
// specific call. The tool-server ran the method and reported failure.
type RemoteError struct {
	Method  string
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s failed remotely (code %d): %s", e.Method, e.Code, e.Message)
}
