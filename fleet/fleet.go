// Package fleet holds the transport-neutral vocabulary shared by the relay
// and the vehicle agent: link state, link errors and the vehicle roster.
package fleet

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by a blocking receive that saw no data in time.
	// The link stays up.
	ErrTimeout = errors.New("receive timeout")

	// ErrDisconnected is returned when the peer closed the link or an I/O
	// fault took it down. The caller must reconnect before further use.
	ErrDisconnected = errors.New("transport disconnected")

	// ErrNotConnected is returned by sends attempted while disconnected.
	ErrNotConnected = errors.New("not connected")
)

// LinkState is the connection state a transport reports about itself.
type LinkState struct {
	Connected bool      `json:"connected"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Link is implemented by both the server socket and the pub/sub client.
type Link interface {
	IsConnected() bool
	State() LinkState
	Close()
}

// Sleep waits for d or until ctx is done. It reports false if ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
