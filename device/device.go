// Package device abstracts the two frame interfaces a node owns: the L2
// wireless substrate (Device) and the client-side tunnel (Tap). Real
// backends bind raw sockets and TUN/TAP file descriptors; the in-memory
// implementation in this package backs tests and the channel simulator.
package device

import (
	"context"
	"errors"

	"github.com/GomesGoncalo/vigilant-parakeet/state"
)

var (
	// ErrSendFailed surfaces a broken link to the caller so it can take a
	// failover decision. Sends fail fast, they never block on a dead peer.
	ErrSendFailed = errors.New("send failed")
	// ErrClosed is returned from Recv after the endpoint shuts down.
	ErrClosed = errors.New("device closed")
)

// Device is the L2 substrate endpoint.
type Device interface {
	Mac() state.MacAddress
	Send(frame []byte) error
	// SendVectored issues one write for a batch of frames, preserving
	// frame boundaries.
	SendVectored(frames [][]byte) (int, error)
	// Recv copies the next frame into buf and returns its length. It
	// suspends until a frame arrives, the context is done, or the
	// endpoint closes.
	Recv(ctx context.Context, buf []byte) (int, error)
}

// Tap is the client-side tunnel endpoint carrying raw ethernet frames.
type Tap interface {
	SendAll(frame []byte) error
	SendVectored(frames [][]byte) (int, error)
	Recv(ctx context.Context, buf []byte) (int, error)
}
