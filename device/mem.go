package device

import (
	"context"
	"slices"
	"sync"

	"github.com/GomesGoncalo/vigilant-parakeet/state"
)

// Port is an in-memory frame endpoint. Frames written with Send are
// handed to the transmit hook; frames delivered with Deliver appear on
// Recv. It satisfies both Device and Tap.
type Port struct {
	mac state.MacAddress

	mu     sync.Mutex
	tx     func(frame []byte) error
	closed bool

	rx   chan []byte
	done chan struct{}
	once sync.Once
}

// NewPort creates an endpoint with the given address and receive depth.
func NewPort(mac state.MacAddress, depth int) *Port {
	return &Port{
		mac:  mac,
		rx:   make(chan []byte, depth),
		done: make(chan struct{}),
	}
}

// NewPair returns two endpoints directly wired to each other, a's sends
// appearing on b's Recv and vice versa.
func NewPair(a, b state.MacAddress, depth int) (*Port, *Port) {
	pa := NewPort(a, depth)
	pb := NewPort(b, depth)
	pa.SetTransmit(pb.Deliver)
	pb.SetTransmit(pa.Deliver)
	return pa, pb
}

func (p *Port) Mac() state.MacAddress { return p.mac }

// SetTransmit installs the hook invoked for every outgoing frame. The
// simulator points it at its per-link channels.
func (p *Port) SetTransmit(tx func(frame []byte) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tx = tx
}

func (p *Port) Send(frame []byte) error {
	p.mu.Lock()
	tx := p.tx
	closed := p.closed
	p.mu.Unlock()
	if closed || tx == nil {
		return ErrSendFailed
	}
	return tx(frame)
}

func (p *Port) SendAll(frame []byte) error { return p.Send(frame) }

func (p *Port) SendVectored(frames [][]byte) (int, error) {
	total := 0
	for _, f := range frames {
		if err := p.Send(f); err != nil {
			return total, err
		}
		total += len(f)
	}
	return total, nil
}

// Deliver places a frame on the receive side. The frame is copied, so the
// caller may reuse its buffer. Delivery to a closed or saturated endpoint
// drops the frame, as a real interface would.
func (p *Port) Deliver(frame []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.rx <- slices.Clone(frame):
		return nil
	default:
		return ErrSendFailed
	}
}

func (p *Port) Recv(ctx context.Context, buf []byte) (int, error) {
	select {
	case frame, ok := <-p.rx:
		if !ok {
			return 0, ErrClosed
		}
		return copy(buf, frame), nil
	case <-p.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *Port) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
	})
}
