// Package sim hosts the in-process channel simulator: directed links with
// configurable latency, jitter, and loss, and the wiring that assembles
// OBU and RSU nodes into a topology over them.
package sim

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GomesGoncalo/vigilant-parakeet/state"
)

var (
	// ErrWrongMac rejects frames offered by a node other than the
	// channel's configured source.
	ErrWrongMac = errors.New("wrong source mac for channel")
	// ErrDroppedByLoss reports a probabilistic drop decided at send time.
	ErrDroppedByLoss = errors.New("frame dropped by simulated loss")
	// ErrChannelClosed reports a send to a link that was torn down.
	ErrChannelClosed = errors.New("channel closed")
)

// packet is one in-flight frame with its delivery deadline. The deadline
// is fixed at send time; parameter updates never reschedule in-flight
// frames.
type packet struct {
	buf      []byte
	deadline time.Time
}

// Channel models one directed link. Sends decide loss and delay
// immediately and enqueue on an unbounded MPSC queue: a small intake
// channel that the delivery worker eagerly drains into a growable
// deadline heap, so a send is never rejected for backlog. The worker
// delivers each frame to the receiver at its deadline. The only lock
// guards the parameters; the send path otherwise runs on channel
// primitives alone.
type Channel struct {
	from, to string
	source   state.MacAddress
	deliver  func(frame []byte) error

	mu     sync.RWMutex
	params state.ChannelParameters

	tx     chan packet
	notify chan struct{}

	dropped atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

// NewChannel creates the link and starts its delivery worker. deliver is
// invoked in deadline order with each arriving frame.
func NewChannel(params state.ChannelParameters, source state.MacAddress, deliver func([]byte) error, from, to string, log *slog.Logger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		from:    from,
		to:      to,
		source:  source,
		deliver: deliver,
		params:  params,
		tx:      make(chan packet, state.ChannelQueueDepth),
		notify:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}
	log.Info("created channel", "from", from, "to", to,
		"latency", params.Latency.Std(), "loss", params.Loss, "jitter", params.Jitter.Std())
	go c.run()
	return c
}

func (c *Channel) From() string { return c.from }
func (c *Channel) To() string   { return c.to }

func (c *Channel) Params() state.ChannelParameters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params
}

// SetParams atomically replaces the link parameters. Frames already in
// flight keep the delay they were scheduled with; every send initiated
// after this returns observes the new parameters.
func (c *Channel) SetParams(params state.ChannelParameters) error {
	if err := state.ChannelConfigValidator(&params); err != nil {
		return err
	}
	c.mu.Lock()
	c.params = params
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dropped counts frames lost to the configured loss probability.
func (c *Channel) Dropped() uint64 { return c.dropped.Load() }

// Send offers a frame to the link on behalf of sender. The loss decision
// and the delay sample happen here, so delivery timing is immune to later
// parameter changes.
func (c *Channel) Send(frame []byte, sender state.MacAddress) error {
	if sender != c.source {
		return ErrWrongMac
	}

	c.mu.RLock()
	params := c.params
	c.mu.RUnlock()

	if params.Loss > 0 && rand.Float64() < params.Loss {
		c.dropped.Add(1)
		return ErrDroppedByLoss
	}

	delay := params.Latency.Std()
	if j := params.Jitter.Std(); j > 0 {
		delay += time.Duration((rand.Float64()*2 - 1) * float64(j))
		if delay < 0 {
			delay = 0
		}
	}

	select {
	case c.tx <- packet{buf: slices.Clone(frame), deadline: time.Now().Add(delay)}:
		return nil
	case <-c.ctx.Done():
		return ErrChannelClosed
	}
}

// run delivers queued frames in deadline order: with jitter, a frame that
// sampled a smaller delay overtakes an earlier send. The intake channel
// is drained eagerly into the heap so senders never wait on backlog. A
// parameter update only wakes the sleep; in-flight frames keep their
// scheduled deadlines.
func (c *Channel) run() {
	var pending packetHeap
	for {
		if pending.Len() == 0 {
			select {
			case <-c.ctx.Done():
				return
			case pkt := <-c.tx:
				heap.Push(&pending, pkt)
				c.drainInto(&pending)
			}
			continue
		}
		wait := time.Until(pending[0].deadline)
		if wait <= 0 {
			pkt := heap.Pop(&pending).(packet)
			_ = c.deliver(pkt.buf)
			c.drainInto(&pending)
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case pkt := <-c.tx:
			timer.Stop()
			heap.Push(&pending, pkt)
			c.drainInto(&pending)
		case <-c.notify:
			timer.Stop()
		case <-timer.C:
			pkt := heap.Pop(&pending).(packet)
			_ = c.deliver(pkt.buf)
		}
	}
}

// drainInto moves every immediately available intake frame onto the heap.
func (c *Channel) drainInto(pending *packetHeap) {
	for {
		select {
		case pkt := <-c.tx:
			heap.Push(pending, pkt)
		default:
			return
		}
	}
}

// packetHeap orders in-flight frames by delivery deadline.
type packetHeap []packet

func (h packetHeap) Len() int           { return len(h) }
func (h packetHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h packetHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x any)        { *h = append(*h, x.(packet)) }
func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	pkt := old[n-1]
	*h = old[:n-1]
	return pkt
}

func (c *Channel) Close() {
	c.cancel()
}
