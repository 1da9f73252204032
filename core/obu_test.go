package core

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/GomesGoncalo/vigilant-parakeet/device"
	"github.com/GomesGoncalo/vigilant-parakeet/state"
	"github.com/GomesGoncalo/vigilant-parakeet/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// frameTrap captures frames a node transmits on its device.
type frameTrap struct {
	mu     sync.Mutex
	frames [][]byte
	fail   func(frame []byte) bool
}

func (ft *frameTrap) transmit(frame []byte) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.fail != nil && ft.fail(frame) {
		return device.ErrSendFailed
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	ft.frames = append(ft.frames, buf)
	return nil
}

func (ft *frameTrap) failWhen(pred func(frame []byte) bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.fail = pred
}

func (ft *frameTrap) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.frames)
}

func (ft *frameTrap) frame(i int) []byte {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.frames[i]
}

func newTestObu(t *testing.T, encrypt bool) (*Obu, *device.Port, *device.Port, *frameTrap) {
	t.Helper()
	mac := selfMac
	dev := device.NewPort(mac, 64)
	trap := &frameTrap{}
	dev.SetTransmit(trap.transmit)
	tap, tapPeer := device.NewPair(mac, mac, 64)

	cfg := state.NodeCfg{
		BindInterface: "test0",
		NodeParameters: state.NodeParameters{
			HelloHistory:     10,
			CachedCandidates: 3,
			EnableEncryption: encrypt,
		},
	}
	o, err := NewObu(cfg, dev, tap, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() {
		o.Close()
		dev.Close()
		tap.Close()
		tapPeer.Close()
	})
	return o, dev, tapPeer, trap
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestObuAnswersHeartbeat(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	o, dev, _, trap := newTestObu(t, false)

	hb := wire.NewHeartbeat(state.Broadcast, rsuMac, time.Millisecond, 0, 1, rsuMac)
	require.NoError(t, dev.Deliver(hb))

	waitFor(t, func() bool { return trap.count() == 2 }, "expected forward and reply")

	forward, err := wire.Parse(trap.frame(0))
	require.NoError(t, err)
	assert.Equal(t, state.Broadcast, forward.To())
	assert.Equal(t, uint32(2), forward.Heartbeat().Hops())

	reply, err := wire.Parse(trap.frame(1))
	require.NoError(t, err)
	assert.Equal(t, rsuMac, reply.To())
	assert.Equal(t, o.Mac(), reply.HeartbeatReply().Sender())

	route := o.CachedUpstream()
	require.NotNil(t, route)
	assert.Equal(t, rsuMac, route.NextHop)
}

func TestObuEncapsulatesClientTraffic(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	o, dev, tapPeer, trap := newTestObu(t, false)

	hb := wire.NewHeartbeat(state.Broadcast, rsuMac, time.Millisecond, 0, 1, rsuMac)
	require.NoError(t, dev.Deliver(hb))
	waitFor(t, func() bool { return o.CachedUpstream() != nil }, "upstream not cached")

	client := make([]byte, 0, 60)
	client = append(client, state.Broadcast[:]...)
	client = append(client, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff)
	client = append(client, []byte("hello vanet")...)
	require.NoError(t, tapPeer.Send(client))

	waitFor(t, func() bool { return trap.count() == 3 }, "expected upstream frame after control traffic")

	up, err := wire.Parse(trap.frame(2))
	require.NoError(t, err)
	require.Equal(t, wire.DataUpstream, up.Data())
	assert.Equal(t, rsuMac, up.To())
	assert.Equal(t, o.Mac(), up.Upstream().Origin())
	assert.Equal(t, client, up.Upstream().Payload())
}

func TestObuDropsClientTrafficWithoutUpstream(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	o, _, tapPeer, trap := newTestObu(t, false)

	client := make([]byte, 20)
	copy(client, state.Broadcast[:])
	require.NoError(t, tapPeer.Send(client))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, trap.count())
	assert.Zero(t, o.Metrics().UpstreamSendFailures.Load())
}

func TestObuFailoverRetriesOnce(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	o, dev, tapPeer, trap := newTestObu(t, false)

	// Heartbeats arrive through a relay, making it the cached head; the
	// RSU is appended to the candidate list as the origin.
	hb := wire.NewHeartbeat(state.Broadcast, neighA, time.Millisecond, 0, 2, rsuMac)
	require.NoError(t, dev.Deliver(hb))
	waitFor(t, func() bool { return o.CachedUpstream() != nil }, "upstream not cached")

	o.Routing(func(r *ObuRouting) {
		r.setCandidatesForTest([]state.MacAddress{neighA, rsuMac})
	})
	trap.failWhen(func(frame []byte) bool {
		return state.MacFromSlice(frame[0:6]) == neighA && frame[14] == byte(wire.PacketData)
	})

	client := make([]byte, 20)
	copy(client, state.Broadcast[:])
	require.NoError(t, tapPeer.Send(client))

	waitFor(t, func() bool {
		for i := 0; i < trap.count(); i++ {
			f, err := wire.Parse(trap.frame(i))
			if err == nil && f.Kind() == wire.PacketData && f.To() == rsuMac {
				return true
			}
		}
		return false
	}, "expected retried upstream toward the RSU")

	assert.Zero(t, o.Metrics().UpstreamSendFailures.Load())
	assert.Zero(t, o.Metrics().LoopDetected.Load())
	head := o.CachedCandidates()
	require.NotEmpty(t, head)
	assert.Equal(t, rsuMac, head[0])
}

func TestObuDecapsulatesDownstream(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	o, dev, tapPeer, _ := newTestObu(t, false)

	payload := []byte("downstream client bytes")
	down := wire.NewDownstream(o.Mac(), rsuMac, rsuMac, o.Mac(), payload)
	require.NoError(t, dev.Deliver(down))

	buf := make([]byte, state.PacketBufferSize)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := tapPeer.Recv(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

func TestObuForwardsDownstreamAlongObservedPath(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	o, dev, _, trap := newTestObu(t, false)

	hb := wire.NewHeartbeat(state.Broadcast, neighA, time.Millisecond, 0, 2, rsuMac)
	require.NoError(t, dev.Deliver(hb))
	waitFor(t, func() bool { return trap.count() == 2 }, "control replies missing")

	// A reply from neighB through neighC teaches the path toward neighB.
	rep := wire.NewHeartbeatReply(o.Mac(), neighC, time.Millisecond, 0, rsuMac, neighB, 3)
	require.NoError(t, dev.Deliver(rep))
	waitFor(t, func() bool { return trap.count() == 3 }, "reply forward missing")

	down := wire.NewDownstream(o.Mac(), rsuMac, rsuMac, neighB, []byte("transit"))
	require.NoError(t, dev.Deliver(down))
	waitFor(t, func() bool { return trap.count() == 4 }, "downstream forward missing")

	out, err := wire.Parse(trap.frame(3))
	require.NoError(t, err)
	assert.Equal(t, neighC, out.To())
	assert.Equal(t, neighB, out.Downstream().Destination())
}

func TestObuDropsUndecryptableDownstream(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	o, dev, tapPeer, _ := newTestObu(t, true)

	down := wire.NewDownstream(o.Mac(), rsuMac, rsuMac, o.Mac(), []byte("not ciphertext"))
	require.NoError(t, dev.Deliver(down))

	waitFor(t, func() bool { return o.Metrics().DecryptFailures.Load() == 1 }, "decrypt failure not counted")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tapPeer.Recv(ctx, make([]byte, 64))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestObuIgnoresGarbageFrames(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	o, dev, _, trap := newTestObu(t, false)

	require.NoError(t, dev.Deliver([]byte{1, 2, 3}))
	hb := wire.NewHeartbeat(state.Broadcast, rsuMac, time.Millisecond, 0, 1, rsuMac)
	require.NoError(t, dev.Deliver(hb))

	waitFor(t, func() bool { return trap.count() == 2 }, "loop stopped after parse failure")
	assert.Equal(t, uint64(1), o.Metrics().ParseFailures.Load())
}
