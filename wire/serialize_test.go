package wire

import (
	"testing"
	"time"

	"github.com/GomesGoncalo/vigilant-parakeet/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The specialized forwarding writers must produce byte-for-byte the same
// output as the general serializer for the equivalent logical frame.

func TestHeartbeatForwardMatchesGeneral(t *testing.T) {
	sent := 777 * time.Microsecond
	incoming := NewHeartbeat(state.Broadcast, macA, sent, 5, 2, macC)
	f, err := Parse(incoming)
	require.NoError(t, err)

	zero := AppendHeartbeatForward(nil, f.Heartbeat(), macB, state.Broadcast)
	general := NewHeartbeat(state.Broadcast, macB, sent, 5, 3, macC)
	assert.Equal(t, general, zero)

	reparsed, err := Parse(zero)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), reparsed.Heartbeat().Hops())
}

func TestHeartbeatReplyMatchesGeneral(t *testing.T) {
	sent := 12345 * time.Microsecond
	incoming := NewHeartbeat(state.Broadcast, macA, sent, 8, 2, macC)
	f, err := Parse(incoming)
	require.NoError(t, err)

	zero := AppendHeartbeatReply(nil, f.Heartbeat(), macB, macB, macA)
	general := NewHeartbeatReply(macA, macB, sent, 8, macC, macB, 2)
	assert.Equal(t, general, zero)
}

func TestHeartbeatReplyForwardMatchesGeneral(t *testing.T) {
	sent := 9 * time.Millisecond
	incoming := NewHeartbeatReply(macA, macB, sent, 3, macC, macD, 4)
	f, err := Parse(incoming)
	require.NoError(t, err)

	zero := AppendHeartbeatReplyForward(nil, f.HeartbeatReply(), macA, macC)
	general := NewHeartbeatReply(macC, macA, sent, 3, macC, macD, 4)
	assert.Equal(t, general, zero)
}

func TestUpstreamForwardMatchesGeneral(t *testing.T) {
	payload := []byte("forward me upstream")
	incoming := NewUpstream(macB, macA, macC, payload)
	f, err := Parse(incoming)
	require.NoError(t, err)

	zero := AppendUpstreamForward(nil, f.Upstream(), macB, macD)
	general := NewUpstream(macD, macB, macC, payload)
	assert.Equal(t, general, zero)
}

func TestDownstreamMatchesGeneral(t *testing.T) {
	payload := []byte("downstream payload")
	incoming := NewUpstream(macB, macA, macC, payload)
	f, err := Parse(incoming)
	require.NoError(t, err)

	u := f.Upstream()
	zero := AppendDownstream(nil, u.originBytes(), macD, u.Payload(), macB, macA)
	general := NewDownstream(macA, macB, macC, macD, payload)
	assert.Equal(t, general, zero)
}

func TestDownstreamForwardMatchesGeneral(t *testing.T) {
	payload := []byte("multi-hop downstream")
	incoming := NewDownstream(macB, macA, macC, macD, payload)
	f, err := Parse(incoming)
	require.NoError(t, err)

	zero := AppendDownstreamForward(nil, f.Downstream(), macB, macD)
	general := NewDownstream(macD, macB, macC, macD, payload)
	assert.Equal(t, general, zero)
}

func TestWritersReuseCallerBuffer(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	incoming := NewUpstream(macB, macA, macC, payload)
	f, err := Parse(incoming)
	require.NoError(t, err)

	buf := make([]byte, 0, 64)
	out := AppendUpstreamForward(buf, f.Upstream(), macB, macD)
	assert.Equal(t, NewUpstream(macD, macB, macC, payload), out)

	// A second use of the same backing array must start clean.
	out = AppendUpstreamForward(out[:0], f.Upstream(), macB, macA)
	assert.Equal(t, NewUpstream(macA, macB, macC, payload), out)
}
