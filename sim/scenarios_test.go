package sim

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/GomesGoncalo/vigilant-parakeet/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func obuCfg() state.NodeCfg {
	return state.NodeCfg{
		NodeType:      state.NodeObu,
		BindInterface: "sim0",
		NodeParameters: state.NodeParameters{
			HelloHistory:     10,
			CachedCandidates: 3,
		},
	}
}

func rsuCfg(periodMs uint32) state.NodeCfg {
	return state.NodeCfg{
		NodeType:      state.NodeRsu,
		BindInterface: "sim0",
		NodeParameters: state.NodeParameters{
			HelloHistory:     10,
			HelloPeriodicity: &periodMs,
		},
	}
}

func symmetricLink(from, to string, latencyMs uint64) LinkCfg {
	return LinkCfg{
		From:      from,
		To:        to,
		Symmetric: true,
		ChannelParameters: state.ChannelParameters{
			Latency: state.Millis(latencyMs),
		},
	}
}

func startSim(t *testing.T, topo *Topology) *Simulator {
	t.Helper()
	s, err := New(topo, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func broadcastClientFrame(src state.MacAddress, payload string) []byte {
	frame := make([]byte, 0, 12+len(payload))
	frame = append(frame, state.Broadcast[:]...)
	frame = append(frame, src[:]...)
	frame = append(frame, payload...)
	return frame
}

func recvTap(t *testing.T, n *Node, timeout time.Duration) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	buf := make([]byte, state.PacketBufferSize)
	read, err := n.TapPeer.Recv(ctx, buf)
	if err != nil {
		return nil, err
	}
	return buf[:read], nil
}

// Two-node discovery: the OBU learns the RSU as a one-hop upstream.
func TestTwoNodeDiscovery(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	topo := &Topology{
		Nodes: map[string]state.NodeCfg{
			"rsu1": rsuCfg(100),
			"obu1": obuCfg(),
		},
		Links: []LinkCfg{symmetricLink("rsu1", "obu1", 0)},
	}
	s := startSim(t, topo)

	rsu := s.Node("rsu1")
	obu := s.Node("obu1")
	require.Eventually(t, func() bool {
		route := obu.Obu.CachedUpstream()
		return route != nil && route.NextHop == rsu.Mac() && route.Hops == 1
	}, 2*time.Second, 10*time.Millisecond, "obu did not discover the rsu")
}

// Two-hop preference: the low-latency relay path through obu1 wins over
// the slow direct link.
func TestTwoHopPreferenceByLatency(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	topo := &Topology{
		Nodes: map[string]state.NodeCfg{
			"rsu1": rsuCfg(50),
			"obu1": obuCfg(),
			"obu2": obuCfg(),
		},
		Links: []LinkCfg{
			symmetricLink("rsu1", "obu1", 1),
			symmetricLink("rsu1", "obu2", 50),
			symmetricLink("obu1", "obu2", 1),
		},
	}
	s := startSim(t, topo)

	obu1 := s.Node("obu1")
	obu2 := s.Node("obu2")
	require.Eventually(t, func() bool {
		route := obu2.Obu.CachedUpstream()
		return route != nil && route.NextHop == obu1.Mac() && route.Hops == 2
	}, 5*time.Second, 20*time.Millisecond, "obu2 did not prefer the relay path")
}

// Failover: when the relay link dies, the next upstream frame rotates to
// the direct candidate and still reaches the RSU.
func TestFailoverOnBrokenNextHop(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	topo := &Topology{
		Nodes: map[string]state.NodeCfg{
			"rsu1": rsuCfg(50),
			"obu1": obuCfg(),
			"obu2": obuCfg(),
		},
		Links: []LinkCfg{
			symmetricLink("rsu1", "obu1", 1),
			symmetricLink("rsu1", "obu2", 50),
			symmetricLink("obu1", "obu2", 1),
		},
	}
	s := startSim(t, topo)

	obu1 := s.Node("obu1")
	obu2 := s.Node("obu2")
	require.Eventually(t, func() bool {
		route := obu2.Obu.CachedUpstream()
		return route != nil && route.NextHop == obu1.Mac()
	}, 5*time.Second, 20*time.Millisecond, "relay path not converged")

	require.NoError(t, s.SetLinkParams("obu2", "obu1", state.ChannelParameters{Loss: 1.0}))

	client := broadcastClientFrame(state.MacAddress{0xaa, 0, 0, 0, 0, 2}, "failover probe")
	require.NoError(t, obu2.TapPeer.Send(client))

	got, err := recvTap(t, s.Node("rsu1"), 3*time.Second)
	require.NoError(t, err, "frame did not reach the rsu after failover")
	assert.Equal(t, client, got)
	assert.Zero(t, obu2.Obu.Metrics().LoopDetected.Load())
	assert.Zero(t, obu2.Obu.Metrics().UpstreamSendFailures.Load())
}

// Broadcast fan-out: one upstream broadcast becomes one TAP delivery at
// the RSU and one downstream frame per known OBU.
func TestBroadcastFanOut(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	topo := &Topology{
		Nodes: map[string]state.NodeCfg{
			"rsu1": rsuCfg(50),
			"obu1": obuCfg(),
			"obu2": obuCfg(),
			"obu3": obuCfg(),
		},
		Links: []LinkCfg{
			symmetricLink("rsu1", "obu1", 0),
			symmetricLink("rsu1", "obu2", 0),
			symmetricLink("rsu1", "obu3", 0),
		},
	}
	s := startSim(t, topo)

	rsu := s.Node("rsu1")
	require.Eventually(t, func() bool {
		return len(rsu.Rsu.KnownNodes()) == 3
	}, 5*time.Second, 20*time.Millisecond, "rsu did not learn all obus")

	client := broadcastClientFrame(state.MacAddress{0xaa, 0, 0, 0, 0, 1}, "hello everyone")
	require.NoError(t, s.Node("obu1").TapPeer.Send(client))

	got, err := recvTap(t, rsu, 2*time.Second)
	require.NoError(t, err, "broadcast did not reach the rsu tap")
	assert.Equal(t, client, got)

	for _, name := range []string{"obu1", "obu2", "obu3"} {
		got, err := recvTap(t, s.Node(name), 2*time.Second)
		require.NoError(t, err, "broadcast did not reach %s", name)
		assert.Equal(t, client, got, "payload mismatch at %s", name)
	}
}

// Broadcast fan-out with encryption: payloads survive the per-recipient
// re-encryption end to end.
func TestBroadcastFanOutEncrypted(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	encObu := obuCfg()
	encObu.EnableEncryption = true
	encRsu := rsuCfg(50)
	encRsu.EnableEncryption = true

	topo := &Topology{
		Nodes: map[string]state.NodeCfg{
			"rsu1": encRsu,
			"obu1": encObu,
			"obu2": encObu,
		},
		Links: []LinkCfg{
			symmetricLink("rsu1", "obu1", 0),
			symmetricLink("rsu1", "obu2", 0),
		},
	}
	s := startSim(t, topo)

	rsu := s.Node("rsu1")
	require.Eventually(t, func() bool {
		return len(rsu.Rsu.KnownNodes()) == 2
	}, 5*time.Second, 20*time.Millisecond, "rsu did not learn all obus")

	client := broadcastClientFrame(state.MacAddress{0xaa, 0, 0, 0, 0, 1}, "secret broadcast")
	require.NoError(t, s.Node("obu1").TapPeer.Send(client))

	got, err := recvTap(t, rsu, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, client, got)

	for _, name := range []string{"obu1", "obu2"} {
		got, err := recvTap(t, s.Node(name), 2*time.Second)
		require.NoError(t, err, "broadcast did not reach %s", name)
		assert.Equal(t, client, got, "payload mismatch at %s", name)
	}
	assert.Zero(t, rsu.Rsu.Metrics().DecryptFailures.Load())
}

// Shutdown drains every task; nothing may leak.
func TestSimulatorShutdownIsClean(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	topo := &Topology{
		Nodes: map[string]state.NodeCfg{
			"rsu1": rsuCfg(20),
			"obu1": obuCfg(),
		},
		Links: []LinkCfg{symmetricLink("rsu1", "obu1", 5)},
	}
	s, err := New(topo, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	s.Close()
}
