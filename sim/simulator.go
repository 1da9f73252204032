package sim

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/GomesGoncalo/vigilant-parakeet/core"
	"github.com/GomesGoncalo/vigilant-parakeet/device"
	"github.com/GomesGoncalo/vigilant-parakeet/state"
)

// portDepth bounds the per-node receive queues inside the simulator.
const portDepth = 4096

// Node is one simulated node: its frame endpoints, the peer end of its
// TAP for injecting and observing client traffic, and the running state
// machine.
type Node struct {
	Name string
	Cfg  state.NodeCfg

	Dev *device.Port
	Tap *device.Port
	// TapPeer is the far side of the node's TAP: writes appear as client
	// traffic on the node, reads observe decapsulated deliveries.
	TapPeer *device.Port

	Obu *core.Obu
	Rsu *core.Rsu
}

func (n *Node) Mac() state.MacAddress { return n.Dev.Mac() }

func (n *Node) close() {
	if n.Obu != nil {
		n.Obu.Close()
	}
	if n.Rsu != nil {
		n.Rsu.Close()
	}
	n.Dev.Close()
	n.Tap.Close()
	n.TapPeer.Close()
}

// Simulator assembles a topology of nodes joined by directed channels.
// Each node's device transmit hook offers frames to every outgoing
// channel whose receiver matches the frame's destination; unicast sends
// that no channel accepts fail fast so senders can take failover
// decisions.
type Simulator struct {
	log      *slog.Logger
	nodes    map[string]*Node
	channels map[string]map[string]*Channel
}

// New builds and starts every node and channel in the topology. Node MAC
// addresses are assigned deterministically in name order.
func New(topo *Topology, log *slog.Logger) (*Simulator, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	s := &Simulator{
		log:      log,
		nodes:    make(map[string]*Node),
		channels: make(map[string]map[string]*Channel),
	}

	names := make([]string, 0, len(topo.Nodes))
	for name := range topo.Nodes {
		names = append(names, name)
	}
	slices.Sort(names)

	for i, name := range names {
		cfg := topo.Nodes[name]
		mac := state.MacAddress{0x02, 0x00, 0x00, 0x00, 0x00, byte(i + 1)}
		dev := device.NewPort(mac, portDepth)
		tap, tapPeer := device.NewPair(mac, mac, portDepth)
		s.nodes[name] = &Node{
			Name:    name,
			Cfg:     cfg,
			Dev:     dev,
			Tap:     tap,
			TapPeer: tapPeer,
		}
	}

	for _, l := range topo.Links {
		s.addChannel(l.From, l.To, l.ChannelParameters)
		if l.Symmetric {
			s.addChannel(l.To, l.From, l.ChannelParameters)
		}
	}

	for _, name := range names {
		node := s.nodes[name]
		node.Dev.SetTransmit(s.transmit(node))

		nodeLog := log.With("node", name)
		var err error
		switch node.Cfg.NodeType {
		case state.NodeRsu:
			node.Rsu, err = core.NewRsu(node.Cfg, node.Dev, node.Tap, nodeLog)
		case state.NodeObu:
			node.Obu, err = core.NewObu(node.Cfg, node.Dev, node.Tap, nodeLog)
		default:
			err = fmt.Errorf("node %s: unknown node type %q", name, node.Cfg.NodeType)
		}
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Simulator) addChannel(from, to string, params state.ChannelParameters) {
	src := s.nodes[from]
	dst := s.nodes[to]
	ch := NewChannel(params, src.Mac(), dst.Dev.Deliver, from, to, s.log)
	if s.channels[from] == nil {
		s.channels[from] = make(map[string]*Channel)
	}
	s.channels[from][to] = ch
}

// transmit routes one outgoing frame from a node onto its channels.
// Channels are independent; a saturated or lossy link never blocks the
// others. A unicast frame that no channel delivers surfaces ErrSendFailed
// to the caller.
func (s *Simulator) transmit(src *Node) func(frame []byte) error {
	return func(frame []byte) error {
		if len(frame) < 6 {
			return device.ErrSendFailed
		}
		to := state.MacFromSlice(frame[0:6])
		accepted := 0
		for name, ch := range s.channels[src.Name] {
			dst := s.nodes[name]
			if !to.IsBroadcast() && to != dst.Mac() {
				continue
			}
			if err := ch.Send(frame, src.Mac()); err == nil {
				accepted++
			}
		}
		if accepted == 0 && !to.IsBroadcast() {
			return device.ErrSendFailed
		}
		return nil
	}
}

// Node returns a simulated node by name.
func (s *Simulator) Node(name string) *Node { return s.nodes[name] }

// Channel returns the directed channel between two nodes, if present.
func (s *Simulator) Channel(from, to string) *Channel {
	return s.channels[from][to]
}

// SetLinkParams updates one directed link at runtime.
func (s *Simulator) SetLinkParams(from, to string, params state.ChannelParameters) error {
	ch := s.Channel(from, to)
	if ch == nil {
		return fmt.Errorf("no channel %s -> %s", from, to)
	}
	return ch.SetParams(params)
}

// Close tears down all nodes and channels.
func (s *Simulator) Close() {
	for _, byTo := range s.channels {
		for _, ch := range byTo {
			ch.Close()
		}
	}
	for _, node := range s.nodes {
		node.close()
	}
}
