package core

import (
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/GomesGoncalo/vigilant-parakeet/state"
	"github.com/GomesGoncalo/vigilant-parakeet/wire"
	"github.com/gammazero/deque"
)

// sentRecord tracks one emitted heartbeat sequence and the replies that
// came back for it, keyed by the answering node.
type sentRecord struct {
	sentAt  time.Duration
	replies map[state.MacAddress][]observation
}

// RsuRouting is the RSU-side table: the bounded history of emitted
// heartbeat sequences and, per sequence, which OBUs answered through
// which transit neighbours. It mirrors the OBU table from the reverse
// perspective. The history is a FIFO with O(1) front eviction.
//
// Like ObuRouting, methods are serialized by the owning node's lock.
type RsuRouting struct {
	helloHistory int
	boot         time.Time

	seq   uint32
	order deque.Deque[uint32]
	sent  map[uint32]*sentRecord

	metrics *Metrics
	log     *slog.Logger
}

func NewRsuRouting(cfg *state.NodeCfg, boot time.Time, metrics *Metrics, log *slog.Logger) (*RsuRouting, error) {
	if cfg.HelloHistory == 0 {
		return nil, errors.New("hello_history must allow storing at least one heartbeat")
	}
	return &RsuRouting{
		helloHistory: int(cfg.HelloHistory),
		boot:         boot,
		sent:         make(map[uint32]*sentRecord),
		metrics:      metrics,
		log:          log,
	}, nil
}

func (r *RsuRouting) sinceBoot() time.Duration { return time.Since(r.boot) }

// NextHeartbeat allocates the next sequence id, records it in the sent
// history, and returns the serialized broadcast frame. Sequence ids are
// strictly monotone until the natural uint32 wraparound, which clears the
// history.
func (r *RsuRouting) NextHeartbeat(self state.MacAddress) []byte {
	id := r.seq
	r.seq++

	if r.order.Len() > 0 && id < r.order.Front() {
		r.order.Clear()
		clear(r.sent)
	}
	for r.order.Len() >= r.helloHistory {
		evicted := r.order.PopFront()
		delete(r.sent, evicted)
	}

	sentAt := r.sinceBoot()
	r.order.PushBack(id)
	r.sent[id] = &sentRecord{
		sentAt:  sentAt,
		replies: make(map[state.MacAddress][]observation),
	}
	r.metrics.HeartbeatsSent.Add(1)

	return wire.NewHeartbeat(state.Broadcast, self, sentAt, id, 1, self)
}

// HandleHeartbeatReply records a reply to one of our own heartbeats. The
// caller has already checked the reply's origin is this RSU.
func (r *RsuRouting) HandleHeartbeatReply(f wire.Frame, self state.MacAddress) error {
	rep := f.HeartbeatReply()
	rec, ok := r.sent[rep.ID()]
	if !ok {
		r.log.Warn("reply to an outdated heartbeat", "id", rep.ID(), "sender", rep.Sender())
		return nil
	}

	sender := rep.Sender()
	from := f.From()
	oldRoute := r.GetRoute(&sender)

	latency := r.sinceBoot() - rec.sentAt
	rec.replies[sender] = append(rec.replies[sender], observation{
		hops:     uint32(rep.Hops()),
		via:      from,
		latency:  latency,
		measured: true,
	})

	newRoute := r.GetRoute(&sender)
	switch {
	case oldRoute == nil && newRoute != nil:
		r.log.Debug("route created from heartbeat reply",
			"from", self, "to", sender, "through", newRoute.NextHop)
	case oldRoute != nil && newRoute != nil && oldRoute.NextHop != newRoute.NextHop:
		r.log.Debug("route changed from heartbeat reply",
			"from", self, "to", sender,
			"through", newRoute.NextHop, "was_through", oldRoute.NextHop)
	}
	return nil
}

// GetRoute selects the best next hop toward an OBU using the same
// deterministic (latency score, hops, MAC order) ranking as the OBU side.
// Pure read.
func (r *RsuRouting) GetRoute(target *state.MacAddress) *Route {
	if target == nil {
		return nil
	}
	stats := make(map[state.MacAddress]*nextHopStat)
	for i := 0; i < r.order.Len(); i++ {
		rec := r.sent[r.order.At(i)]
		for _, obs := range rec.replies[*target] {
			s, ok := stats[obs.via]
			if !ok {
				s = &nextHopStat{mac: obs.via}
				stats[obs.via] = s
			}
			s.observe(obs.latency, obs.measured, obs.hops)
		}
	}
	if len(stats) == 0 {
		return nil
	}
	return rankCandidates(stats)[0].route()
}

// NextHops enumerates every node that has answered a recorded heartbeat,
// in MAC order. This is the fan-out set for downstream broadcast.
func (r *RsuRouting) NextHops() []state.MacAddress {
	seen := make(map[state.MacAddress]struct{})
	for i := 0; i < r.order.Len(); i++ {
		for mac := range r.sent[r.order.At(i)].replies {
			seen[mac] = struct{}{}
		}
	}
	out := make([]state.MacAddress, 0, len(seen))
	for mac := range seen {
		out = append(out, mac)
	}
	slices.SortFunc(out, state.MacAddress.Compare)
	return out
}
