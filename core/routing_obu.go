package core

import (
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/GomesGoncalo/vigilant-parakeet/state"
	"github.com/GomesGoncalo/vigilant-parakeet/wire"
)

// ErrLoopDetected marks a heartbeat reply whose forwarding would return
// it to the node that already forwarded it.
var ErrLoopDetected = errors.New("routing loop detected")

// ObuRouting is the OBU-side routing table: per-origin heartbeat history,
// observed reply latencies, and the cached upstream with its failover
// candidates.
//
// Methods are not safe for concurrent use; the owning node serializes
// access through a single reader/writer lock. Handlers and the cache
// write APIs run under the write lock, GetRoute and the cache getters
// under the read lock.
type ObuRouting struct {
	helloHistory int
	candidateCap int
	boot         time.Time

	routes map[state.MacAddress]*sequenceHistory
	// sourceNeighbors tracks which neighbours have forwarded heartbeats
	// for a given origin; used to backfill failover candidates.
	sourceNeighbors map[state.MacAddress]map[state.MacAddress]struct{}

	// candidates is the failover list, best first; the head is the
	// cached upstream next hop. upstreamSource is the RSU the list was
	// computed for. Mutated only by SelectAndCacheUpstream and
	// FailoverCachedUpstream.
	candidates       []state.MacAddress
	upstreamSource   *state.MacAddress
	upstreamSelected bool

	metrics *Metrics
	log     *slog.Logger
}

func NewObuRouting(cfg *state.NodeCfg, boot time.Time, metrics *Metrics, log *slog.Logger) (*ObuRouting, error) {
	if cfg.HelloHistory == 0 {
		return nil, errors.New("hello_history must allow storing at least one heartbeat")
	}
	return &ObuRouting{
		helloHistory:    int(cfg.HelloHistory),
		candidateCap:    int(cfg.CachedCandidates),
		boot:            boot,
		routes:          make(map[state.MacAddress]*sequenceHistory),
		sourceNeighbors: make(map[state.MacAddress]map[state.MacAddress]struct{}),
		metrics:         metrics,
		log:             log,
	}, nil
}

func (r *ObuRouting) sinceBoot() time.Duration { return time.Since(r.boot) }

func (r *ObuRouting) ensureHistory(origin state.MacAddress) *sequenceHistory {
	hist, ok := r.routes[origin]
	if !ok {
		hist = newSequenceHistory(r.helloHistory)
		r.routes[origin] = hist
	}
	return hist
}

// resetOnWraparound clears the per-origin history when a sequence smaller
// than the smallest stored one arrives: the origin restarted its counter.
func resetOnWraparound(hist *sequenceHistory, id uint32) {
	if oldest, ok := hist.oldest(); ok && id < oldest {
		hist.clear()
	}
}

// HandleHeartbeat ingests a heartbeat frame received from the device and
// returns the forwarded copy plus the reply toward the carrying
// neighbour. Duplicates produce no output.
func (r *ObuRouting) HandleHeartbeat(f wire.Frame, self state.MacAddress) ([]Reply, error) {
	hb := f.Heartbeat()
	origin := hb.Origin()
	from := f.From()

	if origin == self {
		return nil, nil
	}

	hist := r.ensureHistory(origin)
	resetOnWraparound(hist, hb.ID())

	neigh, ok := r.sourceNeighbors[origin]
	if !ok {
		neigh = make(map[state.MacAddress]struct{})
		r.sourceNeighbors[origin] = neigh
	}
	neigh[from] = struct{}{}

	if _, seen := hist.get(hb.ID()); seen {
		// Duplicate sequence: the table already has the first-arrival
		// path. Refresh candidate ranking so newly observed neighbours
		// join the failover list, but do not forward again.
		r.SelectAndCacheUpstream(origin)
		return nil, nil
	}

	oldBest := r.GetRoute(&origin)
	hist.insert(hb.ID(), newHeartbeatRecord(r.sinceBoot(), from, hb.Hops()))

	// The carrying neighbour is itself directly reachable; record the
	// adjacency under its own origin entry.
	if from != origin {
		adj := r.ensureHistory(from)
		resetOnWraparound(adj, hb.ID())
		if _, ok := adj.get(hb.ID()); !ok {
			adj.insert(hb.ID(), newHeartbeatRecord(r.sinceBoot(), from, 1))
		}
	}

	newBest := r.GetRoute(&origin)
	r.logRouteChange(oldBest, newBest, self, origin)
	r.SelectAndCacheUpstream(origin)

	forward := wire.AppendHeartbeatForward(nil, hb, self, state.Broadcast)
	reply := wire.AppendHeartbeatReply(nil, hb, self, self, from)
	return []Reply{WireFlat(forward), WireFlat(reply)}, nil
}

// HandleHeartbeatReply ingests a reply frame. It records the latency
// sample and downstream observation, then either forwards the reply
// toward the recorded next upstream or drops it to prevent loops.
func (r *ObuRouting) HandleHeartbeatReply(f wire.Frame, self state.MacAddress) ([]Reply, error) {
	rep := f.HeartbeatReply()
	origin := rep.Origin()
	sender := rep.Sender()
	from := f.From()

	hist, ok := r.routes[origin]
	if !ok {
		r.log.Debug("reply for unknown origin", "origin", origin, "from", from)
		return nil, nil
	}
	rec, ok := hist.get(rep.ID())
	if !ok {
		r.log.Debug("reply for expired sequence", "origin", origin, "id", rep.ID())
		return nil, nil
	}

	latency := r.sinceBoot() - rec.seenAt
	rec.latencies = append(rec.latencies, latencySample{delay: latency, carrier: from})
	rec.downstream[sender] = append(rec.downstream[sender], observation{
		hops:     uint32(rep.Hops()),
		via:      from,
		latency:  latency,
		measured: true,
	})
	if from != sender {
		rec.downstream[from] = append(rec.downstream[from], observation{hops: 1, via: from})
	}

	r.SelectAndCacheUpstream(origin)

	nextUpstream := rec.nextUpstream
	switch {
	case from == nextUpstream:
		// Forwarding would bounce the reply straight back to the
		// neighbour that gave us the heartbeat. Keep the observation,
		// skip the forward.
		r.log.Debug("skipping reply forward",
			"action", "skip_forward",
			"from", from, "sender", sender, "next_upstream", nextUpstream)
		return nil, nil
	case nextUpstream == sender:
		r.metrics.LoopDetected.Add(1)
		r.log.Warn("routing loop detected, dropping reply",
			"from", from, "sender", sender, "next_upstream", nextUpstream)
		return nil, ErrLoopDetected
	}

	forward := wire.AppendHeartbeatReplyForward(nil, rep, self, nextUpstream)
	return []Reply{WireFlat(forward)}, nil
}

// GetRoute computes the best route to a target. A nil target resolves the
// cached upstream. This is a pure read: the routing state is unchanged no
// matter how often it runs.
func (r *ObuRouting) GetRoute(target *state.MacAddress) *Route {
	if target == nil {
		if len(r.candidates) == 0 || r.upstreamSource == nil {
			return nil
		}
		// The cached route is the path toward the upstream RSU through
		// the current head, scored against that RSU.
		head := r.candidates[0]
		if s, ok := r.candidateStats(*r.upstreamSource)[head]; ok {
			return s.route()
		}
		// No scored path through this head (e.g. right after
		// failover); still usable as a direct next hop.
		return &Route{NextHop: head, Hops: 1}
	}
	return r.computeRoute(*target)
}

// computeRoute gathers candidates for the target from downstream
// observations across all origins and, when the target is itself an
// origin, from the recorded heartbeat paths toward it.
func (r *ObuRouting) computeRoute(target state.MacAddress) *Route {
	stats := r.candidateStats(target)
	if len(stats) == 0 {
		return nil
	}
	ranked := rankCandidates(stats)
	return ranked[0].route()
}

func (r *ObuRouting) candidateStats(target state.MacAddress) map[state.MacAddress]*nextHopStat {
	stats := make(map[state.MacAddress]*nextHopStat)
	ensure := func(mac state.MacAddress) *nextHopStat {
		s, ok := stats[mac]
		if !ok {
			s = &nextHopStat{mac: mac}
			stats[mac] = s
		}
		return s
	}

	for _, hist := range r.routes {
		hist.each(func(_ uint32, rec *heartbeatRecord) {
			for _, obs := range rec.downstream[target] {
				ensure(obs.via).observe(obs.latency, obs.measured, obs.hops)
			}
		})
	}
	if hist, ok := r.routes[target]; ok {
		hist.each(func(_ uint32, rec *heartbeatRecord) {
			s := ensure(rec.nextUpstream)
			if s.count == 0 && (s.hops == 0 || rec.hops < s.hops) {
				s.hops = rec.hops
			}
		})
	}
	return stats
}

// SelectAndCacheUpstream recomputes the candidate list for the target and
// stores it best-first. The head is only replaced when the newly computed
// best is strictly better than the current head's present score, so
// equivalent routes do not flap. Write API: callers hold the write lock.
func (r *ObuRouting) SelectAndCacheUpstream(target state.MacAddress) *Route {
	stats := r.candidateStats(target)
	if len(stats) == 0 {
		return nil
	}
	ranked := rankCandidates(stats)
	best := ranked[0]

	head := best.mac
	if len(r.candidates) > 0 {
		cur := r.candidates[0]
		if cur != best.mac {
			if curStat, ok := stats[cur]; ok && !strictlyBetter(best, curStat) {
				head = cur
			}
		}
	}

	out := make([]state.MacAddress, 0, r.candidateCap)
	out = append(out, head)
	for _, s := range ranked {
		if len(out) >= r.candidateCap {
			break
		}
		if s.mac != head {
			out = append(out, s.mac)
		}
	}
	// Backfill with neighbours known to forward heartbeats for this
	// origin, then the origin itself.
	if len(out) < r.candidateCap {
		neigh := make([]state.MacAddress, 0, len(r.sourceNeighbors[target]))
		for mac := range r.sourceNeighbors[target] {
			neigh = append(neigh, mac)
		}
		slices.SortFunc(neigh, state.MacAddress.Compare)
		for _, mac := range neigh {
			if len(out) >= r.candidateCap {
				break
			}
			if !slices.Contains(out, mac) {
				out = append(out, mac)
			}
		}
	}
	if len(out) < r.candidateCap && !slices.Contains(out, target) {
		out = append(out, target)
	}
	r.candidates = out
	src := target
	r.upstreamSource = &src

	if !r.upstreamSelected {
		r.upstreamSelected = true
		hops := best.hops
		if s, ok := stats[head]; ok {
			hops = s.hops
		}
		r.log.Info("upstream selected",
			"upstream", head, "source", target, "hops", hops)
	}
	return best.route()
}

// FailoverCachedUpstream pops the current head and promotes the next
// candidate. Purely a rotation: no rescoring happens, so repeated calls
// walk the list without revisiting dropped heads.
func (r *ObuRouting) FailoverCachedUpstream() *state.MacAddress {
	if len(r.candidates) == 0 {
		return nil
	}
	dropped := r.candidates[0]
	r.candidates = r.candidates[1:]
	if len(r.candidates) == 0 {
		r.log.Info("failover exhausted candidate list", "dropped", dropped)
		return nil
	}
	promoted := r.candidates[0]
	r.log.Info("failover promoted next candidate",
		"dropped", dropped, "promoted", promoted)
	return &promoted
}

// CachedUpstream returns the current cache head, if any.
func (r *ObuRouting) CachedUpstream() *state.MacAddress {
	if len(r.candidates) == 0 {
		return nil
	}
	head := r.candidates[0]
	return &head
}

// CachedCandidates returns a copy of the failover list, best first.
func (r *ObuRouting) CachedCandidates() []state.MacAddress {
	return slices.Clone(r.candidates)
}

func (r *ObuRouting) logRouteChange(prev, next *Route, self, target state.MacAddress) {
	switch {
	case prev == nil && next != nil:
		r.log.Info("route discovered",
			"from", self, "to", target, "through", next.NextHop, "hops", next.Hops)
	case prev != nil && next != nil && prev.NextHop != next.NextHop:
		r.log.Info("route changed",
			"from", self, "to", target,
			"through", next.NextHop, "was_through", prev.NextHop,
			"old_hops", prev.Hops, "new_hops", next.Hops)
	}
}
