package core

import (
	"fmt"
	"slices"
	"strings"

	"github.com/GomesGoncalo/vigilant-parakeet/state"
)

// Test-only accessors into the routing internals.

// setCandidatesForTest installs a failover list directly.
func (r *ObuRouting) setCandidatesForTest(cands []state.MacAddress) {
	r.candidates = slices.Clone(cands)
}

// storedSequences lists the sequence ids held for an origin, oldest first.
func (r *ObuRouting) storedSequences(origin state.MacAddress) []uint32 {
	hist, ok := r.routes[origin]
	if !ok {
		return nil
	}
	out := make([]uint32, 0, hist.len())
	hist.each(func(id uint32, _ *heartbeatRecord) {
		out = append(out, id)
	})
	return out
}

func (r *ObuRouting) originCount() int { return len(r.routes) }

// debugDump renders the complete routing state deterministically; used to
// assert that reads leave the state bit-identical.
func (r *ObuRouting) debugDump() string {
	var b strings.Builder
	origins := make([]state.MacAddress, 0, len(r.routes))
	for mac := range r.routes {
		origins = append(origins, mac)
	}
	slices.SortFunc(origins, state.MacAddress.Compare)
	for _, origin := range origins {
		fmt.Fprintf(&b, "origin %s\n", origin)
		r.routes[origin].each(func(id uint32, rec *heartbeatRecord) {
			fmt.Fprintf(&b, "  seq %d seen %s next %s hops %d\n", id, rec.seenAt, rec.nextUpstream, rec.hops)
			for _, s := range rec.latencies {
				fmt.Fprintf(&b, "    latency %s via %s\n", s.delay, s.carrier)
			}
			nodes := make([]state.MacAddress, 0, len(rec.downstream))
			for mac := range rec.downstream {
				nodes = append(nodes, mac)
			}
			slices.SortFunc(nodes, state.MacAddress.Compare)
			for _, node := range nodes {
				for _, obs := range rec.downstream[node] {
					fmt.Fprintf(&b, "    obs %s via %s hops %d latency %s measured %v\n",
						node, obs.via, obs.hops, obs.latency, obs.measured)
				}
			}
		})
	}
	fmt.Fprintf(&b, "candidates %v\n", r.candidates)
	return b.String()
}

// setSeqForTest jumps the RSU sequence counter, for wraparound tests.
func (r *RsuRouting) setSeqForTest(seq uint32) { r.seq = seq }

// storedSequences lists the sent sequence ids, oldest first.
func (r *RsuRouting) storedSequences() []uint32 {
	out := make([]uint32, 0, r.order.Len())
	for i := 0; i < r.order.Len(); i++ {
		out = append(out, r.order.At(i))
	}
	return out
}
