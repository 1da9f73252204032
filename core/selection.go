package core

import (
	"math"
	"slices"
	"time"

	"github.com/GomesGoncalo/vigilant-parakeet/state"
)

// infScore stands in for "no latency observed"; candidates without
// measurements lose to any measured one and fall back to hop comparison
// among themselves.
const infScore = int64(math.MaxInt64)

// nextHopStat accumulates latency observations for one candidate next hop.
type nextHopStat struct {
	mac   state.MacAddress
	minUs int64
	sumUs int64
	count int64
	hops  uint32
}

func (s *nextHopStat) observe(latency time.Duration, measured bool, hops uint32) {
	s.hops = hops
	if !measured {
		return
	}
	us := latency.Microseconds()
	if s.count == 0 || us < s.minUs {
		s.minUs = us
	}
	s.sumUs += us
	s.count++
}

// score is the deterministic latency score: minimum plus average observed
// delay, both in microseconds.
func (s *nextHopStat) score() int64 {
	if s.count == 0 {
		return infScore
	}
	return s.minUs + s.sumUs/s.count
}

func (s *nextHopStat) avg() time.Duration {
	if s.count == 0 {
		return 0
	}
	return time.Duration(s.sumUs/s.count) * time.Microsecond
}

// lessCandidate orders candidates by (latency score, hops, MAC byte
// order); the MAC tie-break keeps selection stable across runs.
func lessCandidate(a, b *nextHopStat) bool {
	as, bs := a.score(), b.score()
	if as != bs {
		return as < bs
	}
	if a.hops != b.hops {
		return a.hops < b.hops
	}
	return a.mac.Compare(b.mac) < 0
}

// strictlyBetter reports whether a beats b on (latency score, hops)
// alone. The MAC tie-break deliberately does not count: an equivalent
// route must not displace a cached head.
func strictlyBetter(a, b *nextHopStat) bool {
	as, bs := a.score(), b.score()
	if as != bs {
		return as < bs
	}
	return a.hops < b.hops
}

// rankCandidates sorts the stat map into best-first order.
func rankCandidates(stats map[state.MacAddress]*nextHopStat) []*nextHopStat {
	ranked := make([]*nextHopStat, 0, len(stats))
	for _, s := range stats {
		ranked = append(ranked, s)
	}
	slices.SortFunc(ranked, func(a, b *nextHopStat) int {
		if lessCandidate(a, b) {
			return -1
		}
		if lessCandidate(b, a) {
			return 1
		}
		return 0
	})
	return ranked
}

func (s *nextHopStat) route() *Route {
	return &Route{
		NextHop:  s.mac,
		Hops:     s.hops,
		Latency:  s.avg(),
		Measured: s.count > 0,
	}
}
