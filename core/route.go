package core

import (
	"fmt"
	"time"

	"github.com/GomesGoncalo/vigilant-parakeet/state"
)

// Route is a materialized next-hop decision. It is a small value type on
// purpose: holding references into the routing maps across mutations is
// what this avoids.
type Route struct {
	NextHop state.MacAddress
	Hops    uint32
	// Latency is the average observed delay toward the target via
	// NextHop; meaningful only when Measured is true.
	Latency  time.Duration
	Measured bool
}

func (r Route) String() string {
	if r.Measured {
		return fmt.Sprintf("%s (hops=%d, latency=%s)", r.NextHop, r.Hops, r.Latency)
	}
	return fmt.Sprintf("%s (hops=%d)", r.NextHop, r.Hops)
}
