package core

import "sync/atomic"

// Metrics are per-node counters. They are bumped from the forwarding
// loops, so everything is atomic; readers are tests and status dumps.
type Metrics struct {
	LoopDetected         atomic.Uint64
	ParseFailures        atomic.Uint64
	UpstreamSendFailures atomic.Uint64
	DecryptFailures      atomic.Uint64
	HeartbeatsSent       atomic.Uint64
	FramesForwarded      atomic.Uint64
}
