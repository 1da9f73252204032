package state

import (
	"log/slog"
	"time"
)

// LevelTrace sits below slog.LevelDebug; parse failures and per-frame
// forwarding decisions log here so they can be enabled independently.
const LevelTrace = slog.LevelDebug - 4

const (
	// PacketBufferSize bounds a single frame read from either interface.
	PacketBufferSize = 1500

	DefaultMtu              = 1436
	DefaultHelloHistory     = 10
	DefaultCachedCandidates = 3

	// EncryptionOverhead is the per-frame cost of payload encryption:
	// 12-byte nonce + 16-byte tag.
	EncryptionOverhead = 12 + 16
	MaxPlaintextSize   = PacketBufferSize - EncryptionOverhead
)

var (
	// ChannelQueueDepth sizes the intake buffer between channel senders
	// and the per-link delivery worker. The in-flight queue itself is
	// unbounded: the worker drains the intake into a growable deadline
	// heap, so sends are never rejected for backlog.
	ChannelQueueDepth = 1024

	// ClientCacheTTL ages out client-to-node associations that have not
	// been refreshed by upstream traffic.
	ClientCacheTTL = 5 * time.Minute
)
