package core

import (
	"time"

	"github.com/GomesGoncalo/vigilant-parakeet/state"
	"github.com/gammazero/deque"
)

// latencySample is one observed reply delay and the neighbour that
// carried the reply to us.
type latencySample struct {
	delay   time.Duration
	carrier state.MacAddress
}

// observation records that a node answered a heartbeat, seen through a
// given transit neighbour.
type observation struct {
	hops     uint32
	via      state.MacAddress
	latency  time.Duration
	measured bool
}

// heartbeatRecord is the per-(origin, sequence) routing state.
type heartbeatRecord struct {
	// seenAt is when we first observed this sequence, boot-relative.
	seenAt time.Duration
	// nextUpstream is the neighbour whose copy of the heartbeat arrived
	// first: our hop toward the origin.
	nextUpstream state.MacAddress
	hops         uint32
	latencies    []latencySample
	// downstream maps answering nodes to the transit neighbours their
	// replies arrived through.
	downstream map[state.MacAddress][]observation
}

func newHeartbeatRecord(seenAt time.Duration, nextUpstream state.MacAddress, hops uint32) *heartbeatRecord {
	return &heartbeatRecord{
		seenAt:       seenAt,
		nextUpstream: nextUpstream,
		hops:         hops,
		downstream:   make(map[state.MacAddress][]observation),
	}
}

// sequenceHistory is a bounded per-origin heartbeat history. Insertion
// order is tracked in a ring-backed deque so evicting the oldest sequence
// is O(1); sequences only grow between wraparound resets, so the front is
// always the smallest stored id.
type sequenceHistory struct {
	limit   int
	order   deque.Deque[uint32]
	records map[uint32]*heartbeatRecord
}

func newSequenceHistory(limit int) *sequenceHistory {
	return &sequenceHistory{
		limit:   limit,
		records: make(map[uint32]*heartbeatRecord, limit),
	}
}

func (h *sequenceHistory) len() int { return h.order.Len() }

func (h *sequenceHistory) oldest() (uint32, bool) {
	if h.order.Len() == 0 {
		return 0, false
	}
	return h.order.Front(), true
}

func (h *sequenceHistory) get(id uint32) (*heartbeatRecord, bool) {
	rec, ok := h.records[id]
	return rec, ok
}

// insert stores a new record, evicting the oldest when the bound is hit.
// Callers handle wraparound (clear) and duplicates (get) beforehand.
func (h *sequenceHistory) insert(id uint32, rec *heartbeatRecord) {
	if _, ok := h.records[id]; ok {
		return
	}
	for h.order.Len() >= h.limit {
		evicted := h.order.PopFront()
		delete(h.records, evicted)
	}
	h.order.PushBack(id)
	h.records[id] = rec
}

func (h *sequenceHistory) clear() {
	h.order.Clear()
	clear(h.records)
}

// each visits records in insertion order.
func (h *sequenceHistory) each(visit func(id uint32, rec *heartbeatRecord)) {
	for i := 0; i < h.order.Len(); i++ {
		id := h.order.At(i)
		visit(id, h.records[id])
	}
}
