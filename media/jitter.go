package media

import "container/heap"

// JitterStats counts buffer events for diagnostics (spec §9
// supplemented feature: a counter surface mirroring
// PendingReplayStats in package ratchet). PoppedOnTime counts releases
// at or before their scheduled readyAt plus one target-delay window of
// slack; PoppedLate counts releases that slipped past that window
// (the caller's poll loop fell behind), still delivered rather than
// dropped.
type JitterStats struct {
	Pushed       int
	Dropped      int
	PoppedOnTime int
	PoppedLate   int
	Evicted      int
}

type jitterEntry struct {
	timestampMs uint64
	packet      *MediaPacket
}

type jitterHeap []jitterEntry

func (h jitterHeap) Len() int            { return len(h) }
func (h jitterHeap) Less(i, j int) bool  { return h[i].timestampMs < h[j].timestampMs }
func (h jitterHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jitterHeap) Push(x interface{}) { *h = append(*h, x.(jitterEntry)) }
func (h *jitterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// JitterBuffer reorders incoming media packets by timestamp and
// releases them on a fixed target-delay schedule (spec §4.4 "Jitter
// buffer").
type JitterBuffer struct {
	h          jitterHeap
	targetDelayMs uint64
	capacity   int

	haveBase       bool
	baseTimestampMs uint64
	baseLocalMs    uint64

	lastPopTimestampMs uint64
	haveLastPop        bool

	Stats JitterStats
}

// NewJitterBuffer returns an empty buffer with the given target
// delay and capacity.
func NewJitterBuffer(targetDelayMs uint64, capacity int) *JitterBuffer {
	return &JitterBuffer{targetDelayMs: targetDelayMs, capacity: capacity}
}

// Push inserts a packet observed at localMs wall-clock time, keyed by
// its frame's timestampMs. Packets at or before the last popped
// timestamp are dropped as late; once the buffer is at capacity, the
// oldest-timestamp entry is evicted to make room.
func (j *JitterBuffer) Push(timestampMs, localMs uint64, p *MediaPacket) {
	if j.haveLastPop && timestampMs <= j.lastPopTimestampMs {
		j.Stats.Dropped++
		return
	}
	if !j.haveBase {
		j.haveBase = true
		j.baseTimestampMs = timestampMs
		j.baseLocalMs = localMs
	}

	heap.Push(&j.h, jitterEntry{timestampMs: timestampMs, packet: p})
	j.Stats.Pushed++

	for j.capacity > 0 && j.h.Len() > j.capacity {
		heap.Pop(&j.h)
		j.Stats.Evicted++
	}
}

// readyAt computes the local time at which the head entry becomes
// eligible for release (spec §4.4).
func (j *JitterBuffer) readyAt(timestampMs uint64) uint64 {
	return j.baseLocalMs + j.targetDelayMs + (timestampMs - j.baseTimestampMs)
}

// PopReady returns the earliest-timestamp packet if its release time
// has arrived, or nil otherwise.
func (j *JitterBuffer) PopReady(nowMs uint64) *MediaPacket {
	if j.h.Len() == 0 {
		return nil
	}
	head := j.h[0]
	if nowMs < j.readyAt(head.timestampMs) {
		return nil
	}
	heap.Pop(&j.h)
	j.lastPopTimestampMs = head.timestampMs
	j.haveLastPop = true
	if nowMs-j.readyAt(head.timestampMs) > j.targetDelayMs {
		j.Stats.PoppedLate++
	} else {
		j.Stats.PoppedOnTime++
	}
	return head.packet
}

// Len reports the number of buffered packets.
func (j *JitterBuffer) Len() int { return j.h.Len() }
