package registry

import "github.com/srg/linkmux/ca"

// PendingQueue buffers payloads for a device that is not yet connected,
// flushed in FIFO order once the socket comes up. It is bounded: Append
// applies backpressure instead of growing without limit.
//
// Like the registry, it does no locking; the owning adapter's mutex covers
// every call.
type PendingQueue struct {
	entries  [][]byte
	capacity int
}

// NewPendingQueue creates a queue holding at most capacity payloads.
// A non-positive capacity panics: the bound is the whole point.
func NewPendingQueue(capacity int) *PendingQueue {
	if capacity <= 0 {
		panic("registry: pending queue capacity must be > 0")
	}
	return &PendingQueue{capacity: capacity}
}

// Append copies data and enqueues it; the caller keeps ownership of the
// original slice. Returns ErrAllocFailed when the queue is full — the
// caller must roll back any registry insertion it performed speculatively
// for this send, so no orphaned device lingers with neither data nor a
// connect attempt in flight.
func (q *PendingQueue) Append(data []byte) error {
	if len(q.entries) >= q.capacity {
		return ca.Errorf(ca.AllocFailed, "pending queue full (%d entries)", q.capacity)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	q.entries = append(q.entries, buf)
	return nil
}

// Front returns the oldest payload without removing it, or nil when empty.
func (q *PendingQueue) Front() []byte {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// RemoveFront drops the oldest entry after a successful send.
func (q *PendingQueue) RemoveFront() {
	if len(q.entries) == 0 {
		return
	}
	q.entries[0] = nil
	q.entries = q.entries[1:]
}

// RemoveAll drops every entry. Used when a connection attempt permanently
// fails; the upper layer retries at its own protocol level.
func (q *PendingQueue) RemoveAll() {
	for i := range q.entries {
		q.entries[i] = nil
	}
	q.entries = q.entries[:0]
}

// Len returns the number of buffered payloads.
func (q *PendingQueue) Len() int {
	return len(q.entries)
}
