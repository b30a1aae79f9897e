package vkmem

import (
	"log/slog"
	"sync"
)

// DefaultReleaseDelay is the number of Advance cycles a discarded allocation
// waits before its memory is freed. Three cycles covers triple-buffered
// rendering, where the GPU may still read an allocation discarded this frame
// for two more presentations.
const DefaultReleaseDelay = 3

// ReleaseSink accepts allocation tokens whose owners are done with them but
// which may still be referenced by in-flight device work.
type ReleaseSink interface {
	DiscardAllocations(allocs []Allocation)
}

type retiringSet struct {
	allocs     []Allocation
	cyclesLeft int
}

// ReleaseQueue defers freeing of discarded allocations for a fixed number of
// presentation cycles. The owner calls Advance once per cycle (typically once
// per present) and Flush during shutdown, after the device has gone idle.
type ReleaseQueue struct {
	mutex     sync.Mutex
	allocator *Allocator
	delay     int
	retiring  []retiringSet
}

// NewReleaseQueue creates a queue that frees allocations through allocator
// delayCycles Advance calls after they are discarded. A non-positive
// delayCycles selects DefaultReleaseDelay.
func NewReleaseQueue(allocator *Allocator, delayCycles int) *ReleaseQueue {
	if delayCycles <= 0 {
		delayCycles = DefaultReleaseDelay
	}
	return &ReleaseQueue{
		allocator: allocator,
		delay:     delayCycles,
	}
}

// DiscardAllocations takes ownership of every valid token in allocs and
// zeroes the caller's copies, so later use of the stale tokens fails Valid
// rather than touching reclaimed memory.
func (q *ReleaseQueue) DiscardAllocations(allocs []Allocation) {
	retired := make([]Allocation, 0, len(allocs))
	for i := range allocs {
		if !allocs[i].Valid() {
			continue
		}
		retired = append(retired, allocs[i])
		allocs[i] = Allocation{}
	}
	if len(retired) == 0 {
		return
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.retiring = append(q.retiring, retiringSet{
		allocs:     retired,
		cyclesLeft: q.delay,
	})
}

// Advance marks the passing of one presentation cycle and frees every set of
// allocations whose delay has elapsed.
func (q *ReleaseQueue) Advance() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	remaining := q.retiring[:0]
	for i := range q.retiring {
		q.retiring[i].cyclesLeft--
		if q.retiring[i].cyclesLeft <= 0 {
			q.allocator.FreeAllocations(q.retiring[i].allocs)
			continue
		}
		remaining = append(remaining, q.retiring[i])
	}
	q.retiring = remaining
}

// Flush immediately frees everything still waiting in the queue. Call it only
// when no device work referencing the discarded allocations remains.
func (q *ReleaseQueue) Flush() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.retiring) > 0 {
		q.allocator.logger.Debug("flushing release queue ahead of schedule",
			slog.Int("pendingSets", len(q.retiring)),
		)
	}
	for i := range q.retiring {
		q.allocator.FreeAllocations(q.retiring[i].allocs)
	}
	q.retiring = nil
}
