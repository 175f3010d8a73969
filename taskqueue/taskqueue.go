// Package taskqueue carries frame descriptors from the producer to the
// detect workers.
//
// The queue is bounded with a drop-oldest policy: the producer never blocks
// on a slow consumer, and under pressure the stalest descriptor is evicted
// (live detection wants the latest frame, not a backlog). Every eviction
// runs the queue's drop hook so the owner can release the evicted
// descriptor's slab slot — queue pressure must never leak slots.
//
// Shutdown uses a distinguished Stop sentinel: the producer (or the
// orchestrator on its behalf) fans out one sentinel per consumer, and a
// worker that dequeues one exits its loop. Dequeue takes a timeout so
// worker loops can poll their shutdown flag instead of hanging forever.
package taskqueue

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvkitio/worker/frame"
	"github.com/cvkitio/worker/frameslab"
)

// Descriptor is the job payload: a lightweight handle referencing a frame's
// slab slot plus the metadata a worker needs to process it. Immutable once
// enqueued; consumed exactly once by whichever worker dequeues it.
type Descriptor struct {
	// Detector names the detector this frame was published for.
	Detector string

	// FrameID is the source's monotonic frame sequence number.
	FrameID uint64

	// TraceID is a unique identifier for correlating log lines across the
	// producer and the consuming worker.
	TraceID string

	// Width, Height and Pixel describe the frame stored in the slab slot.
	Width  int
	Height int
	Pixel  frame.PixelFormat

	// EnqueuedAt is when the producer published the descriptor.
	EnqueuedAt time.Time

	// Slot references the slab slot holding the frame bytes.
	Slot frameslab.Handle
}

// Job is what Dequeue yields: either a descriptor or the Stop sentinel.
type Job struct {
	// Stop marks the shutdown sentinel. When true, Desc is zero.
	Stop bool
	Desc Descriptor
}

// DropFunc is invoked for every descriptor evicted by the drop-oldest
// policy (or rejected because the queue is closed). Typically wired to
// release the descriptor's slab slot.
type DropFunc func(Descriptor)

// Stats is a snapshot of queue activity.
type Stats struct {
	// Enqueued counts descriptors accepted.
	Enqueued uint64
	// Dropped counts descriptors evicted under pressure or rejected after close.
	Dropped uint64
	// Stops counts Stop sentinels pushed.
	Stops uint64
	// Depth is the number of jobs currently waiting.
	Depth int
}

// Queue is a bounded multi-producer/multi-consumer descriptor queue.
type Queue struct {
	mu     sync.Mutex
	jobs   chan Job
	onDrop DropFunc
	closed bool

	// overflowStops holds Stop sentinels that did not fit in the channel
	// (sentinel count exceeding capacity). Dequeue drains it first.
	overflowStops atomic.Int64

	enqueued uint64
	dropped  uint64
	stops    uint64
}

// DefaultCapacity bounds the queue when the caller passes 0. Sized for a
// burst of a few frames across a handful of detectors; anything deeper is
// stale work by definition.
const DefaultCapacity = 64

// New creates a queue with the given capacity (0 means DefaultCapacity).
// onDrop may be nil.
func New(capacity int, onDrop DropFunc) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if onDrop == nil {
		onDrop = func(Descriptor) {}
	}
	return &Queue{
		jobs:   make(chan Job, capacity),
		onDrop: onDrop,
	}
}

// Enqueue publishes a descriptor. Never blocks: when the queue is full the
// oldest descriptor is evicted (drop hook invoked, drop logged at debug).
//
// A Stop sentinel already in the queue is never evicted — if the oldest
// entry is a sentinel the queue is draining, so the new descriptor is the
// one dropped instead.
func (q *Queue) Enqueue(d Descriptor) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.dropped++
		q.onDrop(d)
		return
	}
	q.push(Job{Desc: d})
}

// PushStop fans out n Stop sentinels, one per consumer. Descriptors may be
// evicted to make room; a sentinel always gets in.
func (q *Queue) PushStop(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	for i := 0; i < n; i++ {
		q.push(Job{Stop: true})
		q.stops++
	}
}

// push inserts a job, evicting the oldest descriptor when full.
// Caller holds q.mu.
func (q *Queue) push(j Job) {
	for {
		select {
		case q.jobs <- j:
			if !j.Stop {
				q.enqueued++
			}
			return
		default:
		}

		// Full: evict the oldest entry.
		select {
		case old := <-q.jobs:
			if old.Stop {
				// Draining. Keep the sentinel; taking it from a full channel
				// freed exactly one slot, so putting it back cannot block.
				q.jobs <- old
				if j.Stop {
					// The channel is saturated with sentinels; park this one
					// in the overflow counter instead of evicting forever.
					q.overflowStops.Add(1)
					return
				}
				q.dropped++
				q.onDrop(j.Desc)
				slog.Debug("taskqueue: dropping descriptor, queue draining",
					"detector", j.Desc.Detector,
					"frame_id", j.Desc.FrameID,
					"trace_id", j.Desc.TraceID,
				)
				return
			}
			q.dropped++
			q.onDrop(old.Desc)
			slog.Debug("taskqueue: dropping oldest descriptor, queue full",
				"detector", old.Desc.Detector,
				"frame_id", old.Desc.FrameID,
				"trace_id", old.Desc.TraceID,
			)
		default:
			// Someone dequeued between our two selects; retry the send.
		}
	}
}

// Dequeue blocks up to timeout for the next job. Returns ok=false on
// timeout so polling loops can check their shutdown flag and come back.
//
// Overflow sentinels are delivered first: once sentinels outnumber channel
// slots the queue is draining and pending descriptors are stale anyway
// (Close returns their slots through the drop hook).
func (q *Queue) Dequeue(timeout time.Duration) (Job, bool) {
	if q.takeOverflowStop() {
		return Job{Stop: true}, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case j := <-q.jobs:
		return j, true
	case <-timer.C:
		if q.takeOverflowStop() {
			return Job{Stop: true}, true
		}
		return Job{}, false
	}
}

// takeOverflowStop claims one parked sentinel, if any.
func (q *Queue) takeOverflowStop() bool {
	for {
		n := q.overflowStops.Load()
		if n == 0 {
			return false
		}
		if q.overflowStops.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Stats returns a snapshot of queue activity.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Enqueued: q.enqueued,
		Dropped:  q.dropped,
		Stops:    q.stops,
		Depth:    len(q.jobs) + int(q.overflowStops.Load()),
	}
}

// Close marks the queue closed and drains leftover descriptors through the
// drop hook so their slab slots are returned. Waiting consumers are not
// interrupted; they time out and check their shutdown flag.
//
// Idempotent: safe to call multiple times.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true

	for {
		select {
		case j := <-q.jobs:
			if !j.Stop {
				q.dropped++
				q.onDrop(j.Desc)
			}
		default:
			return
		}
	}
}
