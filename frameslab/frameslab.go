// Package frameslab implements the shared frame region: a bounded ring of
// frame-sized slots with per-slot outstanding-reader counts.
//
// Philosophy (same as the rest of the pipeline): "Drop frames, never queue.
// Latency > Completeness." The single producer writes the latest frame into
// a free slot; if every slot is still held by a reader, the write fails with
// ErrCapacityExceeded and the producer drops that frame rather than block or
// tear a frame a reader is still looking at.
//
// Discipline:
//   - Single writer: only the producer calls Write.
//   - Write reserves a free slot (reader count zero), copies the bytes, and
//     hands back a Handle carrying the slot's write generation.
//   - View returns a zero-copy borrow of the slot's bytes; the borrow is
//     valid until Release. A handle whose generation no longer matches the
//     slot (the slot was released and reused) is rejected with
//     ErrStaleHandle instead of silently serving someone else's frame.
//   - Release decrements the reader count; at zero the slot is reusable.
//
// The backing region is a single anonymous shared mapping (see region_unix.go),
// sized once at construction to slotBytes x slotCount and unmapped exactly
// once: on Close, or on the last Release when readers still hold borrows at
// Close time. Close is idempotent: shutdown may race in from the signal
// path, normal completion, and an exit hook, and only the first call tears
// down.
package frameslab

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cvkitio/worker/frame"
)

var (
	// ErrCapacityExceeded means every slot is held by outstanding readers.
	// This is backpressure, not corruption: the caller should drop the
	// current frame and carry on.
	ErrCapacityExceeded = errors.New("frameslab: all slots held by outstanding readers")

	// ErrFrameTooLarge means the frame does not fit in a slot.
	ErrFrameTooLarge = errors.New("frameslab: frame exceeds slot capacity")

	// ErrStaleHandle means the handle's slot has been released and reused
	// since the handle was issued.
	ErrStaleHandle = errors.New("frameslab: handle refers to a reused slot")

	// ErrClosed means the slab has been torn down.
	ErrClosed = errors.New("frameslab: slab closed")
)

// Handle identifies a written frame inside the slab. It is small enough to
// travel through the task queue by value; the frame bytes never do.
type Handle struct {
	slot int
	gen  uint64
}

// slot is the per-slot bookkeeping. The pixel metadata is recorded at write
// time so View can reconstruct a frame.Frame without a side channel.
type slot struct {
	gen       uint64 // write generation, 0 = never written
	readers   int    // outstanding View borrows (1 reserved at Write)
	length    int
	width     int
	height    int
	pixel     frame.PixelFormat
	seq       uint64
	timestamp time.Time
}

// Slab is the shared frame region. All methods are safe for concurrent use;
// writer exclusivity (one goroutine calling Write) is the caller's contract.
type Slab struct {
	mu     sync.Mutex
	region []byte
	slots  []slot

	slotBytes int

	writes uint64
	drops  uint64
	gen    uint64

	closed       bool
	unmapPending bool
	closeErr     error
}

// Stats is a snapshot of slab activity, for operational monitoring.
type Stats struct {
	// Writes is the total number of successful slot writes.
	Writes uint64
	// Drops counts writes rejected with ErrCapacityExceeded.
	Drops uint64
	// SlotsBusy is the number of slots currently held by readers.
	SlotsBusy int
	// Slots is the configured slot count.
	Slots int
	// SlotBytes is the per-slot capacity in bytes.
	SlotBytes int
}

// New creates a slab of slotCount slots of slotBytes each, backed by a
// single shared mapping.
//
// slotCount must be at least 2: with a single slot, a slow reader and the
// next write would race over the same bytes, which is exactly the corruption
// this design exists to prevent.
func New(slotBytes, slotCount int) (*Slab, error) {
	if slotBytes <= 0 {
		return nil, fmt.Errorf("frameslab: invalid slot size %d", slotBytes)
	}
	if slotCount < 2 {
		return nil, fmt.Errorf("frameslab: slot count %d too small (need >= 2)", slotCount)
	}

	region, err := mapRegion(slotBytes * slotCount)
	if err != nil {
		return nil, fmt.Errorf("frameslab: failed to map %d bytes: %w", slotBytes*slotCount, err)
	}

	return &Slab{
		region:    region,
		slots:     make([]slot, slotCount),
		slotBytes: slotBytes,
	}, nil
}

// Write copies the frame's bytes into the next free slot and returns a
// handle reserving one read of it.
//
// Semantics:
//   - Non-blocking: returns ErrCapacityExceeded immediately when no slot is
//     free, so a stalled consumer can never stall the producer.
//   - The returned handle carries one outstanding-reader reservation; the
//     eventual reader must call Release exactly once.
func (s *Slab) Write(f frame.Frame) (Handle, error) {
	if len(f.Data) > s.slotBytes {
		return Handle{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(f.Data), s.slotBytes)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Handle{}, ErrClosed
	}

	idx := -1
	for i := range s.slots {
		if s.slots[i].readers == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.drops++
		s.mu.Unlock()
		return Handle{}, ErrCapacityExceeded
	}

	s.gen++
	s.writes++
	sl := &s.slots[idx]
	sl.gen = s.gen
	sl.readers = 1 // reserved for the descriptor's consumer
	sl.length = len(f.Data)
	sl.width = f.Width
	sl.height = f.Height
	sl.pixel = f.Pixel
	sl.seq = f.Seq
	sl.timestamp = f.Timestamp
	handle := Handle{slot: idx, gen: sl.gen}
	s.mu.Unlock()

	// Copy outside the lock: the slot is reserved (readers=1) so no reader
	// holds it and no writer can reclaim it, and single-writer discipline
	// means nobody else writes concurrently.
	copy(s.region[idx*s.slotBytes:], f.Data)

	return handle, nil
}

// View returns a zero-copy borrow of the frame referenced by the handle.
// The returned frame's Data aliases the slab region and is valid until
// Release(h) is called.
func (s *Slab) View(h Handle) (frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return frame.Frame{}, ErrClosed
	}
	if h.slot < 0 || h.slot >= len(s.slots) {
		return frame.Frame{}, ErrStaleHandle
	}
	sl := &s.slots[h.slot]
	if sl.gen != h.gen || sl.readers == 0 {
		return frame.Frame{}, ErrStaleHandle
	}

	off := h.slot * s.slotBytes
	return frame.Frame{
		Seq:       sl.seq,
		Timestamp: sl.timestamp,
		Width:     sl.width,
		Height:    sl.height,
		Pixel:     sl.pixel,
		Data:      s.region[off : off+sl.length : off+sl.length],
	}, nil
}

// Retain adds an additional outstanding-reader reservation to the handle,
// for fan-out of one written frame to more than one consumer. Each retained
// reference needs its own Release.
func (s *Slab) Retain(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if h.slot < 0 || h.slot >= len(s.slots) {
		return ErrStaleHandle
	}
	sl := &s.slots[h.slot]
	if sl.gen != h.gen || sl.readers == 0 {
		return ErrStaleHandle
	}
	sl.readers++
	return nil
}

// Release returns the handle's reservation. When the slot's outstanding
// reader count reaches zero it becomes eligible for the next Write.
//
// Releasing a stale handle is a no-op: during shutdown, drop hooks and
// worker defers can race over the same descriptor, and the second release
// must not free a slot that has since been rewritten.
//
// Release still works after Close: a borrow taken before Close must be
// returnable, and the last one triggers the deferred unmap.
func (s *Slab) Release(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.region == nil || h.slot < 0 || h.slot >= len(s.slots) {
		return
	}
	sl := &s.slots[h.slot]
	if sl.gen != h.gen || sl.readers == 0 {
		return
	}
	sl.readers--

	if s.unmapPending && s.busyLocked() == 0 {
		s.unmapPending = false
		s.unmapLocked()
	}
}

// Stats returns a snapshot of slab activity.
func (s *Slab) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Writes:    s.writes,
		Drops:     s.drops,
		SlotsBusy: s.busyLocked(),
		Slots:     len(s.slots),
		SlotBytes: s.slotBytes,
	}
}

// Close tears down the slab and unmaps the backing region.
//
// Idempotent: multiple shutdown paths (signal handler, normal completion,
// exit hook) may all call Close; only the first performs work.
//
// Slots with outstanding readers keep the mapping alive: View hands out
// zero-copy borrows into the region, so unmapping under a straggling reader
// (an abandoned worker mid-detect) would fault it. Close marks the slab
// closed immediately, rejecting new writes and borrows, and the last
// Release performs the unmap.
func (s *Slab) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.closeErr
	}
	s.closed = true

	if s.busyLocked() > 0 {
		s.unmapPending = true
		return nil
	}
	return s.unmapLocked()
}

// busyLocked counts slots with outstanding readers. Caller holds s.mu.
func (s *Slab) busyLocked() int {
	busy := 0
	for i := range s.slots {
		if s.slots[i].readers > 0 {
			busy++
		}
	}
	return busy
}

// unmapLocked releases the backing region exactly once. Caller holds s.mu.
func (s *Slab) unmapLocked() error {
	region := s.region
	s.region = nil
	if region != nil {
		s.closeErr = unmapRegion(region)
	}
	return s.closeErr
}
