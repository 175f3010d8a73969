package producer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cvkitio/worker/config"
	"github.com/cvkitio/worker/frameslab"
	"github.com/cvkitio/worker/producer"
	"github.com/cvkitio/worker/receiver"
	"github.com/cvkitio/worker/taskqueue"
)

// syntheticOpener wraps a deterministic synthetic source as a producer
// source opener.
func syntheticOpener(w, h, count int, interval time.Duration) func() (receiver.Source, error) {
	return func() (receiver.Source, error) {
		return receiver.NewSynthetic(w, h, count, interval), nil
	}
}

func newTestSlab(t *testing.T, slots int) *frameslab.Slab {
	t.Helper()
	slab, err := frameslab.New(8*4*3, slots)
	if err != nil {
		t.Fatalf("frameslab.New: %v", err)
	}
	t.Cleanup(func() { slab.Close() })
	return slab
}

func detectorSpec(name string, freqMS float64) config.DetectorSpec {
	return config.DetectorSpec{
		Name:        name,
		Type:        "face_detector",
		FrequencyMS: freqMS,
	}
}

// drain pulls jobs until n Stop sentinels are seen, returning the
// descriptors collected along the way.
func drain(t *testing.T, q *taskqueue.Queue, stops int) []taskqueue.Descriptor {
	t.Helper()
	var descs []taskqueue.Descriptor
	seen := 0
	for seen < stops {
		j, ok := q.Dequeue(time.Second)
		if !ok {
			t.Fatalf("Dequeue timed out with %d/%d sentinels seen", seen, stops)
		}
		if j.Stop {
			seen++
			continue
		}
		descs = append(descs, j.Desc)
	}
	return descs
}

// TestCadenceGating validates the downsampling contract: a source ticking
// every 100ms against a 500ms detector publishes exactly
// floor(duration/frequency)+1 descriptors (first frame fires, then every
// 500ms of frame time).
func TestCadenceGating(t *testing.T) {
	slab := newTestSlab(t, 4)
	queue := taskqueue.New(0, func(d taskqueue.Descriptor) { slab.Release(d.Slot) })
	defer queue.Close()

	p, err := producer.New(producer.Config{
		Open:      syntheticOpener(8, 4, 10, 100*time.Millisecond),
		Detectors: []config.DetectorSpec{detectorSpec("face", 500)},
		Slab:      slab,
		Queue:     queue,
		Consumers: 1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	descs := drain(t, queue, 1)
	if len(descs) != 2 {
		t.Fatalf("published %d descriptors, want 2 (frame times 0ms and 500ms)", len(descs))
	}
	if descs[0].FrameID != 1 || descs[1].FrameID != 6 {
		t.Errorf("published frames %d and %d, want 1 and 6",
			descs[0].FrameID, descs[1].FrameID)
	}
	for _, d := range descs {
		if d.Detector != "face" {
			t.Errorf("descriptor detector = %q", d.Detector)
		}
		if d.TraceID == "" {
			t.Error("descriptor missing trace id")
		}
		slab.Release(d.Slot)
	}

	stats := p.Stats()
	if stats.FramesRead != 10 || stats.Published != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.State != producer.StateStopped {
		t.Errorf("state = %v, want stopped", stats.State)
	}
}

// TestCadenceExactDivisor validates the no-drift property: when the frame
// interval exactly divides the frequency, every k-th frame fires with no
// accumulating phase error.
func TestCadenceExactDivisor(t *testing.T) {
	// Enough slots that nothing drops; cadence is the only gate.
	slab, err := frameslab.New(8*4*3, 8)
	if err != nil {
		t.Fatalf("frameslab.New: %v", err)
	}
	defer slab.Close()
	queue := taskqueue.New(0, func(d taskqueue.Descriptor) { slab.Release(d.Slot) })
	defer queue.Close()

	p, err := producer.New(producer.Config{
		Open:      syntheticOpener(8, 4, 12, 100*time.Millisecond),
		Detectors: []config.DetectorSpec{detectorSpec("face", 200)},
		Slab:      slab,
		Queue:     queue,
		Consumers: 1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	descs := drain(t, queue, 1)
	for _, d := range descs {
		slab.Release(d.Slot)
	}

	// 12 frames at 100ms, frequency 200ms: fires at 0, 200, ..., 1000 → 6,
	// every second frame, no phase drift.
	if len(descs) != 6 {
		t.Fatalf("fired %d times, want 6", len(descs))
	}
	for i, d := range descs {
		if want := uint64(2*i + 1); d.FrameID != want {
			t.Errorf("fire %d: frame %d, want %d", i, d.FrameID, want)
		}
	}
}

// TestCapacityDrop validates the backpressure contract: when every slab
// slot is held, the producer drops frames and keeps running.
func TestCapacityDrop(t *testing.T) {
	slab := newTestSlab(t, 2)
	// No drop hook: leaked slots are the point of this test.
	queue := taskqueue.New(0, nil)
	defer queue.Close()

	p, err := producer.New(producer.Config{
		Open:      syntheticOpener(8, 4, 5, 100*time.Millisecond),
		Detectors: []config.DetectorSpec{detectorSpec("face", 1)}, // every frame fires
		Slab:      slab,
		Queue:     queue,
		Consumers: 1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := p.Stats()
	if stats.Published != 2 {
		t.Errorf("published = %d, want 2 (slab has 2 slots)", stats.Published)
	}
	if stats.DroppedCapacity != 3 {
		t.Errorf("dropped = %d, want 3", stats.DroppedCapacity)
	}
}

// TestUpdateFrequency validates cadence hot-reload plumbing.
func TestUpdateFrequency(t *testing.T) {
	slab := newTestSlab(t, 2)
	queue := taskqueue.New(0, nil)
	defer queue.Close()

	p, err := producer.New(producer.Config{
		Open:      syntheticOpener(8, 4, 1, time.Millisecond),
		Detectors: []config.DetectorSpec{detectorSpec("face", 500)},
		Slab:      slab,
		Queue:     queue,
		Consumers: 1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !p.UpdateFrequency("face", 250*time.Millisecond) {
		t.Error("UpdateFrequency rejected a known detector")
	}
	if p.UpdateFrequency("pose", 250*time.Millisecond) {
		t.Error("UpdateFrequency accepted an unknown detector")
	}
	if p.UpdateFrequency("face", 0) {
		t.Error("UpdateFrequency accepted a zero frequency")
	}
}

// TestOversizedFrameFatal validates slot-size mismatch handling: a source
// whose frames exceed the slab's slot capacity fails the run on the first
// publish instead of warn-dropping every frame forever.
func TestOversizedFrameFatal(t *testing.T) {
	slab, err := frameslab.New(16, 2) // 8x4 BGR frames are 96 bytes
	if err != nil {
		t.Fatalf("frameslab.New: %v", err)
	}
	defer slab.Close()
	queue := taskqueue.New(0, nil)
	defer queue.Close()

	p, err := producer.New(producer.Config{
		Open:      syntheticOpener(8, 4, 5, time.Millisecond),
		Detectors: []config.DetectorSpec{detectorSpec("face", 1)},
		Slab:      slab,
		Queue:     queue,
		Consumers: 1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Run(context.Background()); !errors.Is(err, frameslab.ErrFrameTooLarge) {
		t.Fatalf("Run: err = %v, want ErrFrameTooLarge", err)
	}
	if j, ok := queue.Dequeue(time.Second); !ok || !j.Stop {
		t.Fatalf("expected stop sentinel after fatal run, got %+v ok=%v", j, ok)
	}
}

// TestOpenFailure validates that a source that cannot be acquired fails the
// run but still fans out stop sentinels so consumers drain.
func TestOpenFailure(t *testing.T) {
	slab := newTestSlab(t, 2)
	queue := taskqueue.New(0, nil)
	defer queue.Close()

	p, err := producer.New(producer.Config{
		Open:      func() (receiver.Source, error) { return nil, receiver.ErrSourceUnavailable },
		Detectors: []config.DetectorSpec{detectorSpec("face", 500)},
		Slab:      slab,
		Queue:     queue,
		Consumers: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Run(context.Background()); !errors.Is(err, receiver.ErrSourceUnavailable) {
		t.Fatalf("Run: err = %v, want ErrSourceUnavailable", err)
	}
	for i := 0; i < 2; i++ {
		j, ok := queue.Dequeue(time.Second)
		if !ok || !j.Stop {
			t.Fatalf("sentinel %d: ok=%v stop=%v", i, ok, j.Stop)
		}
	}
	if got := p.Stats().State; got != producer.StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
}

// TestRunRejectsSecondStart validates the single-run contract.
func TestRunRejectsSecondStart(t *testing.T) {
	slab := newTestSlab(t, 2)
	queue := taskqueue.New(0, nil)
	defer queue.Close()

	p, err := producer.New(producer.Config{
		Open:      syntheticOpener(8, 4, 1, time.Millisecond),
		Detectors: []config.DetectorSpec{detectorSpec("face", 500)},
		Slab:      slab,
		Queue:     queue,
		Consumers: 1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("second Run succeeded")
	}
}
