// Package worker implements the detect workers: the pool of goroutines that
// consume frame descriptors from the task queue, borrow the frame bytes
// from the slab, and run detection.
//
// Failure scoping: a missing model kills the one worker that needed it
// (before its loop starts); a failed or panicking detection is logged and
// treated as zero detections, and the worker moves on. Every dequeued
// descriptor releases its slab slot exactly once, whatever happens during
// detection.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cvkitio/worker/detect"
	"github.com/cvkitio/worker/frame"
	"github.com/cvkitio/worker/frameslab"
	"github.com/cvkitio/worker/taskqueue"
)

// DefaultPollInterval bounds how long a worker waits on the queue before
// re-checking its context.
const DefaultPollInterval = 100 * time.Millisecond

// State is the worker lifecycle state, visible through Stats.
type State int32

const (
	StateIdle State = iota
	StateLoading
	StateWaiting
	StateProcessing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateWaiting:
		return "waiting"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Result is one processed descriptor's outcome, delivered to the result
// sink.
type Result struct {
	Detector   string
	FrameID    uint64
	TraceID    string
	Detections []detect.Detection
	// QueueWait is how long the descriptor sat in the queue.
	QueueWait time.Duration
	// Latency is the detection call's duration.
	Latency time.Duration
}

// ResultFunc receives results. Called from the worker goroutine; must not
// block on the pipeline.
type ResultFunc func(Result)

// Detectors maps detector name to backend. Each worker owns its own
// instances; backends are not shared across workers.
type Detectors map[string]detect.Detector

// Config wires a worker to its collaborators.
type Config struct {
	// ID distinguishes workers in logs.
	ID int
	// Load constructs the worker's detector set, one backend per configured
	// detector name. Run calls it once, before the loop; a load failure
	// (typically detect.ErrModelMissing) is fatal to this worker only.
	Load func() (Detectors, error)
	// Slab is where frame bytes live.
	Slab *frameslab.Slab
	// Queue is the descriptor source.
	Queue *taskqueue.Queue
	// OnResult receives detection results. Nil means results are only
	// logged.
	OnResult ResultFunc
	// PollInterval overrides DefaultPollInterval when positive.
	PollInterval time.Duration
}

// Stats is a snapshot of worker activity.
type Stats struct {
	State      State
	Processed  uint64
	Failed     uint64
	Detections uint64
	// LastLatency is the most recent detection call's duration.
	LastLatency time.Duration
}

// Worker consumes descriptors until a Stop sentinel or cancellation.
type Worker struct {
	id       int
	load     func() (Detectors, error)
	slab     *frameslab.Slab
	queue    *taskqueue.Queue
	onResult ResultFunc
	poll     time.Duration

	state       atomic.Int32
	processed   atomic.Uint64
	failed      atomic.Uint64
	detections  atomic.Uint64
	lastLatency atomic.Int64
}

// New validates the wiring and builds a worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Load == nil {
		return nil, fmt.Errorf("worker %d: detector loader is required", cfg.ID)
	}
	if cfg.Slab == nil {
		return nil, fmt.Errorf("worker %d: slab is required", cfg.ID)
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("worker %d: queue is required", cfg.ID)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Worker{
		id:       cfg.ID,
		load:     cfg.Load,
		slab:     cfg.Slab,
		queue:    cfg.Queue,
		onResult: cfg.OnResult,
		poll:     poll,
	}, nil
}

// Run loads the detectors and consumes descriptors until a Stop sentinel
// (returns nil) or ctx cancellation (returns ctx.Err()). A load failure is
// returned immediately without touching the queue.
func (w *Worker) Run(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateIdle), int32(StateLoading)) {
		return fmt.Errorf("worker %d: already started", w.id)
	}
	defer w.state.Store(int32(StateStopped))

	dets, err := w.load()
	if err != nil {
		if errors.Is(err, detect.ErrModelMissing) {
			slog.Error("worker: model missing, worker aborting", "worker", w.id, "error", err)
		} else {
			slog.Error("worker: detector load failed", "worker", w.id, "error", err)
		}
		return fmt.Errorf("worker %d: loading detectors: %w", w.id, err)
	}
	defer func() {
		for name, det := range dets {
			if err := det.Close(); err != nil {
				slog.Warn("worker: detector close failed",
					"worker", w.id, "detector", name, "error", err)
			}
		}
	}()

	slog.Info("worker: running", "worker", w.id, "detectors", len(dets))
	w.state.Store(int32(StateWaiting))

	for {
		if err := ctx.Err(); err != nil {
			slog.Info("worker: cancelled", "worker", w.id)
			return err
		}

		job, ok := w.queue.Dequeue(w.poll)
		if !ok {
			continue
		}
		if job.Stop {
			slog.Info("worker: stop sentinel received", "worker", w.id,
				"processed", w.processed.Load())
			return nil
		}

		w.state.Store(int32(StateProcessing))
		w.process(dets, job.Desc)
		w.state.Store(int32(StateWaiting))
	}
}

// process runs one descriptor through its named detector. The slab slot is
// released exactly once on every path.
func (w *Worker) process(dets Detectors, d taskqueue.Descriptor) {
	defer w.slab.Release(d.Slot)

	det, ok := dets[d.Detector]
	if !ok {
		// Config and queue disagree; should be impossible past validation.
		w.failed.Add(1)
		slog.Error("worker: no backend for descriptor",
			"worker", w.id, "detector", d.Detector,
			"frame_id", d.FrameID, "trace_id", d.TraceID)
		return
	}

	f, err := w.slab.View(d.Slot)
	if err != nil {
		// Stale or torn-down slot: nothing to detect on.
		w.failed.Add(1)
		slog.Warn("worker: slab view failed",
			"worker", w.id, "detector", d.Detector,
			"frame_id", d.FrameID, "trace_id", d.TraceID, "error", err)
		return
	}

	queueWait := time.Since(d.EnqueuedAt)
	start := time.Now()
	detections, err := safeDetect(det, f)
	latency := time.Since(start)
	w.lastLatency.Store(int64(latency))

	w.processed.Add(1)
	if err != nil {
		// Failed detection is zero detections, not a dead worker.
		w.failed.Add(1)
		slog.Error("worker: detection failed",
			"worker", w.id, "detector", d.Detector,
			"frame_id", d.FrameID, "trace_id", d.TraceID,
			"latency_ms", latency.Milliseconds(), "error", err)
		detections = nil
	}
	w.detections.Add(uint64(len(detections)))

	slog.Debug("worker: frame processed",
		"worker", w.id,
		"detector", d.Detector,
		"frame_id", d.FrameID,
		"trace_id", d.TraceID,
		"detections", len(detections),
		"queue_wait_ms", queueWait.Milliseconds(),
		"latency_ms", latency.Milliseconds(),
	)

	if w.onResult != nil {
		w.onResult(Result{
			Detector:   d.Detector,
			FrameID:    d.FrameID,
			TraceID:    d.TraceID,
			Detections: detections,
			QueueWait:  queueWait,
			Latency:    latency,
		})
	}
}

// safeDetect converts a detector panic into an error so one bad frame
// cannot take the worker down.
func safeDetect(det detect.Detector, f frame.Frame) (detections []detect.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return det.Detect(f)
}

// Stats returns a snapshot of worker activity.
func (w *Worker) Stats() Stats {
	return Stats{
		State:       State(w.state.Load()),
		Processed:   w.processed.Load(),
		Failed:      w.failed.Load(),
		Detections:  w.detections.Load(),
		LastLatency: time.Duration(w.lastLatency.Load()),
	}
}
