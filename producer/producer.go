// Package producer implements the frame producer: the single goroutine that
// reads frames from a source, runs the preprocessing chain, and publishes
// frame descriptors to the task queue at each detector's cadence.
//
// Cadence gating happens against the frame's own timestamp, not wall time,
// so a recorded file replays deterministically and tests need no sleeps.
// A detector fires when at least its frequency has elapsed since its last
// firing; the first frame always fires. Frames no detector wants are
// discarded before preprocessing — there is no point resizing a frame
// nobody will look at.
//
// The producer never blocks on downstream: a full slab drops the frame for
// that detector (the cadence slot is consumed regardless), and the queue's
// own drop-oldest policy handles queue pressure.
package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cvkitio/worker/config"
	"github.com/cvkitio/worker/frame"
	"github.com/cvkitio/worker/frameslab"
	"github.com/cvkitio/worker/preprocess"
	"github.com/cvkitio/worker/receiver"
	"github.com/cvkitio/worker/taskqueue"
)

// State is the producer lifecycle state, visible through Stats.
type State int32

const (
	StateIdle State = iota
	StateOpening
	StateStreaming
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// gate tracks one detector's cadence. lastFire is touched only by the Run
// goroutine; frequency is atomic so hot-reload can adjust it mid-run.
type gate struct {
	name     string
	scale    float64
	freqNS   atomic.Int64
	lastFire time.Time
}

// due reports whether the gate fires for a frame captured at ts.
func (g *gate) due(ts time.Time) bool {
	if g.lastFire.IsZero() {
		return true
	}
	return ts.Sub(g.lastFire) >= time.Duration(g.freqNS.Load())
}

// Config wires a producer to its collaborators.
type Config struct {
	// Open acquires the video source. Called once, inside Run, so source
	// failures happen in the producer's Opening state rather than at
	// assembly time. The producer owns the returned source and releases it
	// when streaming ends.
	Open      func() (receiver.Source, error)
	Chain     *preprocess.Chain
	Detectors []config.DetectorSpec
	Slab      *frameslab.Slab
	Queue     *taskqueue.Queue
	// Consumers is how many Stop sentinels to fan out when the source ends.
	Consumers int
}

// Stats is a snapshot of producer activity.
type Stats struct {
	State            State
	FramesRead       uint64
	Published        uint64
	DroppedCapacity  uint64
	DroppedTransform uint64
}

// Producer reads, preprocesses and publishes frames. One goroutine calls
// Run; Stats and UpdateFrequency are safe from anywhere.
type Producer struct {
	open      func() (receiver.Source, error)
	chain     *preprocess.Chain
	slab      *frameslab.Slab
	queue     *taskqueue.Queue
	gates     []*gate
	consumers int

	state            atomic.Int32
	framesRead       atomic.Uint64
	published        atomic.Uint64
	droppedCapacity  atomic.Uint64
	droppedTransform atomic.Uint64
}

// New validates the wiring and builds a producer. Fail-fast: a producer
// with no source, queue, slab or detectors is a bug, not a runtime
// condition.
func New(cfg Config) (*Producer, error) {
	if cfg.Open == nil {
		return nil, fmt.Errorf("producer: source opener is required")
	}
	if cfg.Slab == nil {
		return nil, fmt.Errorf("producer: slab is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("producer: queue is required")
	}
	if len(cfg.Detectors) == 0 {
		return nil, fmt.Errorf("producer: at least one detector is required")
	}
	if cfg.Consumers <= 0 {
		return nil, fmt.Errorf("producer: consumer count %d invalid", cfg.Consumers)
	}
	if cfg.Chain == nil {
		cfg.Chain = &preprocess.Chain{}
	}

	gates := make([]*gate, 0, len(cfg.Detectors))
	for _, d := range cfg.Detectors {
		g := &gate{name: d.Name, scale: d.EffectiveScale()}
		g.freqNS.Store(int64(d.Frequency()))
		gates = append(gates, g)
	}

	return &Producer{
		open:      cfg.Open,
		chain:     cfg.Chain,
		slab:      cfg.Slab,
		queue:     cfg.Queue,
		gates:     gates,
		consumers: cfg.Consumers,
	}, nil
}

// Run opens the source and reads frames until it ends or fails, or ctx is
// cancelled.
//
// Returns nil on a clean end of stream, ctx.Err() on cancellation, and the
// source/open error otherwise. On every exit path the producer fans out one
// Stop sentinel per consumer so workers drain instead of hanging, and
// releases the source.
func (p *Producer) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateOpening)) {
		return fmt.Errorf("producer: already started")
	}
	defer p.state.Store(int32(StateStopped))
	defer p.queue.PushStop(p.consumers)
	defer p.state.Store(int32(StateDraining))

	source, err := p.open()
	if err != nil {
		slog.Error("producer: source open failed", "error", err)
		return err
	}
	defer source.Close()

	p.state.Store(int32(StateStreaming))
	slog.Info("producer: streaming",
		"detectors", len(p.gates),
		"preprocess_stages", p.chain.Len(),
		"consumers", p.consumers,
	)

	for {
		if err := ctx.Err(); err != nil {
			slog.Info("producer: cancelled")
			return err
		}

		f, err := source.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				slog.Info("producer: end of stream",
					"frames_read", p.framesRead.Load(),
					"published", p.published.Load(),
				)
				return nil
			}
			slog.Error("producer: source failed", "error", err)
			return err
		}
		p.framesRead.Add(1)

		due := p.dueGates(f.Timestamp)
		if len(due) == 0 {
			continue
		}

		out, err := p.chain.Process(f)
		if err != nil {
			p.droppedTransform.Add(1)
			slog.Warn("producer: preprocessing failed, dropping frame",
				"frame_id", f.Seq, "error", err)
			continue
		}

		for _, g := range due {
			g.lastFire = f.Timestamp
			if err := p.dispatch(g, out); err != nil {
				// Slab closed under us: shutdown is in progress.
				return err
			}
		}
	}
}

// dueGates collects the gates that fire for a frame captured at ts.
func (p *Producer) dueGates(ts time.Time) []*gate {
	var due []*gate
	for _, g := range p.gates {
		if g.due(ts) {
			due = append(due, g)
		}
	}
	return due
}

// dispatch publishes one frame to one detector: per-detector scaling, slab
// write, descriptor enqueue. A full slab drops the frame for this detector
// only.
func (p *Producer) dispatch(g *gate, f frame.Frame) error {
	scaled, err := preprocess.ScaleFrame(f, g.scale)
	if err != nil {
		p.droppedTransform.Add(1)
		slog.Warn("producer: scaling failed, dropping frame",
			"detector", g.name, "frame_id", f.Seq, "error", err)
		return nil
	}

	handle, err := p.slab.Write(scaled)
	switch {
	case errors.Is(err, frameslab.ErrCapacityExceeded):
		p.droppedCapacity.Add(1)
		slog.Debug("producer: slab full, dropping frame",
			"detector", g.name, "frame_id", scaled.Seq)
		return nil
	case errors.Is(err, frameslab.ErrClosed):
		return err
	case errors.Is(err, frameslab.ErrFrameTooLarge):
		// Slot sizing is wrong for this source; every subsequent frame would
		// fail the same way, so fail the run instead of publishing nothing.
		slog.Error("producer: frame exceeds slab slot",
			"detector", g.name, "frame_id", scaled.Seq,
			"bytes", len(scaled.Data), "error", err)
		return err
	case err != nil:
		p.droppedTransform.Add(1)
		slog.Warn("producer: slab write failed, dropping frame",
			"detector", g.name, "frame_id", scaled.Seq, "error", err)
		return nil
	}

	desc := taskqueue.Descriptor{
		Detector:   g.name,
		FrameID:    scaled.Seq,
		TraceID:    uuid.New().String(),
		Width:      scaled.Width,
		Height:     scaled.Height,
		Pixel:      scaled.Pixel,
		EnqueuedAt: time.Now(),
		Slot:       handle,
	}
	p.queue.Enqueue(desc)
	p.published.Add(1)

	slog.Debug("producer: descriptor published",
		"detector", g.name,
		"frame_id", desc.FrameID,
		"trace_id", desc.TraceID,
		"width", desc.Width,
		"height", desc.Height,
	)
	return nil
}

// UpdateFrequency changes a detector's cadence mid-run (config hot-reload).
// Reports whether the detector exists. Non-positive frequencies are
// rejected.
func (p *Producer) UpdateFrequency(detector string, freq time.Duration) bool {
	if freq <= 0 {
		return false
	}
	for _, g := range p.gates {
		if g.name == detector {
			old := time.Duration(g.freqNS.Swap(int64(freq)))
			slog.Info("producer: detector frequency updated",
				"detector", detector, "old", old, "new", freq)
			return true
		}
	}
	return false
}

// Stats returns a snapshot of producer activity.
func (p *Producer) Stats() Stats {
	return Stats{
		State:            State(p.state.Load()),
		FramesRead:       p.framesRead.Load(),
		Published:        p.published.Load(),
		DroppedCapacity:  p.droppedCapacity.Load(),
		DroppedTransform: p.droppedTransform.Load(),
	}
}
