// Package orchestrator assembles and supervises the pipeline: shared frame
// slab, task queue, one producer, N detect workers, and the optional config
// watcher for cadence hot-reload.
//
// Lifecycle: Run blocks until the source ends (clean exit), the context is
// cancelled (clean exit), or the producer fails terminally. In every case
// the producer's Stop sentinels drain the workers; workers that outlive the
// grace period are abandoned and reported rather than waited on forever.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cvkitio/worker/config"
	"github.com/cvkitio/worker/detect"
	"github.com/cvkitio/worker/frameslab"
	"github.com/cvkitio/worker/preprocess"
	"github.com/cvkitio/worker/producer"
	"github.com/cvkitio/worker/receiver"
	"github.com/cvkitio/worker/taskqueue"
	"github.com/cvkitio/worker/worker"
)

// DefaultSlabSlots is the slot-ring depth when the caller does not size it.
// One in-flight frame per worker on a typical two-worker deployment, plus
// headroom for the producer's next write.
const DefaultSlabSlots = 4

// DefaultGracePeriod bounds how long shutdown waits for draining workers.
const DefaultGracePeriod = 5 * time.Second

// Config parameterizes an orchestrator.
type Config struct {
	// Config is the validated worker configuration.
	Config *config.Config
	// ConfigPath, when set, enables frequency hot-reload by watching the
	// file for rewrites.
	ConfigPath string
	// WorkerOverride forces the detect worker count (e.g. from --workers).
	WorkerOverride int
	// SlabSlots overrides DefaultSlabSlots when positive.
	SlabSlots int
	// QueueCapacity overrides the task queue's default capacity.
	QueueCapacity int
	// GracePeriod overrides DefaultGracePeriod when positive.
	GracePeriod time.Duration
	// OnResult receives every worker's detection results. Optional.
	OnResult worker.ResultFunc

	// OpenSource and NewDetector default to receiver.Open and detect.New;
	// tests inject fakes here.
	OpenSource  func(config.ReceiverConfig) (receiver.Source, error)
	NewDetector func(config.DetectorSpec) (detect.Detector, error)
}

// Orchestrator owns the pipeline's shared resources.
type Orchestrator struct {
	cfg        *config.Config
	configPath string
	grace      time.Duration

	slab    *frameslab.Slab
	queue   *taskqueue.Queue
	prod    *producer.Producer
	workers []*worker.Worker

	closeOnce sync.Once
	closeErr  error
}

// New builds the full pipeline from configuration. Everything that can fail
// fails here, before any goroutine is spawned: source open, chain
// construction, slab mapping, wiring validation. Detector models load later,
// inside each worker.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("orchestrator: config is required")
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	openSource := cfg.OpenSource
	if openSource == nil {
		openSource = receiver.Open
	}
	newDetector := cfg.NewDetector
	if newDetector == nil {
		newDetector = detect.New
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	chain, err := preprocess.NewChain(cfg.Config.Preprocessors)
	if err != nil {
		return nil, err
	}

	// Slot sizing: the preprocessed-frame bound, inflated when any detector
	// upscales before publishing.
	slotBytes := preprocess.MaxOutputBytes(cfg.Config.Preprocessors)
	maxScale := 1.0
	for _, d := range cfg.Config.Detectors {
		if s := d.EffectiveScale(); s > maxScale {
			maxScale = s
		}
	}
	if maxScale > 1.0 {
		slotBytes = int(float64(slotBytes)*maxScale*maxScale) + 1
	}
	slots := cfg.SlabSlots
	if slots <= 0 {
		slots = DefaultSlabSlots
	}

	slab, err := frameslab.New(slotBytes, slots)
	if err != nil {
		return nil, err
	}

	queue := taskqueue.New(cfg.QueueCapacity, func(d taskqueue.Descriptor) {
		slab.Release(d.Slot)
	})

	// First receiver only: one producer per process. Additional receivers
	// are validated but rejected here rather than silently ignored.
	if len(cfg.Config.Receivers) > 1 {
		slab.Close()
		return nil, fmt.Errorf("orchestrator: %d receivers configured, one per process supported",
			len(cfg.Config.Receivers))
	}
	receiverCfg := cfg.Config.Receivers[0]

	workerCount := cfg.Config.ResolveWorkerCount(cfg.WorkerOverride)

	prod, err := producer.New(producer.Config{
		Open:      func() (receiver.Source, error) { return openSource(receiverCfg) },
		Chain:     chain,
		Detectors: cfg.Config.Detectors,
		Slab:      slab,
		Queue:     queue,
		Consumers: workerCount,
	})
	if err != nil {
		slab.Close()
		return nil, err
	}

	specs := cfg.Config.Detectors
	workers := make([]*worker.Worker, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		w, err := worker.New(worker.Config{
			ID:       i + 1,
			Load:     detectorLoader(specs, newDetector),
			Slab:     slab,
			Queue:    queue,
			OnResult: cfg.OnResult,
		})
		if err != nil {
			slab.Close()
			return nil, err
		}
		workers = append(workers, w)
	}

	slog.Info("orchestrator: pipeline assembled",
		"receiver", receiverCfg.Type,
		"detectors", len(specs),
		"workers", workerCount,
		"slab_slots", slots,
		"slab_slot_bytes", slotBytes,
	)

	return &Orchestrator{
		cfg:        cfg.Config,
		configPath: cfg.ConfigPath,
		grace:      grace,
		slab:       slab,
		queue:      queue,
		prod:       prod,
		workers:    workers,
	}, nil
}

// detectorLoader builds the per-worker detector set factory. Each worker
// gets its own backend instances; on any failure the already-loaded ones
// are closed.
func detectorLoader(specs []config.DetectorSpec, newDetector func(config.DetectorSpec) (detect.Detector, error)) func() (worker.Detectors, error) {
	return func() (worker.Detectors, error) {
		dets := make(worker.Detectors, len(specs))
		for _, spec := range specs {
			det, err := newDetector(spec)
			if err != nil {
				for _, d := range dets {
					d.Close()
				}
				return nil, fmt.Errorf("loading %q: %w", spec.Name, err)
			}
			dets[spec.Name] = det
		}
		return dets, nil
	}
}

// Run drives the pipeline to completion.
//
// Returns nil when the source ends cleanly or ctx is cancelled; returns the
// producer's error on terminal source failure. Worker load failures are
// logged and reduce the pool but only fail Run when every worker is gone
// before the producer finishes.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cadence hot-reload, only when a config path was provided.
	if o.configPath != "" {
		updates, err := config.Watch(ctx, o.configPath)
		if err != nil {
			return err
		}
		go func() {
			for upd := range updates {
				if !o.prod.UpdateFrequency(upd.Detector, upd.Frequency) {
					slog.Warn("orchestrator: frequency update for unknown detector",
						"detector", upd.Detector)
				}
			}
		}()
	}

	var (
		wg         sync.WaitGroup
		workerErrs = make(chan error, len(o.workers))
	)
	for _, w := range o.workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				workerErrs <- err
			}
		}(w)
	}

	prodErr := o.prod.Run(ctx)

	// Producer is done and has fanned out its Stop sentinels. Give the
	// workers the grace period to drain, then abandon them.
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(o.grace):
		cancel()
		select {
		case <-drained:
		case <-time.After(o.grace):
			slog.Error("orchestrator: workers did not drain, abandoning",
				"grace", o.grace)
		}
	}

	close(workerErrs)
	loadFailures := 0
	for err := range workerErrs {
		loadFailures++
		slog.Error("orchestrator: worker failed", "error", err)
	}

	if errors.Is(prodErr, context.Canceled) {
		return nil
	}
	if prodErr != nil {
		return fmt.Errorf("orchestrator: producer failed: %w", prodErr)
	}
	if loadFailures == len(o.workers) && len(o.workers) > 0 {
		return fmt.Errorf("orchestrator: all %d workers failed", len(o.workers))
	}
	return nil
}

// Stats aggregates the pipeline's counters.
type Stats struct {
	Producer producer.Stats
	Slab     frameslab.Stats
	Queue    taskqueue.Stats
	Workers  []worker.Stats
}

// Stats returns a snapshot across all pipeline components.
func (o *Orchestrator) Stats() Stats {
	ws := make([]worker.Stats, 0, len(o.workers))
	for _, w := range o.workers {
		ws = append(ws, w.Stats())
	}
	return Stats{
		Producer: o.prod.Stats(),
		Slab:     o.slab.Stats(),
		Queue:    o.queue.Stats(),
		Workers:  ws,
	}
}

// Close releases the pipeline's shared resources. The producer releases the
// source itself when its Run ends. Idempotent: the signal path, normal
// completion and deferred cleanup may all call it.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.queue.Close()
		o.closeErr = o.slab.Close()
	})
	return o.closeErr
}
