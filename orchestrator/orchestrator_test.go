package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cvkitio/worker/config"
	"github.com/cvkitio/worker/detect"
	"github.com/cvkitio/worker/frame"
	"github.com/cvkitio/worker/orchestrator"
	"github.com/cvkitio/worker/receiver"
	"github.com/cvkitio/worker/worker"
)

type countingDetector struct{}

func (countingDetector) Detect(f frame.Frame) ([]detect.Detection, error) {
	return []detect.Detection{{Label: "face", Confidence: 1}}, nil
}
func (countingDetector) Close() error { return nil }

func testConfig(freqMS float64, workers int) *config.Config {
	return &config.Config{
		Receivers: []config.ReceiverConfig{{Name: "cam", Type: "file", Source: "test.mp4"}},
		Detectors: []config.DetectorSpec{{
			Name:        "face",
			Type:        "face_detector",
			FrequencyMS: freqMS,
		}},
		Workers: config.WorkerConfig{DetectWorkers: workers},
	}
}

// TestPipelineEndToEnd validates the full assembly: a 10-frame source at
// 100ms against a 500ms detector yields exactly two processed results, the
// pipeline exits cleanly, and no slab slot leaks.
func TestPipelineEndToEnd(t *testing.T) {
	var (
		mu      sync.Mutex
		results []worker.Result
	)

	o, err := orchestrator.New(orchestrator.Config{
		Config: testConfig(500, 2),
		OnResult: func(r worker.Result) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		},
		OpenSource: func(config.ReceiverConfig) (receiver.Source, error) {
			return receiver.NewSynthetic(16, 8, 10, 100*time.Millisecond), nil
		},
		NewDetector: func(config.DetectorSpec) (detect.Detector, error) {
			return countingDetector{}, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Close()

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 2 {
		t.Fatalf("processed %d frames, want 2 (cadence 500ms over 1s of frames)", len(results))
	}
	for _, r := range results {
		if r.Detector != "face" || len(r.Detections) != 1 {
			t.Errorf("unexpected result %+v", r)
		}
	}

	stats := o.Stats()
	if stats.Producer.FramesRead != 10 {
		t.Errorf("frames read = %d, want 10", stats.Producer.FramesRead)
	}
	if stats.Producer.Published != 2 {
		t.Errorf("published = %d, want 2", stats.Producer.Published)
	}
	if stats.Slab.SlotsBusy != 0 {
		t.Errorf("%d slab slots still busy after drain", stats.Slab.SlotsBusy)
	}
}

// TestPipelineCancellation validates that cancelling the context stops the
// pipeline cleanly even with an endless source.
func TestPipelineCancellation(t *testing.T) {
	o, err := orchestrator.New(orchestrator.Config{
		Config:      testConfig(1, 1),
		GracePeriod: time.Second,
		OpenSource: func(config.ReceiverConfig) (receiver.Source, error) {
			// Effectively endless for the duration of this test.
			return receiver.NewSynthetic(16, 8, 1<<30, time.Millisecond), nil
		},
		NewDetector: func(config.DetectorSpec) (detect.Detector, error) {
			return countingDetector{}, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after cancellation")
	}
}

// TestAllWorkersFailing validates that a model missing for every worker
// surfaces as a Run error instead of a silent no-op pipeline.
func TestAllWorkersFailing(t *testing.T) {
	o, err := orchestrator.New(orchestrator.Config{
		Config:      testConfig(500, 2),
		GracePeriod: time.Second,
		OpenSource: func(config.ReceiverConfig) (receiver.Source, error) {
			return receiver.NewSynthetic(16, 8, 3, 100*time.Millisecond), nil
		},
		NewDetector: func(config.DetectorSpec) (detect.Detector, error) {
			return nil, detect.ErrModelMissing
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Close()

	if err := o.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded with every worker failing to load")
	}
}

// TestCloseIdempotent validates that the shutdown paths can race over
// Close.
func TestCloseIdempotent(t *testing.T) {
	o, err := orchestrator.New(orchestrator.Config{
		Config: testConfig(500, 1),
		OpenSource: func(config.ReceiverConfig) (receiver.Source, error) {
			return receiver.NewSynthetic(16, 8, 1, time.Millisecond), nil
		},
		NewDetector: func(config.DetectorSpec) (detect.Detector, error) {
			return countingDetector{}, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := o.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// TestRejectsMultipleReceivers validates the one-producer-per-process
// constraint.
func TestRejectsMultipleReceivers(t *testing.T) {
	cfg := testConfig(500, 1)
	cfg.Receivers = append(cfg.Receivers, config.ReceiverConfig{
		Name: "cam2", Type: "file", Source: "other.mp4",
	})

	_, err := orchestrator.New(orchestrator.Config{Config: cfg})
	if err == nil {
		t.Fatal("New accepted two receivers")
	}
}
