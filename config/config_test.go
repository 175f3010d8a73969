package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cvkitio/worker/config"
)

const validYAML = `
receivers:
  - name: input
    type: file
    source: /data/test.mp4
preprocessors:
  - type: resize
    width: 640
detectors:
  - name: face_detector
    type: face_detector
    variant: cascade
    frequency_ms: 500
    scale: 1.0
workers:
  detect_workers: 3
`

const validJSON = `{
  "receivers": [{"name": "cam", "type": "webcam", "source": 0}],
  "detectors": [{"name": "faces", "type": "face_detector", "frequency_ms": 250}],
  "workers": {"detect_workers": 1}
}`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

// TestLoadYAML validates YAML parsing and field mapping.
func TestLoadYAML(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "cfg.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Receivers[0].Type != "file" || cfg.Receivers[0].Path() != "/data/test.mp4" {
		t.Errorf("receiver = %+v", cfg.Receivers[0])
	}
	if cfg.Preprocessors[0].Width != 640 || cfg.Preprocessors[0].Height != 0 {
		t.Errorf("preprocessor = %+v", cfg.Preprocessors[0])
	}
	d := cfg.Detectors[0]
	if d.Frequency() != 500*time.Millisecond {
		t.Errorf("Frequency() = %v, want 500ms", d.Frequency())
	}
	if cfg.Workers.DetectWorkers != 3 {
		t.Errorf("DetectWorkers = %d, want 3", cfg.Workers.DetectWorkers)
	}
}

// TestLoadJSON validates the JSON path, including a numeric webcam source.
func TestLoadJSON(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "cfg.json", validJSON))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	idx, err := cfg.Receivers[0].CameraIndex()
	if err != nil || idx != 0 {
		t.Errorf("CameraIndex() = %d, %v", idx, err)
	}
	if s := cfg.Detectors[0].EffectiveScale(); s != 1.0 {
		t.Errorf("EffectiveScale() = %v, want default 1.0", s)
	}
}

// TestValidateRejects exercises the pre-spawn validation failures; every
// one must wrap ErrInvalid so callers can classify it as a fatal config
// problem.
func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no receivers", `{"detectors": [{"name": "d", "type": "face_detector", "frequency_ms": 100}]}`},
		{"unknown receiver type", `{"receivers": [{"type": "carrier-pigeon", "source": "x"}], "detectors": [{"name": "d", "type": "face_detector", "frequency_ms": 100}]}`},
		{"no detectors", `{"receivers": [{"type": "webcam"}]}`},
		{"zero frequency", `{"receivers": [{"type": "webcam"}], "detectors": [{"name": "d", "type": "face_detector", "frequency_ms": 0}]}`},
		{"duplicate detector", `{"receivers": [{"type": "webcam"}], "detectors": [{"name": "d", "type": "face_detector", "frequency_ms": 1}, {"name": "d", "type": "face_detector", "frequency_ms": 1}]}`},
		{"unknown variant", `{"receivers": [{"type": "webcam"}], "detectors": [{"name": "d", "type": "face_detector", "variant": "psychic", "frequency_ms": 1}]}`},
		{"resize without targets", `{"receivers": [{"type": "webcam"}], "preprocessors": [{"type": "resize"}], "detectors": [{"name": "d", "type": "face_detector", "frequency_ms": 1}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, "bad.json", tc.body))
			if !errors.Is(err, config.ErrInvalid) {
				t.Errorf("Load() = %v, want ErrInvalid", err)
			}
		})
	}
}

// TestResolveWorkerCount validates the resolution priority:
// override > env > config > default.
func TestResolveWorkerCount(t *testing.T) {
	cfg := &config.Config{Workers: config.WorkerConfig{DetectWorkers: 5}}

	if n := cfg.ResolveWorkerCount(7); n != 7 {
		t.Errorf("override: got %d, want 7", n)
	}

	t.Setenv(config.EnvDetectWorkers, "4")
	if n := cfg.ResolveWorkerCount(0); n != 4 {
		t.Errorf("env: got %d, want 4", n)
	}

	t.Setenv(config.EnvDetectWorkers, "")
	if n := cfg.ResolveWorkerCount(0); n != 5 {
		t.Errorf("config: got %d, want 5", n)
	}

	empty := &config.Config{}
	if n := empty.ResolveWorkerCount(0); n != config.DefaultDetectWorkers {
		t.Errorf("default: got %d, want %d", n, config.DefaultDetectWorkers)
	}
}

// TestWatchFrequencyReload validates the hot-reload path: rewriting the
// config file with a changed frequency_ms emits exactly that update, and an
// invalid rewrite is ignored.
func TestWatchFrequencyReload(t *testing.T) {
	path := writeConfig(t, "cfg.yaml", validYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := config.Watch(ctx, path)
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	// Broken rewrite: must be ignored, pipeline keeps the last good config.
	if err := os.WriteFile(path, []byte("receivers: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	rewritten := []byte(`
receivers:
  - {name: input, type: file, source: /data/test.mp4}
detectors:
  - {name: face_detector, type: face_detector, frequency_ms: 250}
`)
	if err := os.WriteFile(path, rewritten, 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case upd := <-updates:
		if upd.Detector != "face_detector" || upd.Frequency != 250*time.Millisecond {
			t.Errorf("update = %+v, want face_detector @ 250ms", upd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no frequency update received")
	}
}
