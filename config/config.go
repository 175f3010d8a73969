// Package config loads and validates the worker configuration.
//
// Schema (YAML or JSON, chosen by file extension):
//
//	receivers:
//	  - {name: cam, type: webcam, source: 0}
//	preprocessors:
//	  - {type: resize, width: 640}
//	  - {type: grayscale}
//	detectors:
//	  - {name: face_detector, type: face_detector, variant: cascade,
//	     frequency_ms: 500, scale: 1.0, model_path: haarcascade.xml, device: cpu}
//	workers:
//	  detect_workers: 2
//
// Validation happens once, before anything is spawned; at runtime the
// parsed structures are read-only (the single exception is detector
// frequency hot-reload, see watcher.go, which goes through the producer's
// own atomic update path rather than mutating the config).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure. Fatal pre-spawn.
var ErrInvalid = errors.New("config: invalid")

// EnvConfigPath overrides the --config flag when set.
const EnvConfigPath = "CVKIT_CONFIG"

// EnvDetectWorkers overrides the configured worker count when set.
const EnvDetectWorkers = "CVKIT_DETECT_WORKERS"

// DefaultDetectWorkers is used when neither override, env, nor config
// specify a worker count.
const DefaultDetectWorkers = 2

// Config is the root of the worker configuration.
type Config struct {
	Receivers     []ReceiverConfig     `yaml:"receivers" json:"receivers"`
	Preprocessors []PreprocessorConfig `yaml:"preprocessors" json:"preprocessors"`
	Detectors     []DetectorSpec       `yaml:"detectors" json:"detectors"`
	Workers       WorkerConfig         `yaml:"workers" json:"workers"`
}

// ReceiverConfig selects and parameterizes a video source.
type ReceiverConfig struct {
	Name string `yaml:"name" json:"name"`
	// Type is one of "file", "webcam", "rtsp".
	Type string `yaml:"type" json:"type"`
	// Source is a path or URL for file/rtsp receivers, or a camera index
	// (number or numeric string) for webcams.
	Source any `yaml:"source" json:"source"`
}

// Path returns the source as a string (file path or URL).
func (r ReceiverConfig) Path() string {
	s, _ := r.Source.(string)
	return s
}

// CameraIndex returns the source as a webcam device index. Accepts the
// numeric types the YAML and JSON decoders produce, plus numeric strings;
// a missing source defaults to device 0.
func (r ReceiverConfig) CameraIndex() (int, error) {
	switch v := r.Source.(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		idx, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: webcam source %q is not a device index", ErrInvalid, v)
		}
		return idx, nil
	default:
		return 0, fmt.Errorf("%w: webcam source %v has unsupported type %T", ErrInvalid, v, v)
	}
}

// PreprocessorConfig parameterizes one stage of the preprocessing chain.
type PreprocessorConfig struct {
	// Type is one of "resize", "grayscale".
	Type string `yaml:"type" json:"type"`
	// Width/Height are resize targets; zero means unset. With only one set,
	// the other is derived preserving aspect ratio.
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// DetectorSpec parameterizes one detector and its cadence. Read-only at
// runtime.
type DetectorSpec struct {
	Name string `yaml:"name" json:"name"`
	// Type is the detector family; only "face_detector" is implemented.
	Type string `yaml:"type" json:"type"`
	// Variant selects the backend: "cascade" (default), "dnn", "yunet",
	// "dlib_cnn".
	Variant string `yaml:"variant" json:"variant"`
	// FrequencyMS is the cadence: minimum milliseconds between firings.
	FrequencyMS float64 `yaml:"frequency_ms" json:"frequency_ms"`
	// Scale is a uniform resize factor applied before publishing the frame
	// for this detector. Defaults to 1.0.
	Scale float64 `yaml:"scale" json:"scale"`
	// ModelPath points at the backend's model artifact (a directory for
	// dlib_cnn).
	ModelPath string `yaml:"model_path" json:"model_path"`
	// ModelConfig is the secondary artifact some backends need (e.g. the
	// Caffe prototxt for the dnn variant).
	ModelConfig string `yaml:"model_config" json:"model_config"`
	// Device is "cpu" (default) or "cuda".
	Device string `yaml:"device" json:"device"`
}

// Frequency returns the cadence as a duration.
func (d DetectorSpec) Frequency() time.Duration {
	return time.Duration(d.FrequencyMS * float64(time.Millisecond))
}

// EffectiveScale returns the scale factor with the 1.0 default applied.
func (d DetectorSpec) EffectiveScale() float64 {
	if d.Scale == 0 {
		return 1.0
	}
	return d.Scale
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	DetectWorkers int `yaml:"detect_workers" json:"detect_workers"`
}

// Load reads and validates a configuration file. JSON for ".json",
// YAML otherwise.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(raw, &cfg)
	default:
		err = yaml.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration before anything is spawned.
func (c *Config) Validate() error {
	if len(c.Receivers) == 0 {
		return fmt.Errorf("%w: at least one receiver is required", ErrInvalid)
	}
	for i, r := range c.Receivers {
		switch r.Type {
		case "file", "rtsp":
			if r.Path() == "" {
				return fmt.Errorf("%w: receiver %d (%s): source is required", ErrInvalid, i, r.Type)
			}
		case "webcam":
			if _, err := r.CameraIndex(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: receiver %d: unknown type %q", ErrInvalid, i, r.Type)
		}
	}

	for i, p := range c.Preprocessors {
		switch p.Type {
		case "resize":
			if p.Width <= 0 && p.Height <= 0 {
				return fmt.Errorf("%w: preprocessor %d: resize needs width or height", ErrInvalid, i)
			}
			if p.Width < 0 || p.Height < 0 {
				return fmt.Errorf("%w: preprocessor %d: negative resize target", ErrInvalid, i)
			}
		case "grayscale":
		default:
			return fmt.Errorf("%w: preprocessor %d: unknown type %q", ErrInvalid, i, p.Type)
		}
	}

	if len(c.Detectors) == 0 {
		return fmt.Errorf("%w: at least one detector is required", ErrInvalid)
	}
	seen := make(map[string]bool, len(c.Detectors))
	for i, d := range c.Detectors {
		if d.Name == "" {
			return fmt.Errorf("%w: detector %d: name is required", ErrInvalid, i)
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: duplicate detector name %q", ErrInvalid, d.Name)
		}
		seen[d.Name] = true
		if d.Type != "face_detector" {
			return fmt.Errorf("%w: detector %q: unknown type %q", ErrInvalid, d.Name, d.Type)
		}
		switch d.Variant {
		case "", "cascade", "dnn", "yunet", "dlib_cnn":
		default:
			return fmt.Errorf("%w: detector %q: unknown variant %q", ErrInvalid, d.Name, d.Variant)
		}
		if d.FrequencyMS <= 0 {
			return fmt.Errorf("%w: detector %q: frequency_ms must be positive", ErrInvalid, d.Name)
		}
		if d.Scale < 0 {
			return fmt.Errorf("%w: detector %q: scale must be positive", ErrInvalid, d.Name)
		}
		switch d.Device {
		case "", "cpu", "cuda":
		default:
			return fmt.Errorf("%w: detector %q: unknown device %q", ErrInvalid, d.Name, d.Device)
		}
	}

	if c.Workers.DetectWorkers < 0 {
		return fmt.Errorf("%w: workers.detect_workers must not be negative", ErrInvalid)
	}
	return nil
}

// ResolveWorkerCount resolves the detect worker count by priority:
// explicit override > CVKIT_DETECT_WORKERS env > config value > default 2.
func (c *Config) ResolveWorkerCount(override int) int {
	if override > 0 {
		return override
	}
	if env := os.Getenv(EnvDetectWorkers); env != "" {
		if n, err := strconv.Atoi(env); err == nil && n > 0 {
			return n
		}
	}
	if c.Workers.DetectWorkers > 0 {
		return c.Workers.DetectWorkers
	}
	return DefaultDetectWorkers
}
