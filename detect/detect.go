// Package detect provides the detector plugin interface and the closed set
// of face-detection backends.
//
// Backend selection happens exactly once, at worker startup, via New's
// explicit dispatch over the enumerated variants — never re-dispatched per
// frame, and never through a stringly-typed dynamic loader.
//
// Contract for all backends: Detect must not panic or propagate internal
// failures as crashes; a failed detection surfaces as an error (which the
// worker logs and treats as zero detections). Missing model artifacts are
// the one fatal condition, reported from the constructor as ErrModelMissing
// so the worker aborts before entering its loop.
package detect

import (
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/cvkitio/worker/config"
	"github.com/cvkitio/worker/frame"
)

// ErrModelMissing means a required model artifact is absent. Fatal to the
// owning worker only; siblings keep running.
var ErrModelMissing = errors.New("detect: model artifact missing")

// Detection is one detected object.
type Detection struct {
	// Rect is the bounding box in frame pixel coordinates.
	Rect image.Rectangle
	// Confidence is the backend's score in [0,1]; backends without a score
	// report 1.
	Confidence float32
	// Label names what was detected.
	Label string
}

// Detector consumes a frame and returns detections.
type Detector interface {
	Detect(f frame.Frame) ([]Detection, error)
	Close() error
}

// New instantiates the backend named by spec.Variant.
//
// Variants: "cascade" (default; Haar cascade, the basic CPU path), "dnn"
// (OpenCV DNN SSD), "yunet" (lightweight YuNet), "dlib_cnn" (dlib MMOD via
// go-face).
func New(spec config.DetectorSpec) (Detector, error) {
	if spec.Type != "face_detector" {
		return nil, fmt.Errorf("detect: unknown detector type %q", spec.Type)
	}

	switch spec.Variant {
	case "", "cascade":
		return NewCascade(spec.ModelPath)
	case "dnn":
		return NewDNN(spec.ModelPath, spec.ModelConfig, spec.Device)
	case "yunet":
		return NewYuNet(spec.ModelPath)
	case "dlib_cnn":
		return NewDlibCNN(spec.ModelPath)
	default:
		return nil, fmt.Errorf("detect: unknown detector variant %q", spec.Variant)
	}
}

// requireArtifact maps a missing model file to ErrModelMissing.
func requireArtifact(path string) error {
	if path == "" {
		return fmt.Errorf("%w: model_path not configured", ErrModelMissing)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrModelMissing, path, err)
	}
	return nil
}
