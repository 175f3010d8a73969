package detect_test

import (
	"errors"
	"testing"

	"github.com/cvkitio/worker/config"
	"github.com/cvkitio/worker/detect"
)

// TestNewRejectsUnknownType validates closed dispatch over detector types.
func TestNewRejectsUnknownType(t *testing.T) {
	_, err := detect.New(config.DetectorSpec{Type: "pose_estimator"})
	if err == nil {
		t.Fatal("New() accepted unknown detector type")
	}
}

// TestNewRejectsUnknownVariant validates closed dispatch over variants.
func TestNewRejectsUnknownVariant(t *testing.T) {
	_, err := detect.New(config.DetectorSpec{Type: "face_detector", Variant: "hog"})
	if err == nil {
		t.Fatal("New() accepted unknown variant")
	}
}

// TestNewMissingModel validates that an absent model artifact surfaces as
// ErrModelMissing from every variant's constructor.
func TestNewMissingModel(t *testing.T) {
	variants := []string{"cascade", "dnn", "yunet", "dlib_cnn"}
	for _, v := range variants {
		t.Run(v, func(t *testing.T) {
			_, err := detect.New(config.DetectorSpec{
				Type:      "face_detector",
				Variant:   v,
				ModelPath: "/nonexistent/model.bin",
			})
			if !errors.Is(err, detect.ErrModelMissing) {
				t.Errorf("New(%s) error = %v, want ErrModelMissing", v, err)
			}
		})
	}
}

// TestNewEmptyModelPath validates that a missing model_path is rejected up
// front rather than at load time.
func TestNewEmptyModelPath(t *testing.T) {
	_, err := detect.New(config.DetectorSpec{Type: "face_detector", Variant: "cascade"})
	if !errors.Is(err, detect.ErrModelMissing) {
		t.Errorf("New() error = %v, want ErrModelMissing", err)
	}
}
