package detect

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/cvkitio/worker/frame"
	"github.com/cvkitio/worker/internal/cvmat"
)

// Cascade is the basic backend: an OpenCV Haar cascade classifier. CPU
// only, no score output, fast enough for high cadences.
type Cascade struct {
	classifier gocv.CascadeClassifier
}

// NewCascade loads the cascade XML from modelPath.
func NewCascade(modelPath string) (*Cascade, error) {
	if err := requireArtifact(modelPath); err != nil {
		return nil, err
	}

	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(modelPath) {
		classifier.Close()
		return nil, fmt.Errorf("%w: failed to load cascade %s", ErrModelMissing, modelPath)
	}
	return &Cascade{classifier: classifier}, nil
}

func (c *Cascade) Detect(f frame.Frame) ([]Detection, error) {
	src, err := cvmat.FromFrame(f)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	// Cascades run on grayscale; convert unless preprocessing already did.
	gray := src
	if f.Pixel == frame.BGR8 {
		gray = gocv.NewMat()
		defer gray.Close()
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	}

	rects := c.classifier.DetectMultiScale(gray)
	out := make([]Detection, 0, len(rects))
	for _, r := range rects {
		out = append(out, Detection{Rect: r, Confidence: 1, Label: "face"})
	}
	return out, nil
}

func (c *Cascade) Close() error {
	return c.classifier.Close()
}
