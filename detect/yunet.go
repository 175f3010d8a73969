package detect

import (
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/cvkitio/worker/frame"
	"github.com/cvkitio/worker/internal/cvmat"
)

// YuNet is the lightweight ONNX face detector shipped with OpenCV's zoo.
// Small model, good accuracy at low resolutions, CPU friendly.
type YuNet struct {
	mu       sync.Mutex
	detector gocv.FaceDetectorYN
	inputW   int
	inputH   int
}

// NewYuNet loads the YuNet ONNX model from modelPath.
func NewYuNet(modelPath string) (*YuNet, error) {
	if err := requireArtifact(modelPath); err != nil {
		return nil, err
	}

	// Input size is re-set per frame; the initial value is a placeholder.
	detector := gocv.NewFaceDetectorYN(modelPath, "", image.Pt(320, 320))
	return &YuNet{detector: detector, inputW: 320, inputH: 320}, nil
}

func (y *YuNet) Detect(f frame.Frame) ([]Detection, error) {
	src, err := cvmat.FromFrame(f)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	// YuNet wants 3-channel input.
	bgr := src
	if f.Pixel == frame.Gray8 {
		bgr = gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(src, &bgr, gocv.ColorGrayToBGR)
	}

	// The underlying detector is stateful (input size), so serialize access.
	y.mu.Lock()
	defer y.mu.Unlock()

	if f.Width != y.inputW || f.Height != y.inputH {
		y.detector.SetInputSize(image.Pt(f.Width, f.Height))
		y.inputW, y.inputH = f.Width, f.Height
	}

	faces := gocv.NewMat()
	defer faces.Close()
	y.detector.Detect(bgr, &faces)

	// One row per face: x, y, w, h, 10 landmark floats, score at column 14.
	out := make([]Detection, 0, faces.Rows())
	for i := 0; i < faces.Rows(); i++ {
		x := int(faces.GetFloatAt(i, 0))
		yTop := int(faces.GetFloatAt(i, 1))
		w := int(faces.GetFloatAt(i, 2))
		h := int(faces.GetFloatAt(i, 3))
		score := faces.GetFloatAt(i, 14)
		out = append(out, Detection{
			Rect:       image.Rect(x, yTop, x+w, yTop+h),
			Confidence: score,
			Label:      "face",
		})
	}
	return out, nil
}

func (y *YuNet) Close() error {
	return y.detector.Close()
}
