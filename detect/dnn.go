package detect

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/cvkitio/worker/frame"
	"github.com/cvkitio/worker/internal/cvmat"
)

// dnnInputSize is the SSD face model's fixed input resolution.
var dnnInputSize = image.Pt(300, 300)

// dnnConfidenceFloor discards the SSD's noise-level candidates.
const dnnConfidenceFloor = 0.5

// DNN is the OpenCV-DNN backend running the res10 SSD face model
// (Caffe weights + prototxt). Supports CUDA offload via device "cuda".
type DNN struct {
	net gocv.Net
}

// NewDNN loads the SSD model. modelPath is the caffemodel weights file,
// modelConfig the deploy prototxt.
func NewDNN(modelPath, modelConfig, device string) (*DNN, error) {
	if err := requireArtifact(modelPath); err != nil {
		return nil, err
	}
	if err := requireArtifact(modelConfig); err != nil {
		return nil, err
	}

	net := gocv.ReadNet(modelPath, modelConfig)
	if net.Empty() {
		return nil, fmt.Errorf("%w: failed to read net %s", ErrModelMissing, modelPath)
	}

	if device == "cuda" {
		if err := net.SetPreferableBackend(gocv.NetBackendCUDA); err != nil {
			net.Close()
			return nil, fmt.Errorf("detect: enabling CUDA backend: %w", err)
		}
		if err := net.SetPreferableTarget(gocv.NetTargetCUDA); err != nil {
			net.Close()
			return nil, fmt.Errorf("detect: enabling CUDA target: %w", err)
		}
	}

	return &DNN{net: net}, nil
}

func (d *DNN) Detect(f frame.Frame) ([]Detection, error) {
	src, err := cvmat.FromFrame(f)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	// SSD wants 3-channel input.
	bgr := src
	if f.Pixel == frame.Gray8 {
		bgr = gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(src, &bgr, gocv.ColorGrayToBGR)
	}

	blob := gocv.BlobFromImage(bgr, 1.0, dnnInputSize,
		gocv.NewScalar(104, 177, 123, 0), false, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	prob := d.net.Forward("")
	defer prob.Close()

	// Output is [1,1,N,7]: flatten, then walk rows of
	// (batch, class, confidence, left, top, right, bottom) with box coords
	// normalized to [0,1].
	flat := prob.Reshape(1, 1)
	defer flat.Close()

	w, h := float32(f.Width), float32(f.Height)
	var out []Detection
	for i := 0; i < flat.Total(); i += 7 {
		confidence := flat.GetFloatAt(0, i+2)
		if confidence < dnnConfidenceFloor {
			continue
		}
		rect := image.Rect(
			int(flat.GetFloatAt(0, i+3)*w),
			int(flat.GetFloatAt(0, i+4)*h),
			int(flat.GetFloatAt(0, i+5)*w),
			int(flat.GetFloatAt(0, i+6)*h),
		)
		out = append(out, Detection{Rect: rect, Confidence: confidence, Label: "face"})
	}
	return out, nil
}

func (d *DNN) Close() error {
	return d.net.Close()
}
