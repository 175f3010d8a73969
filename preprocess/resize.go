package preprocess

import (
	"image"
	"math"

	"gocv.io/x/gocv"

	"github.com/cvkitio/worker/frame"
	"github.com/cvkitio/worker/internal/cvmat"
)

// Resize scales a frame to target dimensions.
//
// With only one target dimension set, the other is derived preserving the
// aspect ratio; with both set, the image is stretched to exactly those
// dimensions (distortion allowed, matching explicit intent).
type Resize struct {
	Width  int // 0 = derive from Height
	Height int // 0 = derive from Width
}

func (r *Resize) Name() string { return "resize" }

func (r *Resize) Process(f frame.Frame) (frame.Frame, error) {
	w, h := FitDimensions(f.Width, f.Height, r.Width, r.Height)
	if w == f.Width && h == f.Height {
		return f, nil
	}

	src, err := cvmat.FromFrame(f)
	if err != nil {
		return frame.Frame{}, err
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Pt(w, h), 0, 0, gocv.InterpolationLinear)

	return cvmat.ToFrame(dst, f.Pixel, f), nil
}

// FitDimensions computes resize targets with aspect-ratio preservation.
//
//   - both targets zero: dimensions unchanged
//   - only targetW set: (targetW, round(origH * targetW/origW))
//   - only targetH set: (round(origW * targetH/origH), targetH)
//   - both set: exactly (targetW, targetH)
func FitDimensions(origW, origH, targetW, targetH int) (int, int) {
	switch {
	case targetW <= 0 && targetH <= 0:
		return origW, origH
	case targetW > 0 && targetH <= 0:
		return targetW, roundScale(origH, targetW, origW)
	case targetH > 0 && targetW <= 0:
		return roundScale(origW, targetH, origH), targetH
	default:
		return targetW, targetH
	}
}

// ScaleDimensions applies a uniform scale factor to both dimensions.
func ScaleDimensions(w, h int, scale float64) (int, int) {
	return int(math.Round(float64(w) * scale)), int(math.Round(float64(h) * scale))
}

// roundScale returns round(dim * num/den).
func roundScale(dim, num, den int) int {
	return int(math.Round(float64(dim) * float64(num) / float64(den)))
}

// ScaleFrame uniformly resizes a frame by the given factor. A factor of 1
// (or a degenerate target) returns the frame unchanged.
func ScaleFrame(f frame.Frame, scale float64) (frame.Frame, error) {
	if scale == 1.0 || scale <= 0 {
		return f, nil
	}
	w, h := ScaleDimensions(f.Width, f.Height, scale)
	if w <= 0 || h <= 0 || (w == f.Width && h == f.Height) {
		return f, nil
	}

	src, err := cvmat.FromFrame(f)
	if err != nil {
		return frame.Frame{}, err
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Pt(w, h), 0, 0, gocv.InterpolationLinear)

	return cvmat.ToFrame(dst, f.Pixel, f), nil
}
