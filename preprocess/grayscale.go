package preprocess

import (
	"gocv.io/x/gocv"

	"github.com/cvkitio/worker/frame"
	"github.com/cvkitio/worker/internal/cvmat"
)

// Grayscale converts BGR frames to single-channel grayscale. Frames that
// are already grayscale pass through untouched.
type Grayscale struct{}

func (g *Grayscale) Name() string { return "grayscale" }

func (g *Grayscale) Process(f frame.Frame) (frame.Frame, error) {
	if f.Pixel == frame.Gray8 {
		return f, nil
	}

	src, err := cvmat.FromFrame(f)
	if err != nil {
		return frame.Frame{}, err
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.CvtColor(src, &dst, gocv.ColorBGRToGray)

	return cvmat.ToFrame(dst, frame.Gray8, f), nil
}
