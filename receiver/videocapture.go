package receiver

import (
	"fmt"
	"io"
	"time"

	"gocv.io/x/gocv"

	"github.com/cvkitio/worker/frame"
)

// VideoCapture reads frames from a file or a local camera through OpenCV.
type VideoCapture struct {
	cap  *gocv.VideoCapture
	mat  gocv.Mat
	live bool
	seq  uint64
}

// OpenFile opens a video file. A failed read later maps to io.EOF since a
// file that stops producing frames is simply exhausted.
func OpenFile(path string) (*VideoCapture, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty file path", ErrSourceUnavailable)
	}
	cap, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrSourceUnavailable, path, err)
	}
	return &VideoCapture{cap: cap, mat: gocv.NewMat()}, nil
}

// OpenWebcam opens the camera at the given device index and verifies it
// actually delivers frames with a test read. A failed read later maps to
// ErrSourceUnavailable since a live camera has no end of stream.
func OpenWebcam(index int) (*VideoCapture, error) {
	cap, err := gocv.VideoCaptureDevice(index)
	if err != nil {
		return nil, fmt.Errorf("%w: opening camera %d: %v", ErrSourceUnavailable, index, err)
	}

	probe := gocv.NewMat()
	defer probe.Close()
	if !cap.Read(&probe) || probe.Empty() {
		cap.Close()
		return nil, fmt.Errorf("%w: camera %d opened but delivers no frames", ErrSourceUnavailable, index)
	}

	return &VideoCapture{cap: cap, mat: gocv.NewMat(), live: true}, nil
}

func (v *VideoCapture) Read() (frame.Frame, error) {
	if !v.cap.Read(&v.mat) || v.mat.Empty() {
		if v.live {
			return frame.Frame{}, fmt.Errorf("%w: camera read failed", ErrSourceUnavailable)
		}
		return frame.Frame{}, io.EOF
	}

	v.seq++
	return frame.Frame{
		Seq:       v.seq,
		Timestamp: time.Now(),
		Width:     v.mat.Cols(),
		Height:    v.mat.Rows(),
		Pixel:     frame.BGR8,
		Data:      v.mat.ToBytes(),
	}, nil
}

func (v *VideoCapture) Close() error {
	v.mat.Close()
	return v.cap.Close()
}
