// Package cvmat converts between the pipeline's frame value type and
// OpenCV Mats. Kept internal so gocv stays an implementation detail of the
// stages that need it (preprocessing, detection) and never leaks into the
// distribution core.
package cvmat

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/cvkitio/worker/frame"
)

// FromFrame wraps a frame's pixel bytes in a Mat. The Mat copies the bytes
// (gocv.NewMatFromBytes copies), so mutating it does not violate the
// frame immutability contract. Caller must Close the Mat.
func FromFrame(f frame.Frame) (gocv.Mat, error) {
	var matType gocv.MatType
	switch f.Pixel {
	case frame.BGR8:
		matType = gocv.MatTypeCV8UC3
	case frame.Gray8:
		matType = gocv.MatTypeCV8UC1
	default:
		return gocv.Mat{}, fmt.Errorf("cvmat: unsupported pixel format %v", f.Pixel)
	}
	if len(f.Data) != f.Bytes() {
		return gocv.Mat{}, fmt.Errorf("cvmat: frame data is %d bytes, want %d for %dx%d %v",
			len(f.Data), f.Bytes(), f.Width, f.Height, f.Pixel)
	}
	return gocv.NewMatFromBytes(f.Height, f.Width, matType, f.Data)
}

// ToFrame extracts a Mat's pixels into a new frame, carrying over the
// source frame's sequence number and timestamp. ToBytes copies, so the
// returned frame owns its buffer.
func ToFrame(m gocv.Mat, pixel frame.PixelFormat, src frame.Frame) frame.Frame {
	return frame.Frame{
		Seq:       src.Seq,
		Timestamp: src.Timestamp,
		Width:     m.Cols(),
		Height:    m.Rows(),
		Pixel:     pixel,
		Data:      m.ToBytes(),
	}
}
