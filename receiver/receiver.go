// Package receiver opens video sources and reads frames from them.
//
// Three source kinds are supported, selected by the receiver config's type:
// "file" and "webcam" through OpenCV's VideoCapture, and "rtsp" through a
// GStreamer appsink pipeline. All sources hand out BGR frames.
//
// Read contract: a clean end of stream (file exhausted, remote end closed
// after a successful session) is io.EOF; a source that cannot deliver frames
// for operational reasons wraps ErrSourceUnavailable. Both are terminal for
// the Source; transient hiccups are absorbed internally (the RTSP path
// reconnects with backoff before giving up).
package receiver

import (
	"errors"
	"fmt"

	"github.com/cvkitio/worker/config"
	"github.com/cvkitio/worker/frame"
)

// ErrSourceUnavailable means the source cannot be opened or has stopped
// delivering frames for a reason other than a clean end of stream.
var ErrSourceUnavailable = errors.New("receiver: source unavailable")

// Source is a sequential frame reader over one video input.
type Source interface {
	// Read blocks until the next frame is available. Returns io.EOF on a
	// clean end of stream.
	Read() (frame.Frame, error)
	Close() error
}

// Open instantiates the source configured by cfg. Dispatch is closed over
// the validated receiver types.
func Open(cfg config.ReceiverConfig) (Source, error) {
	switch cfg.Type {
	case "file":
		return OpenFile(cfg.Path())
	case "webcam":
		idx, err := cfg.CameraIndex()
		if err != nil {
			return nil, err
		}
		return OpenWebcam(idx)
	case "rtsp":
		return OpenRTSP(cfg.Path())
	default:
		return nil, fmt.Errorf("receiver: unknown source type %q", cfg.Type)
	}
}
