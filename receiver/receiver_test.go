package receiver_test

import (
	"io"
	"testing"
	"time"

	"github.com/cvkitio/worker/config"
	"github.com/cvkitio/worker/frame"
	"github.com/cvkitio/worker/receiver"
)

// TestSyntheticDeterminism validates the synthetic source contract: exact
// frame count, evenly spaced timestamps, per-frame fill byte, then io.EOF.
func TestSyntheticDeterminism(t *testing.T) {
	src := receiver.NewSynthetic(8, 4, 3, 100*time.Millisecond)
	defer src.Close()

	for i := 0; i < 3; i++ {
		f, err := src.Read()
		if err != nil {
			t.Fatalf("Read() frame %d: %v", i, err)
		}
		if f.Seq != uint64(i+1) {
			t.Errorf("frame %d: Seq = %d", i, f.Seq)
		}
		want := src.Base.Add(time.Duration(i) * 100 * time.Millisecond)
		if !f.Timestamp.Equal(want) {
			t.Errorf("frame %d: Timestamp = %v, want %v", i, f.Timestamp, want)
		}
		if f.Pixel != frame.BGR8 || len(f.Data) != 8*4*3 {
			t.Errorf("frame %d: pixel %v, %d bytes", i, f.Pixel, len(f.Data))
		}
		if f.Data[0] != byte(i) {
			t.Errorf("frame %d: fill byte = %d", i, f.Data[0])
		}
	}

	if _, err := src.Read(); err != io.EOF {
		t.Fatalf("Read() past end: err = %v, want io.EOF", err)
	}
	if _, err := src.Read(); err != io.EOF {
		t.Fatalf("Read() after EOF: err = %v, want io.EOF", err)
	}
}

// TestOpenRejectsUnknownType validates closed dispatch over source types.
func TestOpenRejectsUnknownType(t *testing.T) {
	_, err := receiver.Open(config.ReceiverConfig{Type: "screen"})
	if err == nil {
		t.Fatal("Open() accepted unknown source type")
	}
}

// TestOpenWebcamBadIndex validates that a non-numeric webcam source is
// rejected at Open rather than handed to the capture backend.
func TestOpenWebcamBadIndex(t *testing.T) {
	_, err := receiver.Open(config.ReceiverConfig{Type: "webcam", Source: "front-door"})
	if err == nil {
		t.Fatal("Open() accepted a non-numeric webcam device index")
	}
}
