package receiver

import (
	"io"
	"time"

	"github.com/cvkitio/worker/frame"
)

// Synthetic is a deterministic in-memory source for tests and dry runs. It
// produces Count frames with timestamps spaced exactly Interval apart from
// Base, each filled with its sequence number, then io.EOF. Reads never
// sleep; timing-sensitive callers gate on Frame.Timestamp, not wall time.
type Synthetic struct {
	Width    int
	Height   int
	Count    int
	Base     time.Time
	Interval time.Duration

	seq uint64
}

// NewSynthetic builds a Synthetic source with count frames of the given
// size, spaced interval apart.
func NewSynthetic(width, height, count int, interval time.Duration) *Synthetic {
	return &Synthetic{
		Width:    width,
		Height:   height,
		Count:    count,
		Base:     time.Unix(0, 0),
		Interval: interval,
	}
}

func (s *Synthetic) Read() (frame.Frame, error) {
	if int(s.seq) >= s.Count {
		return frame.Frame{}, io.EOF
	}

	seq := s.seq
	s.seq++

	data := make([]byte, s.Width*s.Height*3)
	fill := byte(seq)
	for i := range data {
		data[i] = fill
	}

	return frame.Frame{
		Seq:       seq + 1,
		Timestamp: s.Base.Add(time.Duration(seq) * s.Interval),
		Width:     s.Width,
		Height:    s.Height,
		Pixel:     frame.BGR8,
		Data:      data,
	}, nil
}

func (s *Synthetic) Close() error { return nil }
