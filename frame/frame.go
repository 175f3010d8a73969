// Package frame defines the decoded-image value type that every pipeline
// stage exchanges: the producer decodes into it, preprocessing transforms
// it, the slab stores its bytes, and detectors consume it.
//
// Frames are values, not resources. The Data slice is the only thing shared
// between stages, and ownership follows an immutability contract: once a
// frame has been handed to the next stage, its bytes must not be modified.
package frame

import "time"

// PixelFormat tags the pixel layout of a frame's byte buffer.
type PixelFormat uint8

const (
	// BGR8 is 8-bit three-channel BGR, the native OpenCV decode layout.
	BGR8 PixelFormat = iota
	// Gray8 is 8-bit single-channel grayscale.
	Gray8
)

// Channels returns the number of interleaved channels for the format.
func (p PixelFormat) Channels() int {
	switch p {
	case Gray8:
		return 1
	default:
		return 3
	}
}

// String returns a human-readable tag for logging.
func (p PixelFormat) String() string {
	switch p {
	case BGR8:
		return "bgr8"
	case Gray8:
		return "gray8"
	default:
		return "unknown"
	}
}

// Frame is a single decoded video frame.
//
// Ephemeral by design: the producer creates one per capture tick, copies it
// into the slab for each detector whose cadence fired, and discards it.
type Frame struct {
	// Seq is a monotonic sequence number assigned by the source.
	Seq uint64

	// Timestamp is the capture/decode time (source time, not processing time).
	Timestamp time.Time

	// Width in pixels.
	Width int

	// Height in pixels.
	Height int

	// Pixel is the layout of Data.
	Pixel PixelFormat

	// Data holds the raw interleaved pixel bytes
	// (len == Width * Height * Pixel.Channels()).
	// MUST NOT be modified after the frame is handed off (shared by reference).
	Data []byte
}

// Channels returns the channel count implied by the pixel format.
func (f Frame) Channels() int { return f.Pixel.Channels() }

// Bytes returns the expected byte size of the frame's pixel buffer.
func (f Frame) Bytes() int { return f.Width * f.Height * f.Pixel.Channels() }
