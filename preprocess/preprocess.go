// Package preprocess implements the frame preprocessing chain.
//
// Every transformation is a Stage — a single linear interface composed via
// an explicit ordered list. No stage knows about its neighbors; the chain
// applies them in configuration order.
package preprocess

import (
	"fmt"

	"github.com/cvkitio/worker/config"
	"github.com/cvkitio/worker/frame"
)

// Stage transforms one frame into another. Implementations must not retain
// or mutate the input's Data.
type Stage interface {
	// Name identifies the stage in logs.
	Name() string
	// Process returns the transformed frame. On error the chain aborts for
	// this frame; the caller decides whether that drops the frame.
	Process(f frame.Frame) (frame.Frame, error)
}

// Chain applies an ordered list of stages.
type Chain struct {
	stages []Stage
}

// NewChain builds the chain from configuration, dispatching over the closed
// set of stage types.
func NewChain(cfgs []config.PreprocessorConfig) (*Chain, error) {
	stages := make([]Stage, 0, len(cfgs))
	for i, cfg := range cfgs {
		switch cfg.Type {
		case "resize":
			stages = append(stages, &Resize{Width: cfg.Width, Height: cfg.Height})
		case "grayscale":
			stages = append(stages, &Grayscale{})
		default:
			return nil, fmt.Errorf("preprocess: stage %d: unknown type %q", i, cfg.Type)
		}
	}
	return &Chain{stages: stages}, nil
}

// Process runs the frame through every stage in order.
func (c *Chain) Process(f frame.Frame) (frame.Frame, error) {
	for _, s := range c.stages {
		var err error
		f, err = s.Process(f)
		if err != nil {
			return frame.Frame{}, fmt.Errorf("preprocess: %s: %w", s.Name(), err)
		}
	}
	return f, nil
}

// Len returns the number of configured stages.
func (c *Chain) Len() int { return len(c.stages) }

// Default source bounds used to size the slab when the chain cannot pin the
// output dimensions itself (no resize configured, or a single-axis resize
// whose other axis depends on the source aspect ratio).
const (
	DefaultMaxWidth  = 1920
	DefaultMaxHeight = 1080
)

// MaxOutputBytes computes an upper bound on the byte size of a preprocessed
// frame, for slab slot sizing. Assumes sources no larger than
// DefaultMaxWidth x DefaultMaxHeight; a source that exceeds the bound fails
// the producer's first slab write terminally rather than degrading into a
// pipeline that publishes nothing.
func MaxOutputBytes(cfgs []config.PreprocessorConfig) int {
	w, h := DefaultMaxWidth, DefaultMaxHeight
	channels := 3
	for _, cfg := range cfgs {
		switch cfg.Type {
		case "resize":
			w, h = FitDimensions(w, h, cfg.Width, cfg.Height)
		case "grayscale":
			channels = 1
		}
	}
	return w * h * channels
}
