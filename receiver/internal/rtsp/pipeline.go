// Package rtsp builds and drives the GStreamer pipeline behind the RTSP
// source. Software decode only: detection cadence is low enough that a GPU
// decode path buys nothing here.
package rtsp

import (
	"fmt"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// rtspLatencyMS is the jitter buffer depth. Detection runs at sub-video
// cadence, so a small buffer keeps frames fresh.
const rtspLatencyMS = 100

// Pipeline holds the element references needed for teardown and the
// dynamic-pad link.
type Pipeline struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
	Src      *gst.Element
	Depay    *gst.Element
}

// Build constructs the capture pipeline for url:
//
//	rtspsrc → rtph264depay → avdec_h264 → videoconvert → capsfilter(BGR) → appsink
//
// The pipeline is left in NULL state; the caller starts it. Frames come out
// at the stream's native resolution in BGR byte order, matching what the
// OpenCV-based sources produce.
func Build(url string) (*Pipeline, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}

	src, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, fmt.Errorf("creating rtspsrc: %w", err)
	}
	src.SetProperty("location", url)
	src.SetProperty("protocols", 4) // TCP interleaved; UDP loss shows up as smear
	src.SetProperty("latency", rtspLatencyMS)

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return nil, fmt.Errorf("creating rtph264depay: %w", err)
	}

	decoder, err := gst.NewElement("avdec_h264")
	if err != nil {
		return nil, fmt.Errorf("creating avdec_h264: %w", err)
	}
	decoder.SetProperty("max-threads", 0)
	decoder.SetProperty("output-corrupt", false)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("creating videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("creating capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString("video/x-raw,format=BGR"))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("creating appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	pipeline.AddMany(src, depay, decoder, converter, capsfilter, appsink.Element)

	// rtspsrc pads are dynamic; everything downstream links statically.
	if err := gst.ElementLinkMany(depay, decoder, converter, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("linking pipeline elements: %w", err)
	}

	return &Pipeline{
		Pipeline: pipeline,
		AppSink:  appsink,
		Src:      src,
		Depay:    depay,
	}, nil
}

// Destroy drops the pipeline to NULL state, releasing its resources. Safe
// on a nil receiver.
func (p *Pipeline) Destroy() error {
	if p == nil || p.Pipeline == nil {
		return nil
	}
	if err := p.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("stopping pipeline: %w", err)
	}
	return nil
}
