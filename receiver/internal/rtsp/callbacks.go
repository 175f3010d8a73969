package rtsp

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Sample is one decoded frame as it leaves the appsink. Defined here rather
// than reusing the public frame type to keep this package free of upward
// imports.
type Sample struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte
}

// SinkContext carries the state the appsink callback needs.
type SinkContext struct {
	Samples chan<- Sample
	Seq     *uint64
	Dropped *uint64
}

// OnNewSample pulls the decoded frame from the appsink, copies its pixels
// (GStreamer reuses the buffer), and hands it to the sample channel. The
// send never blocks: if the consumer is behind, the frame is dropped and
// counted. A single bad sample is skipped rather than failing the stream.
func OnNewSample(sink *app.Sink, ctx *SinkContext) gst.FlowReturn {
	gsample := sink.PullSample()
	if gsample == nil {
		slog.Warn("rtsp: nil sample from appsink, skipping")
		return gst.FlowOK
	}

	buffer := gsample.GetBuffer()
	if buffer == nil {
		slog.Warn("rtsp: sample without buffer, skipping")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	raw := mapInfo.Bytes()
	if len(raw) == 0 {
		buffer.Unmap()
		slog.Warn("rtsp: empty buffer, skipping")
		return gst.FlowOK
	}
	data := make([]byte, len(raw))
	copy(data, raw)
	buffer.Unmap()

	width, height := sampleDimensions(gsample)
	if width == 0 || height == 0 {
		slog.Warn("rtsp: sample caps missing dimensions, skipping")
		return gst.FlowOK
	}

	s := Sample{
		Seq:       atomic.AddUint64(ctx.Seq, 1),
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Data:      data,
	}

	select {
	case ctx.Samples <- s:
	default:
		atomic.AddUint64(ctx.Dropped, 1)
		slog.Debug("rtsp: dropping sample, consumer behind", "seq", s.Seq)
	}
	return gst.FlowOK
}

// sampleDimensions reads width and height out of the sample's negotiated
// caps. Dimensions can change mid-stream if the camera renegotiates.
func sampleDimensions(sample *gst.Sample) (int, int) {
	caps := sample.GetCaps()
	if caps == nil {
		return 0, 0
	}
	st := caps.GetStructureAt(0)
	if st == nil {
		return 0, 0
	}
	w, err := st.GetValue("width")
	if err != nil {
		return 0, 0
	}
	h, err := st.GetValue("height")
	if err != nil {
		return 0, 0
	}
	width, _ := w.(int)
	height, _ := h.(int)
	return width, height
}

// OnPadAdded links rtspsrc's dynamic output pad to the depayloader once the
// stream is negotiated.
func OnPadAdded(srcPad *gst.Pad, depay *gst.Element) {
	sinkPad := depay.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("rtsp: depayloader has no sink pad")
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("rtsp: pad link failed", "pad", srcPad.GetName(), "ret", ret)
		return
	}
	slog.Debug("rtsp: stream pad linked", "pad", srcPad.GetName())
}
