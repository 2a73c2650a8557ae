//go:build gst

package sampler

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// CameraSource captures from a V4L2 camera through GStreamer. The appsink
// keeps only the newest buffer, so Capture always sees the latest image.
//
// Build with -tags gst; requires the GStreamer runtime.
type CameraSource struct {
	Device string
	Width  int
	Height int

	mu       sync.Mutex
	pipeline *gst.Pipeline
	latest   *image.RGBA
}

func NewCameraSource(device string, width, height int) *CameraSource {
	return &CameraSource{Device: device, Width: width, Height: height}
}

func (c *CameraSource) Open(_ context.Context) error {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", c.Device)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("failed to create videoscale: %w", err)
	}
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(
		fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d", c.Width, c.Height)))

	sink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	pipeline.AddMany(src, convert, scale, capsfilter, sink.Element)
	if err := gst.ElementLinkMany(src, convert, scale, capsfilter, sink.Element); err != nil {
		return fmt.Errorf("failed to link camera pipeline: %w", err)
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: c.onSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return fmt.Errorf("camera %s: %w", c.Device, err)
	}

	c.mu.Lock()
	c.pipeline = pipeline
	c.latest = nil
	c.mu.Unlock()
	return nil
}

func (c *CameraSource) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) < c.Width*c.Height*4 {
		buffer.Unmap()
		return gst.FlowOK
	}

	img := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	copy(img.Pix, data)
	buffer.Unmap()

	c.mu.Lock()
	c.latest = img
	c.mu.Unlock()
	return gst.FlowOK
}

func (c *CameraSource) Capture() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return nil, ErrNoData
	}
	return c.latest, nil
}

// Close sets the pipeline to NULL, which releases the V4L2 device.
func (c *CameraSource) Close() error {
	c.mu.Lock()
	pipeline := c.pipeline
	c.pipeline = nil
	c.latest = nil
	c.mu.Unlock()

	if pipeline == nil {
		return nil
	}
	if err := pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}
