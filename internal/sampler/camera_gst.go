//go:build gst

package sampler

// NewCamera opens a V4L2 camera through GStreamer.
func NewCamera(device string, width, height int) (Source, error) {
	return NewCameraSource(device, width, height), nil
}
