//go:build !gst

package sampler

import "fmt"

// NewCamera is only available in builds with the gst tag.
func NewCamera(device string, width, height int) (Source, error) {
	return nil, fmt.Errorf("%w: camera %s requires a build with -tags gst", ErrDevice, device)
}
