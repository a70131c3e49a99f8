//go:build gocv

package capture

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// CameraSource reads frames straight from a local camera through OpenCV.
type CameraSource struct {
	mu  sync.Mutex
	cap *gocv.VideoCapture
	mat gocv.Mat
}

// OpenCamera opens device, an index such as 0 or a device path or URL.
func OpenCamera(device string) (*CameraSource, error) {
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera %s: %w", device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("camera %s did not open", device)
	}
	// Keep the driver queue short so Read returns a current frame
	vc.Set(gocv.VideoCaptureBufferSize, 1)
	return &CameraSource{cap: vc, mat: gocv.NewMat()}, nil
}

// Read grabs the next frame from the camera.
func (c *CameraSource) Read(ctx context.Context) (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ok := c.cap.Read(&c.mat)
	if err := grabResult(ok, ok && c.mat.Empty()); err != nil {
		return nil, err
	}
	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return img, nil
}

// Close releases the camera.
func (c *CameraSource) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mat.Close()
	return c.cap.Close()
}
