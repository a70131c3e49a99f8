package types

import (
	"image"

	"github.com/andresmejia3/persona/internal/detect"
)

// FrameTask represents a single decoded-from-stream JPEG frame sent to a
// detector engine
type FrameTask struct {
	Index int
	Data  []byte
}

// FrameResult is what an engine hands back for a FrameTask. Results arrive
// out of order and are re-sequenced by Index before tracking.
type FrameResult struct {
	Index      int
	Frame      image.Image
	Detections []detect.Detection
	Err        error
}

// ReadyMessage is the handshake a detector worker writes once its model is loaded
type ReadyMessage struct {
	Ready  bool   `json:"ready"`
	Model  string `json:"model"`
	Device string `json:"device"`
	Error  string `json:"error"`
}
