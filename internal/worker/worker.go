package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/persona/internal/detect"
	"github.com/andresmejia3/persona/internal/types"
	"github.com/andresmejia3/persona/internal/utils" // Using the SafeCommand wrapper
)

// maxResponseSize guards against a corrupted length header allocating gigabytes
const maxResponseSize = 64 << 20

// Config describes how to launch a detector process.
type Config struct {
	Python         string        // interpreter, default "python3"
	Script         string        // default "python/detector.py"
	Model          string        // model weights passed to the script
	Device         string        // e.g. "cpu", "cuda:0"
	JPEGQuality    int           // re-encoding quality for decoded frames, default 90
	StartupTimeout time.Duration // how long the model may take to load, default 2m
	Debug          bool
}

func (c Config) withDefaults() Config {
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.Script == "" {
		c.Script = "python/detector.py"
	}
	if c.Model == "" {
		c.Model = "yolov8n.pt"
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = 90
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 2 * time.Minute
	}
	return c
}

// DetectorWorker is one detector process. Frames go in on stdin and
// results come back on a dedicated pipe so that library noise on stdout
// can never corrupt the protocol.
type DetectorWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	quality  int

	// mu keeps one request in flight per process
	mu sync.Mutex
}

// NewDetectorWorker starts a detector process and waits for its model to load.
func NewDetectorWorker(ctx context.Context, id int, cfg Config) (*DetectorWorker, error) {
	cfg = cfg.withDefaults()

	args := []string{"-u", cfg.Script, "--model", cfg.Model}
	if cfg.Device != "" {
		args = append(args, "--device", cfg.Device)
	}
	if cfg.Debug {
		args = append(args, "--debug")
	}
	py := utils.NewSafeCommand(ctx, cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	dw := &DetectorWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		quality:  cfg.JPEGQuality,
	}

	if err := dw.handshake(cfg.StartupTimeout); err != nil {
		dw.Kill()
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}
	return dw, nil
}

// handshake waits for the ready message the script writes after loading its model.
func (w *DetectorWorker) handshake(timeout time.Duration) error {
	type result struct {
		msg []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := w.readFrame()
		done <- result{msg, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("detector exited before becoming ready: %w", res.err)
		}
		var ready types.ReadyMessage
		if err := json.Unmarshal(res.msg, &ready); err != nil {
			return fmt.Errorf("invalid ready message: %w", err)
		}
		if !ready.Ready {
			return fmt.Errorf("detector failed to load model: %s", ready.Error)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("detector not ready after %s", timeout)
	}
}

// Communicate sends one request and returns the raw response body.
func (w *DetectorWorker) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}
	return w.readFrame()
}

// readFrame reads one length-prefixed message from the data pipe.
func (w *DetectorWorker) readFrame() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponseSize {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame runs detection on an encoded image.
func (w *DetectorWorker) ProcessFrame(data []byte) ([]detect.Detection, error) {
	resp, err := w.Communicate(data)
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", w.ID, err)
	}
	return detect.Decode(resp)
}

// Detect encodes frame as JPEG and runs detection on it.
func (w *DetectorWorker) Detect(ctx context.Context, frame image.Image) ([]detect.Detection, error) {
	data, err := EncodeJPEG(frame, w.quality)
	if err != nil {
		return nil, err
	}
	return w.ProcessFrame(data)
}

// EncodeJPEG serialises frame for the detector.
func EncodeJPEG(frame image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Logs returns whatever the process wrote to stderr.
func (w *DetectorWorker) Logs() string {
	if w.Cmd == nil {
		return ""
	}
	return w.Cmd.Stderr.String()
}

// Close lets the process finish on EOF and reaps it.
func (w *DetectorWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// Kill terminates the process without waiting for pending work.
func (w *DetectorWorker) Kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	w.Close()
}
