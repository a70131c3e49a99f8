// Package capture polls a frame source in the background and republishes
// the tracking snapshot for readers that should never wait on detection.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"os/exec"
	"sync"

	"github.com/andresmejia3/persona/internal/utils"
)

const megabyte = 1024 * 1024

var (
	// ErrNoFrame is returned by Read when no new frame arrived since the last Read.
	ErrNoFrame = errors.New("no frame available yet")
	// ErrBadFrame wraps a frame that could not be decoded. The source stays usable.
	ErrBadFrame = errors.New("bad frame")
)

// grabResult maps the outcome of one device read to the Source contract. A
// failed read skips the tick; only opening the device is fatal.
func grabResult(ok, empty bool) error {
	switch {
	case !ok:
		return fmt.Errorf("%w: camera read failed", ErrBadFrame)
	case empty:
		return ErrNoFrame
	}
	return nil
}

// Source yields the most recent frame of a camera or stream. io.EOF
// signals that the source is exhausted.
type Source interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// StreamSource reads an MJPEG byte stream and keeps only its newest frame,
// so a slow consumer always sees the present rather than a backlog.
type StreamSource struct {
	mu     sync.Mutex
	latest []byte
	seq    uint64
	read   uint64
	err    error // terminal stream error, io.EOF on a clean end
	done   chan struct{}
}

// NewStreamSource starts consuming r.
func NewStreamSource(r io.Reader) *StreamSource {
	s := &StreamSource{done: make(chan struct{})}
	go s.consume(r)
	return s
}

func (s *StreamSource) consume(r io.Reader) {
	defer close(s.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())

		s.mu.Lock()
		s.latest = frame
		s.seq++
		s.mu.Unlock()
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Read decodes the newest frame. A frame is returned at most once; when no
// new frame arrived since the last Read, ErrNoFrame is returned, or the
// stream's terminal error once it has ended.
func (s *StreamSource) Read(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	if s.seq == s.read {
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrNoFrame
	}
	data := s.latest
	s.read = s.seq
	s.mu.Unlock()

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return img, nil
}

// Done is closed when the stream has ended.
func (s *StreamSource) Done() <-chan struct{} {
	return s.done
}

// Close is a no-op; the producer owns the reader.
func (s *StreamSource) Close() error {
	return nil
}

// FFmpegSource decodes a camera device, file or network stream through ffmpeg.
type FFmpegSource struct {
	*StreamSource
	cmd *utils.SafeCommand
}

// OpenFFmpeg starts ffmpeg on input, resampled to rate frames per second when
// rate is positive.
func OpenFFmpeg(ctx context.Context, input string, rate float64) (*FFmpegSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	ffmpeg := utils.NewFFmpegCmd(ctx, input, rate)
	cmd := &utils.SafeCommand{Cmd: ffmpeg, Stderr: &bytes.Buffer{}}
	cmd.Cmd.Stderr = cmd.Stderr

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	return &FFmpegSource{StreamSource: NewStreamSource(out), cmd: cmd}, nil
}

// Cmd exposes the ffmpeg process, for its logs.
func (f *FFmpegSource) Cmd() *utils.SafeCommand {
	return f.cmd
}

// Close stops ffmpeg and reaps it.
func (f *FFmpegSource) Close() error {
	if f.cmd.Process != nil {
		f.cmd.Process.Kill()
	}
	<-f.done
	f.cmd.Wait()
	return nil
}
