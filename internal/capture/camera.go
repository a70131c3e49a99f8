package capture

import "context"

// Open returns the source for input. With the gocv build tag, plain camera
// indices ("0", "1") are opened through OpenCV; everything else goes
// through ffmpeg.
func Open(ctx context.Context, input string, rate float64) (Source, error) {
	if src, ok, err := openNative(input); ok {
		return src, err
	}
	return OpenFFmpeg(ctx, input, rate)
}
