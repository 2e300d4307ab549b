package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os/exec"
	"strconv"
)

// FFMpegExtractor shells out to ffmpeg to decode one frame as JPEG.
// Requires ffmpeg on PATH.
type FFMpegExtractor struct{}

// NewFFMpegExtractor creates a new FFMpegExtractor
func NewFFMpegExtractor() *FFMpegExtractor {
	return &FFMpegExtractor{}
}

// ExtractFrame decodes the frame at atSeconds from the video bytes
func (e *FFMpegExtractor) ExtractFrame(ctx context.Context, data []byte, atSeconds float64) (image.Image, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-ss", strconv.FormatFloat(atSeconds, 'f', 2, 64),
		"-i", "pipe:0",
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"pipe:1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame extraction failed: %w (%s)", err, stderr.String())
	}

	img, err := jpeg.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to decode extracted frame: %w", err)
	}

	return img, nil
}
