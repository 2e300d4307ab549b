// Package media extracts metadata, still frames and perceptual
// fingerprints from uploaded video bytes.
package media

import (
	"context"
	"image"
)

// Metadata is what probing a video yields.
type Metadata struct {
	DurationSeconds float64
	SizeBytes       int64
	Width           int
	Height          int
	Codec           string
}

// Prober extracts technical metadata from raw video bytes.
type Prober interface {
	Probe(ctx context.Context, data []byte) (*Metadata, error)
}

// FrameExtractor decodes a single representative frame at the given
// offset in seconds.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, data []byte, atSeconds float64) (image.Image, error)
}

// frameSeekSeconds is where the representative frame is taken from, unless
// the video is shorter, in which case the midpoint is used.
const frameSeekSeconds = 5.0

// FrameTime returns the offset to grab the representative frame at.
func FrameTime(durationSeconds float64) float64 {
	if durationSeconds < frameSeekSeconds {
		return durationSeconds / 2
	}
	return frameSeekSeconds
}
