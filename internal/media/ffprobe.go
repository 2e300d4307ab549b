package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	ffprobe "gopkg.in/vansante/go-ffprobe.v2"
)

// FFProbe probes video bytes with the ffprobe binary. Requires ffprobe on
// PATH.
type FFProbe struct{}

// NewFFProbe creates a new FFProbe
func NewFFProbe() *FFProbe {
	return &FFProbe{}
}

// Probe extracts duration, dimensions and codec from the video bytes
func (p *FFProbe) Probe(ctx context.Context, data []byte) (*Metadata, error) {
	probeData, err := ffprobe.ProbeReader(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	stream := probeData.FirstVideoStream()
	if stream == nil {
		return nil, errors.New("no video stream found")
	}

	duration := probeData.Format.DurationSeconds
	if duration <= 0 {
		return nil, errors.New("could not determine video duration")
	}

	return &Metadata{
		DurationSeconds: duration,
		SizeBytes:       int64(len(data)),
		Width:           stream.Width,
		Height:          stream.Height,
		Codec:           stream.CodecName,
	}, nil
}
