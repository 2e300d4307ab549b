package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/corona10/goimagehash"
	"github.com/nfnt/resize"
)

// thumbnailWidth is the stored thumbnail width; height follows the aspect
// ratio.
const thumbnailWidth = 320

// Thumbnail downscales the frame and encodes it as JPEG.
func Thumbnail(img image.Image) ([]byte, error) {
	resized := resize.Resize(thumbnailWidth, 0, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// Fingerprint computes a perceptual hash of the frame. Near-identical
// frames hash to near-identical values, which is what duplicate screening
// needs; exact matching accuracy is not the goal.
func Fingerprint(img image.Image) (string, error) {
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return "", fmt.Errorf("failed to compute perceptual hash: %w", err)
	}
	return hash.ToString(), nil
}
