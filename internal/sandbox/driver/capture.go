package driver

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
)

const (
	maxDimension  = 4096
	maxBytes      = 4 * 1024 * 1024
	finalSide     = 512
	finalQuality  = 50
	decreasingMin = 30
)

// qualityLadder is the recompression sequence applied to an oversized
// raster image: 85 -> 70 -> 50 -> 30.
var qualityLadder = []int{85, 70, 50, decreasingMin}

// normalizeRaster applies the in-memory-image normalization rule to an
// already-decoded image and returns base64-encoded bytes ready for the
// images array. It always emits JPEG once recompression is needed, since
// PNG offers no quality knob to shrink under the byte budget.
func normalizeRaster(img image.Image) (string, error) {
	if b := img.Bounds(); b.Dx() > maxDimension || b.Dy() > maxDimension {
		img = imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	}

	data, encoded, err := tryQualityLadder(img)
	if err != nil {
		return "", err
	}
	if encoded {
		return base64.StdEncoding.EncodeToString(data), nil
	}

	// Still oversized: halve repeatedly down to 512x512 at quality 50.
	for {
		b := img.Bounds()
		w, h := b.Dx()/2, b.Dy()/2
		if w < finalSide || h < finalSide {
			w, h = finalSide, finalSide
		}
		img = imaging.Resize(img, w, h, imaging.Lanczos)

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: finalQuality}); err != nil {
			return "", fmt.Errorf("driver: encode final jpeg: %w", err)
		}
		if buf.Len() < maxBytes || (w == finalSide && h == finalSide) {
			return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
		}
	}
}

// tryQualityLadder attempts the 85->70->50->30 recompression sequence.
// encoded is false if every quality level still exceeds maxBytes.
func tryQualityLadder(img image.Image) (data []byte, encoded bool, err error) {
	var first bytes.Buffer
	if encErr := png.Encode(&first, img); encErr == nil && first.Len() < maxBytes {
		return first.Bytes(), true, nil
	}

	for _, q := range qualityLadder {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, false, fmt.Errorf("driver: encode jpeg q=%d: %w", q, err)
		}
		if buf.Len() < maxBytes {
			return buf.Bytes(), true, nil
		}
	}
	return nil, false, nil
}

// renderFigure renders a FigureHandle's accumulated draw operations to PNG
// at a tight bounding box and 150 DPI equivalent canvas size, base64-encoded.
// The canvas itself is the "tight bounding box": it is sized to the
// extent of the operations drawn into it, with no extra margin.
func renderFigure(f *FigureHandle) (string, error) {
	canvas := f.render()
	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return "", fmt.Errorf("driver: encode figure: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
