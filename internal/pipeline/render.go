package pipeline

import (
	"fmt"
	"image"
	"math"

	"github.com/dunamismax/fitsflow/internal/domain"
	"github.com/dunamismax/fitsflow/internal/fits"
	"github.com/dunamismax/fitsflow/internal/stretch"
)

// stretchPoints resolves a step's black and white points, falling back to CBLACK/CWHITE.
func stretchPoints(h fits.Header, step domain.StretchStep) (int, int) {
	black, white := h.CBlack, h.CWhite
	if step.Black != nil {
		black = *step.Black
	}
	if step.White != nil {
		white = *step.White
	}
	return black, white
}

// renderFrame runs the stretch pass matching the image encoding and wraps the result as an
// 8-bit or 16-bit grey image. The decoded samples are never modified, so every step starts
// from the same source.
func renderFrame(img *fits.Image, step domain.StretchStep) (image.Image, error) {
	h := img.Header
	black, white := stretchPoints(h, step)
	if err := fits.CheckStretch(h.BitPix, black, white); err != nil {
		return nil, err
	}

	rect := image.Rect(0, 0, h.Width(), h.Height())
	n := h.Pixels()

	switch h.BitPix {
	case stretch.BitPixByte:
		out := image.NewGray(rect)
		copy(out.Pix, img.Bytes)
		err := stretch.ScaleBytePixelData(out.Pix, n, stretch.ByteParams{
			Offset:      h.BZero,
			Scale:       h.BScale,
			Black:       uint8(black),
			White:       uint8(white),
			Min:         0,
			Max:         math.MaxUint8,
			DeviceRange: math.MaxUint8,
		})
		if err != nil {
			return nil, fmt.Errorf("stretch uint8 samples: %w", err)
		}
		return out, nil

	case stretch.BitPixInt16:
		dst := make([]uint16, n)
		err := stretch.ScaleShortIntPixelDataToUShort(img.Int16, dst, n, stretch.ShortParams{
			Offset:      h.BZero,
			Scale:       h.BScale,
			Black:       int32(black),
			White:       int32(white),
			Min:         0,
			Max:         math.MaxUint16,
			DeviceRange: math.MaxUint16,
		})
		if err != nil {
			return nil, fmt.Errorf("stretch int16 samples: %w", err)
		}
		return gray16(rect, dst), nil

	case stretch.BitPixInt32, stretch.BitPixFloat32:
		dst := make([]uint16, n)
		err := stretch.ScaleIntPixelDataToUShort(img.Words, dst, n, stretch.IntParams{
			Black:        int32(black),
			White:        int32(white),
			Min:          0,
			Max:          math.MaxUint16,
			DeviceRange:  math.MaxUint16,
			BitsPerPixel: h.BitPix,
		})
		if err != nil {
			return nil, fmt.Errorf("stretch %s samples: %w", h.BitPix, err)
		}
		return gray16(rect, dst), nil

	default:
		return nil, fmt.Errorf("%w: %d", fits.ErrUnsupportedBitPix, int(h.BitPix))
	}
}

func gray16(rect image.Rectangle, samples []uint16) *image.Gray16 {
	out := image.NewGray16(rect)
	for i, v := range samples {
		out.Pix[2*i] = uint8(v >> 8)
		out.Pix[2*i+1] = uint8(v)
	}
	return out
}

// toGray8 keeps the high byte of each 16-bit sample, for 8-bit-only encoders.
func toGray8(img image.Image) *image.Gray {
	switch src := img.(type) {
	case *image.Gray:
		return src
	case *image.Gray16:
		out := image.NewGray(src.Rect)
		for i := range out.Pix {
			out.Pix[i] = src.Pix[2*i]
		}
		return out
	default:
		out := image.NewGray(img.Bounds())
		b := img.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				out.Set(x, y, img.At(x, y))
			}
		}
		return out
	}
}
