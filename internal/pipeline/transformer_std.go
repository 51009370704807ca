package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/dunamismax/fitsflow/internal/domain"
	"github.com/dunamismax/fitsflow/internal/fits"
	"golang.org/x/image/tiff"
)

type stdlibTransformer struct{}

func (t stdlibTransformer) Transform(ctx context.Context, img *fits.Image, step domain.StretchStep) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}

	frame, err := renderFrame(img, step)
	if err != nil {
		return nil, "", 0, 0, err
	}

	format := normalizeOutputFormat(step.Format)
	output, err := encodeImage(frame, format, step.Quality)
	if err != nil {
		return nil, "", 0, 0, err
	}

	bounds := frame.Bounds()
	return output, format, bounds.Dx(), bounds.Dy(), nil
}

func encodeImage(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case domain.FormatJPEG:
		if quality <= 0 || quality > 100 {
			quality = 90
		}
		if err := jpeg.Encode(&buf, toGray8(img), &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case domain.FormatPNG:
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case domain.FormatTIFF:
		if err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
			return nil, fmt.Errorf("encode tiff: %w", err)
		}
	case domain.FormatWebP:
		return nil, fmt.Errorf("%w: webp export requires govips build tag", ErrFormatUnavailable)
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	return buf.Bytes(), nil
}
