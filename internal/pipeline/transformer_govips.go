//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/fitsflow/internal/domain"
	"github.com/dunamismax/fitsflow/internal/fits"
)

// govipsTransformer stretches with the same engine as the stdlib path and hands the frame to
// libvips for export. TIFF stays on the stdlib encoder, which keeps 16-bit samples.
type govipsTransformer struct {
	std stdlibTransformer
}

func (t govipsTransformer) Transform(ctx context.Context, img *fits.Image, step domain.StretchStep) ([]byte, string, int, int, error) {
	format := normalizeOutputFormat(step.Format)
	if format == domain.FormatTIFF {
		return t.std.Transform(ctx, img, step)
	}

	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}

	frame, err := renderFrame(img, step)
	if err != nil {
		return nil, "", 0, 0, err
	}

	lossless, err := encodeImage(frame, domain.FormatPNG, 0)
	if err != nil {
		return nil, "", 0, 0, err
	}

	ref, err := vips.NewImageFromBuffer(lossless)
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("load frame into vips: %w", err)
	}
	defer ref.Close()

	data, err := exportGovipsImage(ref, format, step.Quality)
	if err != nil {
		return nil, "", 0, 0, err
	}

	return data, format, ref.Width(), ref.Height(), nil
}

func exportGovipsImage(img *vips.ImageRef, format string, quality int) ([]byte, error) {
	switch format {
	case domain.FormatJPEG:
		params := vips.NewJpegExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case domain.FormatPNG:
		params := vips.NewPngExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportPng(params)
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case domain.FormatWebP:
		params := vips.NewWebpExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}
