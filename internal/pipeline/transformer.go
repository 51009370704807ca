package pipeline

import (
	"context"
	"errors"

	"github.com/dunamismax/fitsflow/internal/domain"
	"github.com/dunamismax/fitsflow/internal/fits"
)

var ErrFormatUnavailable = errors.New("output format unavailable in this build")

type Transformer interface {
	Transform(ctx context.Context, img *fits.Image, step domain.StretchStep) (data []byte, format string, width, height int, err error)
}

func normalizeOutputFormat(format string) string {
	if f := domain.NormalizeFormat(format); f != "" {
		return f
	}
	return domain.FormatPNG
}

func fileExtension(format string) string {
	switch normalizeOutputFormat(format) {
	case domain.FormatJPEG:
		return "jpg"
	case domain.FormatTIFF:
		return "tif"
	default:
		return normalizeOutputFormat(format)
	}
}
