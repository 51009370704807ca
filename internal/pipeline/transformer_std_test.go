//go:build !govips || !cgo

package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/dunamismax/fitsflow/internal/domain"
	"github.com/dunamismax/fitsflow/internal/fits"
	"github.com/dunamismax/fitsflow/internal/fits/fitstest"
)

func TestStdlibTransformer_WebPUnavailable(t *testing.T) {
	img, err := fits.Decode(fitstest.File{BitPix: 8, Width: 2, Height: 2, Samples: []byte{1, 2, 3, 4}}.Bytes())
	if err != nil {
		t.Fatalf("decode fits: %v", err)
	}

	_, _, _, _, err = stdlibTransformer{}.Transform(context.Background(), img, domain.StretchStep{ID: "web", Format: "webp"})
	if !errors.Is(err, ErrFormatUnavailable) {
		t.Fatalf("expected ErrFormatUnavailable, got %v", err)
	}
	if Backend() != "stdlib" {
		t.Fatalf("expected stdlib backend, got %s", Backend())
	}
}

func TestStdlibTransformer_Float32Words(t *testing.T) {
	img, err := fits.Decode(fitstest.File{
		BitPix:  -32,
		Width:   2,
		Height:  1,
		Samples: []int32{70000, 16777216},
	}.Bytes())
	if err != nil {
		t.Fatalf("decode fits: %v", err)
	}

	frame, err := renderFrame(img, domain.StretchStep{ID: "raw"})
	if err != nil {
		t.Fatalf("render frame: %v", err)
	}
	b := frame.Bounds()
	if b.Dx() != 2 || b.Dy() != 1 {
		t.Fatalf("unexpected bounds %v", b)
	}
}
