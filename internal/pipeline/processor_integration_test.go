package pipeline

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dunamismax/fitsflow/internal/domain"
	"github.com/dunamismax/fitsflow/internal/fits"
	"github.com/dunamismax/fitsflow/internal/fits/fitstest"
	"github.com/dunamismax/fitsflow/internal/stretch"
	_ "golang.org/x/image/tiff"
)

func TestLocalProcessor_FileInStretchFileOut(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "m31.fits")
	outputDir := filepath.Join(tmp, "out")

	src := fitstest.File{
		BitPix:  16,
		Width:   4,
		Height:  2,
		Samples: []int16{-32768, -1, 0, 1, 32767, 32767, 32767, 32767},
		Extra:   [][2]string{{"BZERO", "32768"}},
	}
	writeFITS(t, inputPath, src)

	processor, err := NewLocalProcessor(outputDir, 0)
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	req := Request{
		JobID:      "job-local-1",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  inputPath,
		Steps: []domain.StretchStep{
			{ID: "linear", Format: "png"},
			{ID: "preview", Format: "jpg", Quality: 80},
			{ID: "archive", Format: "tiff"},
		},
	}

	result, err := processor.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process request: %v", err)
	}

	if result.BitPix != stretch.BitPixInt16 {
		t.Fatalf("expected int16 source, got %s", result.BitPix)
	}
	if len(result.Outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(result.Outputs))
	}
	if result.SourceBytes != 2*fits.BlockSize {
		t.Fatalf("expected source bytes %d, got %d", 2*fits.BlockSize, result.SourceBytes)
	}
	if got := result.PixelsProcessed(); got != 24 {
		t.Fatalf("expected 24 pixels processed, got %d", got)
	}

	linear := decodeImage(t, result.Outputs[0].Path)
	gray, ok := linear.(*image.Gray16)
	if !ok {
		t.Fatalf("expected 16-bit grey png, got %T", linear)
	}
	want := []uint16{0, 32767, 32768, 32769, 65535}
	for i, w := range want {
		if got := gray.Gray16At(i%4, i/4).Y; got != w {
			t.Fatalf("pixel %d: expected %d, got %d", i, w, got)
		}
	}

	preview := result.Outputs[1]
	if preview.Format != domain.FormatJPEG {
		t.Fatalf("expected jpeg output format, got %s", preview.Format)
	}
	if !strings.HasSuffix(preview.Path, ".jpg") {
		t.Fatalf("expected .jpg extension, got %s", preview.Path)
	}
	if got := decodeImage(t, preview.Path).Bounds().Dx(); got != 4 {
		t.Fatalf("expected preview width 4, got %d", got)
	}

	archive := result.Outputs[2]
	if !strings.HasSuffix(archive.Path, ".tif") {
		t.Fatalf("expected .tif extension, got %s", archive.Path)
	}
	if _, ok := decodeImage(t, archive.Path).(*image.Gray16); !ok {
		t.Fatal("expected tiff output to keep 16-bit samples")
	}
}

func TestLocalProcessor_StepsShareSource(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "bytes.fits")
	writeFITS(t, inputPath, fitstest.File{
		BitPix:  8,
		Width:   4,
		Height:  1,
		Samples: []byte{0, 50, 100, 200},
	})

	processor, err := NewLocalProcessor(filepath.Join(tmp, "out"), 0)
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-shared",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  inputPath,
		Steps: []domain.StretchStep{
			{ID: "hard", Black: intPtr(0), White: intPtr(100)},
			{ID: "linear"},
		},
	})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}

	assertGray8(t, result.Outputs[0].Path, []uint8{0, 127, 255, 255})
	assertGray8(t, result.Outputs[1].Path, []uint8{0, 50, 100, 200})
}

func TestLocalProcessor_RejectsInvalidStretch(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "bytes.fits")
	writeFITS(t, inputPath, fitstest.File{BitPix: 8, Width: 2, Height: 1, Samples: []byte{1, 2}})

	processor, err := NewLocalProcessor(filepath.Join(tmp, "out"), 0)
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-range",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  inputPath,
		Steps:      []domain.StretchStep{{ID: "too_white", White: intPtr(4000)}},
	})
	if !errors.Is(err, fits.ErrStretchRange) {
		t.Fatalf("expected ErrStretchRange, got %v", err)
	}
}

func TestLocalProcessor_UnsupportedSourceType(t *testing.T) {
	processor, err := NewLocalProcessor(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-unsupported",
		SourceType: "s3_presigned",
		ObjectKey:  "uploads/job/source.fits",
		Steps:      []domain.StretchStep{{ID: "linear"}},
	})
	if !errors.Is(err, ErrUnsupportedSourceType) {
		t.Fatalf("expected unsupported source_type error, got %v", err)
	}
}

func TestLocalProcessor_SourceTooLarge(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "big.fits")
	writeFITS(t, inputPath, fitstest.File{BitPix: 8, Width: 2, Height: 1, Samples: []byte{1, 2}})

	processor, err := NewLocalProcessor(filepath.Join(tmp, "out"), fits.BlockSize)
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-big",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  inputPath,
		Steps:      []domain.StretchStep{{ID: "linear"}},
	})
	if !errors.Is(err, ErrSourceTooLarge) {
		t.Fatalf("expected ErrSourceTooLarge, got %v", err)
	}
}

func TestProcessor_CanceledBetweenSteps(t *testing.T) {
	processor, err := NewLocalProcessor(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}
	processor.fetcher = staticFetcher{data: fitstest.File{BitPix: 8, Width: 1, Height: 1, Samples: []byte{9}}.Bytes()}
	processor.emitter = discardEmitter{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = processor.Process(ctx, Request{
		JobID:      "job-cancel",
		SourceType: SourceTypeLocalFile,
		Steps:      []domain.StretchStep{{ID: "linear"}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOutputObjectKey(t *testing.T) {
	got := outputObjectKey("", "job/1", "deep stretch", "tiff")
	if got != "renders/job_1/deep_stretch.tif" {
		t.Fatalf("unexpected object key %q", got)
	}
}

func writeFITS(t *testing.T, path string, f fitstest.File) {
	t.Helper()
	if err := os.WriteFile(path, f.Bytes(), 0o644); err != nil {
		t.Fatalf("write fits file: %v", err)
	}
}

func decodeImage(t *testing.T, path string) image.Image {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open image %s: %v", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		t.Fatalf("decode image %s: %v", path, err)
	}
	return img
}

func assertGray8(t *testing.T, path string, want []uint8) {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open image %s: %v", path, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode png %s: %v", path, err)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		t.Fatalf("expected 8-bit grey png, got %T", img)
	}
	for i, w := range want {
		if got := gray.GrayAt(i, 0).Y; got != w {
			t.Fatalf("%s pixel %d: expected %d, got %d", path, i, w, got)
		}
	}
}

func intPtr(v int) *int {
	return &v
}
