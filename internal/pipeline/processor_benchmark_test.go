package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/dunamismax/fitsflow/internal/domain"
	"github.com/dunamismax/fitsflow/internal/fits/fitstest"
)

func BenchmarkProcessorStretchInt16PNG(b *testing.B) {
	benchmarkProcessor(b, 16, domain.StretchStep{ID: "linear_png", Format: "png", Black: intPtr(1000), White: intPtr(50000)})
}

func BenchmarkProcessorStretchInt32TIFF(b *testing.B) {
	benchmarkProcessor(b, 32, domain.StretchStep{ID: "linear_tiff", Format: "tiff"})
}

func benchmarkProcessor(b *testing.B, bitpix int, step domain.StretchStep) {
	b.Helper()

	source := benchmarkFITS(b, bitpix, 1024, 1024)
	processor, err := NewLocalProcessor(b.TempDir(), 0)
	if err != nil {
		b.Fatalf("new local processor: %v", err)
	}
	processor.fetcher = staticFetcher{data: source}
	processor.emitter = discardEmitter{}

	req := Request{
		JobID:      "bench",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  "ignored.fits",
		Steps:      []domain.StretchStep{step},
	}

	b.SetBytes(int64(len(source)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req.JobID = fmt.Sprintf("bench-%s-%d", step.ID, i)
		if _, err := processor.Process(context.Background(), req); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}

type staticFetcher struct {
	data []byte
}

func (f staticFetcher) Fetch(_ context.Context, _ Request) ([]byte, error) {
	return f.data, nil
}

type discardEmitter struct{}

func (discardEmitter) Emit(_ context.Context, _ Request, step domain.StretchStep, data []byte, format string, width, height int) (Output, error) {
	return Output{
		StepID:  step.ID,
		Format:  normalizeOutputFormat(format),
		Bytes:   len(data),
		Width:   width,
		Height:  height,
		Success: true,
	}, nil
}

func benchmarkFITS(b *testing.B, bitpix, w, h int) []byte {
	b.Helper()

	f := fitstest.File{BitPix: bitpix, Width: w, Height: h}
	switch bitpix {
	case 16:
		samples := make([]int16, w*h)
		for i := range samples {
			samples[i] = int16(i*37 - 32768)
		}
		f.Samples = samples
		f.Extra = [][2]string{{"BZERO", "32768"}}
	default:
		samples := make([]int32, w*h)
		for i := range samples {
			samples[i] = int32(i % 70000)
		}
		f.Samples = samples
	}
	return f.Bytes()
}
