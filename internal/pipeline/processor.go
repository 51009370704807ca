package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/fitsflow/internal/domain"
	"github.com/dunamismax/fitsflow/internal/fits"
	"github.com/dunamismax/fitsflow/internal/stretch"
	"github.com/dunamismax/fitsflow/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const SourceTypeLocalFile = domain.SourceTypeLocalFile

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrSourceTooLarge        = errors.New("source exceeds max bytes")
)

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	Steps      []domain.StretchStep
}

type Output struct {
	StepID  string
	Format  string
	Path    string
	Bytes   int
	Width   int
	Height  int
	BitPix  stretch.BitPix
	Pixels  int
	Success bool
}

type Result struct {
	SourceBytes int
	BitPix      stretch.BitPix
	Outputs     []Output
}

// PixelsProcessed sums the samples stretched across all outputs.
func (r Result) PixelsProcessed() int64 {
	var total int64
	for _, o := range r.Outputs {
		total += int64(o.Pixels)
	}
	return total
}

// OutputBytes sums the encoded sizes of all outputs.
func (r Result) OutputBytes() int64 {
	var total int64
	for _, o := range r.Outputs {
		total += int64(o.Bytes)
	}
	return total
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, step domain.StretchStep, data []byte, format string, width, height int) (Output, error)
}

type Processor struct {
	fetcher     Fetcher
	transformer Transformer
	emitter     Emitter
	tracer      trace.Tracer
}

func NewLocalProcessor(outputDir string, maxSourceBytes int64) (*Processor, error) {
	return newProcessor(
		LocalFileFetcher{MaxBytes: maxSourceBytes},
		LocalFileEmitter{OutputDir: outputDir},
	)
}

func NewObjectStoreProcessor(fetcher ObjectStoreFetcher, emitter ObjectStoreEmitter) (*Processor, error) {
	return newProcessor(fetcher, emitter)
}

func newProcessor(fetcher Fetcher, emitter Emitter) (*Processor, error) {
	transformer, err := newTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}

	return &Processor{
		fetcher:     fetcher,
		transformer: transformer,
		emitter:     emitter,
		tracer:      otel.Tracer("fitsflow/pipeline"),
	}, nil
}

// Process fetches and decodes the FITS source once, then renders one output per step. Every step
// stretches from the same decoded samples.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if len(req.Steps) == 0 {
		return Result{}, errors.New("steps must contain at least one step")
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	img, err := fits.Decode(sourceBytes)
	if err != nil {
		return Result{}, fmt.Errorf("decode stage: %w", err)
	}

	out := Result{
		SourceBytes: len(sourceBytes),
		BitPix:      img.Header.BitPix,
		Outputs:     make([]Output, 0, len(req.Steps)),
	}
	for _, step := range req.Steps {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		written, err := p.runStep(ctx, req, img, step)
		if err != nil {
			return Result{}, err
		}
		out.Outputs = append(out.Outputs, written)
	}

	return out, nil
}

func (p *Processor) runStep(ctx context.Context, req Request, img *fits.Image, step domain.StretchStep) (Output, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.step",
		trace.WithAttributes(telemetry.JobIDKey.String(req.JobID)),
		trace.WithAttributes(telemetry.StepAttributes(step.ID, normalizeOutputFormat(step.Format), step.Black, step.White)...),
		trace.WithAttributes(telemetry.FrameAttributes(img.Header.BitPix, img.Width(), img.Height())...),
	)
	defer span.End()

	transformed, format, width, height, err := p.transformer.Transform(ctx, img, step)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transform failed")
		return Output{}, fmt.Errorf("transform stage step=%s bitpix=%s: %w", step.ID, img.Header.BitPix, err)
	}

	written, err := p.emitter.Emit(ctx, req, step, transformed, format, width, height)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "emit failed")
		return Output{}, fmt.Errorf("emit stage step=%s format=%s: %w", step.ID, format, err)
	}
	written.BitPix = img.Header.BitPix
	written.Pixels = img.Header.Pixels()

	span.SetAttributes(telemetry.OutputBytesKey.Int(written.Bytes))
	return written, nil
}

type LocalFileFetcher struct {
	MaxBytes int64
}

func (f LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	file, err := os.Open(req.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	defer file.Close()

	return readLimited(file, f.MaxBytes)
}

// readLimited reads r fully, failing with ErrSourceTooLarge past limit bytes. A limit <= 0
// disables the check.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read source: %w", err)
		}
		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: limit=%d", ErrSourceTooLarge, limit)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, step domain.StretchStep, data []byte, format string, width, height int) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}
	if strings.TrimSpace(step.ID) == "" {
		return Output{}, errors.New("stretch step id is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	filename := fmt.Sprintf("%s.%s", sanitizePathToken(step.ID), fileExtension(format))
	fullPath := filepath.Join(jobDir, filename)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return Output{
		StepID:  step.ID,
		Format:  normalizeOutputFormat(format),
		Path:    fullPath,
		Bytes:   len(data),
		Width:   width,
		Height:  height,
		Success: true,
	}, nil
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
