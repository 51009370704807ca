package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/fitsflow/internal/domain"
	"github.com/dunamismax/fitsflow/internal/fits"
	"github.com/dunamismax/fitsflow/internal/storage"
)

const (
	SourceTypeS3Presigned = domain.SourceTypeS3Presigned
)

// ObjectStoreFetcher reads uploaded sources. Size limits come from the storage client.
type ObjectStoreFetcher struct {
	Storage *storage.Client
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if !strings.EqualFold(req.SourceType, SourceTypeS3Presigned) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	data, err := f.Storage.ReadSource(ctx, req.ObjectKey)
	switch {
	case errors.Is(err, storage.ErrObjectTooLarge):
		return nil, fmt.Errorf("%w: %w", ErrSourceTooLarge, err)
	case errors.Is(err, storage.ErrObjectTooSmall):
		return nil, fmt.Errorf("%w: %w", fits.ErrTruncatedData, err)
	}
	return data, err
}

type ObjectStoreEmitter struct {
	Storage      *storage.Client
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, step domain.StretchStep, data []byte, format string, width, height int) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}
	if strings.TrimSpace(step.ID) == "" {
		return Output{}, errors.New("stretch step id is required")
	}

	objectKey := outputObjectKey(e.OutputPrefix, req.JobID, step.ID, format)
	render := storage.Render{JobID: req.JobID, StepID: step.ID, Format: format, Width: width, Height: height}
	if err := e.Storage.WriteRender(ctx, objectKey, data, render); err != nil {
		return Output{}, err
	}

	return Output{
		StepID:  step.ID,
		Format:  normalizeOutputFormat(format),
		Path:    objectKey,
		Bytes:   len(data),
		Width:   width,
		Height:  height,
		Success: true,
	}, nil
}

func outputObjectKey(prefix, jobID, stepID, format string) string {
	return path.Join(
		defaultOutputPrefix(prefix),
		sanitizePathToken(jobID),
		fmt.Sprintf("%s.%s", sanitizePathToken(stepID), fileExtension(format)),
	)
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "renders"
	}
	return prefix
}
