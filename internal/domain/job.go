package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"

	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatTIFF = "tiff"
	FormatWebP = "webp"

	maxStretchPoint = 65535
)

type CreateJobRequest struct {
	SourceType string        `json:"source_type"`
	WebhookURL string        `json:"webhook_url,omitempty"`
	ObjectKey  string        `json:"object_key,omitempty"`
	Steps      []StretchStep `json:"steps"`
}

// StretchStep renders one display frame. Nil Black/White fall back to the file's CBLACK/CWHITE.
type StretchStep struct {
	ID      string `json:"id"`
	Black   *int   `json:"black,omitempty"`
	White   *int   `json:"white,omitempty"`
	Format  string `json:"format,omitempty"`
	Quality int    `json:"quality,omitempty"`
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	WebhookURL string
	Steps      []StretchStep
	ObjectKey  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	if len(r.Steps) == 0 {
		return errors.New("steps must contain at least one stretch step")
	}

	seen := make(map[string]struct{}, len(r.Steps))
	for i, step := range r.Steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			return fmt.Errorf("steps[%d].id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("steps[%d].id %q is duplicated", i, id)
		}
		seen[id] = struct{}{}

		if err := step.validate(); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func (s StretchStep) validate() error {
	if s.Format != "" && NormalizeFormat(s.Format) == "" {
		return fmt.Errorf("unsupported format: %s", s.Format)
	}
	if s.Quality < 0 || s.Quality > 100 {
		return fmt.Errorf("quality must be within [0,100], got %d", s.Quality)
	}
	for name, p := range map[string]*int{"black": s.Black, "white": s.White} {
		if p != nil && (*p < 0 || *p > maxStretchPoint) {
			return fmt.Errorf("%s must be within [0,%d], got %d", name, maxStretchPoint, *p)
		}
	}
	if s.Black != nil && s.White != nil && *s.White <= *s.Black {
		return fmt.Errorf("white (%d) must be greater than black (%d)", *s.White, *s.Black)
	}
	return nil
}

// NormalizeFormat maps aliases to a canonical output format, or "" when unsupported.
func NormalizeFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "png":
		return FormatPNG
	case "jpg", "jpeg":
		return FormatJPEG
	case "tif", "tiff":
		return FormatTIFF
	case "webp":
		return FormatWebP
	default:
		return ""
	}
}
