package storage

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestCheckSourceSize(t *testing.T) {
	tests := []struct {
		name  string
		size  int64
		limit int64
		want  error
	}{
		{name: "one block", size: 2880, limit: 0},
		{name: "at limit", size: 5760, limit: 5760},
		{name: "empty", size: 0, limit: 5760, want: ErrObjectTooSmall},
		{name: "partial header block", size: 2879, limit: 0, want: ErrObjectTooSmall},
		{name: "over limit", size: 5761, limit: 5760, want: ErrObjectTooLarge},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckSourceSize("uploads/fj_1/source.fits", tc.size, tc.limit)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"":     "image/png",
		"jpg":  "image/jpeg",
		"TIFF": "image/tiff",
		"webp": "image/webp",
		"gif":  "application/octet-stream",
	}
	for format, want := range cases {
		if got := ContentType(format); got != want {
			t.Fatalf("ContentType(%q) = %q, want %q", format, got, want)
		}
	}
}

func TestRenderMetadata(t *testing.T) {
	meta := Render{JobID: "fj_1", StepID: "deep", Format: "tiff", Width: 640, Height: 480}.metadata()
	if meta["job-id"] != "fj_1" || meta["step-id"] != "deep" || meta["width"] != "640" || meta["height"] != "480" {
		t.Fatalf("unexpected metadata %v", meta)
	}
}

func TestMissing(t *testing.T) {
	if !missing(minio.ErrorResponse{Code: "NoSuchKey"}) {
		t.Fatal("expected NoSuchKey to count as missing")
	}
	if missing(minio.ErrorResponse{Code: "AccessDenied"}) {
		t.Fatal("expected AccessDenied to be a real failure")
	}
}

func TestNewClientRequiresBucket(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected bucket error")
	}

	c, err := NewClient(Config{Endpoint: "localhost:9000", Bucket: "fits", MaxSourceBytes: -1})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c.Bucket() != "fits" || c.maxSourceBytes != 0 {
		t.Fatalf("unexpected client bucket=%s max=%d", c.Bucket(), c.maxSourceBytes)
	}
}
