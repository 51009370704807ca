package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/fitsflow/internal/domain"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// FITSContentType is signed into upload URLs, so uploads must send it verbatim.
const FITSContentType = "application/fits"

// A FITS file is at least one 2880-byte header block.
const minSourceBytes = 2880

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectTooLarge = errors.New("object exceeds size limit")
	ErrObjectTooSmall = errors.New("object smaller than one FITS block")
)

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool
	// MaxSourceBytes bounds uploaded sources. Zero disables the upper bound.
	MaxSourceBytes int64
}

type Client struct {
	minio          *minio.Client
	bucket         string
	maxSourceBytes int64
}

// Upload is a presigned PUT for one FITS source.
type Upload struct {
	URL         string
	ContentType string
	MaxBytes    int64
	ExpiresAt   time.Time
}

// SourceInfo describes an uploaded source that passed the size checks.
type SourceInfo struct {
	Key         string
	Size        int64
	ContentType string
	ETag        string
}

// Render labels a stretched frame written back to the bucket.
type Render struct {
	JobID  string
	StepID string
	Format string
	Width  int
	Height int
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Client{
		minio:          mc,
		bucket:         cfg.Bucket,
		maxSourceBytes: max(0, cfg.MaxSourceBytes),
	}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := c.minio.BucketExists(ctx, c.bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}

	return nil
}

// PresignSourceUpload signs a PUT for objectKey that only accepts a FITS content type.
func (c *Client) PresignSourceUpload(ctx context.Context, objectKey string, ttl time.Duration) (Upload, error) {
	headers := make(http.Header)
	headers.Set("Content-Type", FITSContentType)

	u, err := c.minio.PresignHeader(ctx, http.MethodPut, c.bucket, objectKey, ttl, nil, headers)
	if err != nil {
		return Upload{}, fmt.Errorf("presign source upload %s: %w", objectKey, err)
	}
	return Upload{
		URL:         u.String(),
		ContentType: FITSContentType,
		MaxBytes:    c.maxSourceBytes,
		ExpiresAt:   time.Now().Add(ttl).UTC(),
	}, nil
}

// StatSource looks up an uploaded source and rejects sizes no FITS decode could accept.
func (c *Client) StatSource(ctx context.Context, objectKey string) (SourceInfo, error) {
	info, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		if missing(err) {
			return SourceInfo{}, fmt.Errorf("%w: %s", ErrObjectNotFound, objectKey)
		}
		return SourceInfo{}, fmt.Errorf("stat object %s: %w", objectKey, err)
	}

	src := SourceInfo{
		Key:         objectKey,
		Size:        info.Size,
		ContentType: info.ContentType,
		ETag:        info.ETag,
	}
	if err := CheckSourceSize(objectKey, info.Size, c.maxSourceBytes); err != nil {
		return src, err
	}
	return src, nil
}

// ReadSource downloads a source checked by StatSource. The read is pinned to the stat ETag so
// a replacement upload mid-read fails instead of mixing two files.
func (c *Client) ReadSource(ctx context.Context, objectKey string) ([]byte, error) {
	src, err := c.StatSource(ctx, objectKey)
	if err != nil {
		return nil, err
	}

	opts := minio.GetObjectOptions{}
	if src.ETag != "" {
		if err := opts.SetMatchETag(src.ETag); err != nil {
			return nil, fmt.Errorf("pin source etag %s: %w", objectKey, err)
		}
	}
	obj, err := c.minio.GetObject(ctx, c.bucket, objectKey, opts)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", objectKey, err)
	}
	defer obj.Close()

	data := make([]byte, src.Size)
	if _, err := io.ReadFull(obj, data); err != nil {
		return nil, fmt.Errorf("read object %s: %w", objectKey, err)
	}
	return data, nil
}

// WriteRender stores one stretched frame with its content type and job labels.
func (c *Client) WriteRender(ctx context.Context, objectKey string, data []byte, r Render) error {
	_, err := c.minio.PutObject(
		ctx,
		c.bucket,
		objectKey,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  ContentType(r.Format),
			UserMetadata: r.metadata(),
		},
	)
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}

func (r Render) metadata() map[string]string {
	return map[string]string{
		"job-id":  r.JobID,
		"step-id": r.StepID,
		"width":   strconv.Itoa(r.Width),
		"height":  strconv.Itoa(r.Height),
	}
}

// CheckSourceSize applies the FITS lower bound and the configured upper bound.
func CheckSourceSize(objectKey string, size, limit int64) error {
	switch {
	case size < minSourceBytes:
		return fmt.Errorf("%w: key=%s size=%d", ErrObjectTooSmall, objectKey, size)
	case limit > 0 && size > limit:
		return fmt.Errorf("%w: key=%s size=%d limit=%d", ErrObjectTooLarge, objectKey, size, limit)
	default:
		return nil
	}
}

// ContentType maps an output format alias to its MIME type.
func ContentType(format string) string {
	switch domain.NormalizeFormat(format) {
	case domain.FormatJPEG:
		return "image/jpeg"
	case domain.FormatTIFF:
		return "image/tiff"
	case domain.FormatWebP:
		return "image/webp"
	case domain.FormatPNG:
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

func missing(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return true
	default:
		return false
	}
}
