// Package archive rotates the decision log and ships closed segments to
// object storage.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader stores one object.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader) error
}

// Rotator is the decision log being archived.
type Rotator interface {
	Path() string
	Rotate(archived string) (string, error)
}

// S3Config locates the bucket. Endpoint is set for S3-compatible stores
// such as MinIO or R2.
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// S3Uploader uploads with the multipart manager.
type S3Uploader struct {
	up     *manager.Uploader
	bucket string
}

// NewS3Uploader builds an S3 client from cfg. Static credentials are used
// when given; otherwise the default AWS chain applies.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &S3Uploader{up: manager.NewUploader(client), bucket: cfg.Bucket}, nil
}

// Upload implements Uploader.
func (u *S3Uploader) Upload(ctx context.Context, key string, body io.Reader) error {
	_, err := u.up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: upload %s: %w", key, err)
	}
	return nil
}

// Archiver rotates a log and uploads the closed segment.
type Archiver struct {
	log       Rotator
	up        Uploader
	prefix    string
	keepLocal bool
	logger    *slog.Logger
	now       func() time.Time
}

// New returns an archiver writing under prefix. Uploaded segments are
// deleted locally unless keepLocal is set.
func New(log Rotator, up Uploader, prefix string, keepLocal bool, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{log: log, up: up, prefix: prefix, keepLocal: keepLocal, logger: logger, now: time.Now}
}

// Archive rotates the log and uploads the segment. Empty segments are
// discarded. The object key is returned, or "" when nothing was uploaded.
func (a *Archiver) Archive(ctx context.Context) (string, error) {
	now := a.now().UTC()
	archived, err := a.log.Rotate(fmt.Sprintf("%s.%s", a.log.Path(), now.Format("20060102T150405Z")))
	if err != nil {
		return "", err
	}

	info, err := os.Stat(archived)
	if err != nil {
		return "", fmt.Errorf("archive: stat %s: %w", archived, err)
	}
	if info.Size() == 0 {
		return "", os.Remove(archived)
	}

	f, err := os.Open(archived)
	if err != nil {
		return "", fmt.Errorf("archive: open %s: %w", archived, err)
	}
	key := path.Join(a.prefix, now.Format("2006/01/02"), filepath.Base(archived))
	err = a.up.Upload(ctx, key, f)
	f.Close()
	if err != nil {
		// The segment stays on disk for the next attempt or manual upload.
		return "", err
	}

	a.logger.Info("decision log archived", "key", key, "bytes", info.Size())
	if !a.keepLocal {
		if err := os.Remove(archived); err != nil {
			a.logger.Warn("remove archived segment failed", "path", archived, "error", err)
		}
	}
	return key, nil
}

// Run archives every interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.Archive(ctx); err != nil {
				a.logger.Error("archive failed", "error", err)
			}
		}
	}
}
