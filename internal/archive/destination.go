package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const contentTypeJSONL = "application/x-ndjson"

// Destination receives a complete archive.
type Destination interface {
	Write(ctx context.Context, data []byte) error
}

// Source yields a previously written archive or a legacy export.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
}

// FileDestination writes archives to a local file, replacing it atomically.
type FileDestination struct {
	Path string
}

func (d FileDestination) Write(_ context.Context, data []byte) error {
	path := strings.TrimSpace(d.Path)
	if path == "" {
		return errors.New("archive: file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	temp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	defer os.Remove(temp.Name())
	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		return fmt.Errorf("write temp archive: %w", err)
	}
	if err := temp.Sync(); err != nil {
		_ = temp.Close()
		return fmt.Errorf("sync temp archive: %w", err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("close temp archive: %w", err)
	}
	if err := os.Rename(temp.Name(), path); err != nil {
		return fmt.Errorf("replace archive: %w", err)
	}
	return nil
}

func (d FileDestination) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return nil, fmt.Errorf("read archive file: %w", err)
	}
	return data, nil
}

func (d FileDestination) String() string {
	return "file:" + d.Path
}

// S3Config locates an archive object. A non-empty Endpoint switches to path-style addressing
// for MinIO and similar services.
type S3Config struct {
	Bucket   string
	Key      string
	Region   string
	Endpoint string
}

// S3Bucket reads and writes one archive object in an S3-compatible bucket.
type S3Bucket struct {
	client *s3.Client
	bucket string
	key    string
}

func NewS3Bucket(ctx context.Context, cfg S3Config) (*S3Bucket, error) {
	if strings.TrimSpace(cfg.Bucket) == "" || strings.TrimSpace(cfg.Key) == "" {
		return nil, errors.New("archive: s3 bucket and key are required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	var options []func(*s3.Options)
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return &S3Bucket{client: s3.NewFromConfig(awsCfg, options...), bucket: cfg.Bucket, key: cfg.Key}, nil
}

func (b *S3Bucket) Write(ctx context.Context, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentTypeJSONL),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func (b *S3Bucket) Read(ctx context.Context) ([]byte, error) {
	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer output.Body.Close()
	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read object: %w", err)
	}
	return data, nil
}

func (b *S3Bucket) String() string {
	return "s3://" + b.bucket + "/" + b.key
}
