package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/edvin/volume-backup/internal/config"
)

// s3API is the slice of the S3 client used for delivery.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Destination uploads the archive as a single object keyed by its file
// name. A custom endpoint switches the client to path-style addressing for
// self-hosted object stores.
type S3Destination struct {
	client s3API
	bucket string
}

// NewS3Destination creates an S3Destination from the configuration.
func NewS3Destination(cfg config.S3Config) *S3Destination {
	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return &S3Destination{
		client: s3.New(opts),
		bucket: cfg.Bucket,
	}
}

func (d *S3Destination) Name() string {
	return "s3"
}

func (d *S3Destination) Deliver(ctx context.Context, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	key := filepath.Base(archivePath)
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", d.bucket, key, err)
	}
	return nil
}
