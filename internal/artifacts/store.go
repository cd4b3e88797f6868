// Package artifacts stores failure evidence (screenshots) in S3-compatible object
// storage. For production, configure any S3 endpoint. For tests, use gofakes3.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kuitang/ui-scenarios/internal/obs"
)

// Store writes run artifacts to a bucket.
type Store struct {
	s3Client   *s3.Client
	bucketName string
	publicURL  string // Base URL for links in logs and results; empty means s3://bucket
}

// Config holds the configuration for creating a Store.
type Config struct {
	// Endpoint is the S3 endpoint URL. Leave empty to use default AWS S3.
	Endpoint string
	// Region is the AWS region (e.g., "auto" for Tigris, "us-east-1" for AWS).
	Region string
	// AccessKeyID is the S3 access key.
	AccessKeyID string
	// SecretAccessKey is the S3 secret key.
	SecretAccessKey string
	// BucketName is the bucket to use for storage.
	BucketName string
	// PublicURL is the base URL for publicly accessible objects.
	PublicURL string
	// UsePathStyle enables path-style addressing (required for gofakes3 and minio).
	UsePathStyle bool
}

// New creates a Store with the given configuration.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*config.LoadOptions) error

	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	sdkConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewFromS3Client(s3Client, cfg.BucketName, cfg.PublicURL), nil
}

// NewFromS3Client creates a Store from an existing S3 client.
func NewFromS3Client(s3Client *s3.Client, bucketName, publicURL string) *Store {
	return &Store{
		s3Client:   s3Client,
		bucketName: bucketName,
		publicURL:  strings.TrimSuffix(publicURL, "/"),
	}
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ScreenshotKey returns the object key for a run's failure screenshot:
// runs/{run_id}/{scenario}.png, with path-unsafe characters collapsed to "-".
func ScreenshotKey(runID, scenario string) string {
	return "runs/" + unsafeKeyChars.ReplaceAllString(runID, "-") + "/" +
		unsafeKeyChars.ReplaceAllString(scenario, "-") + ".png"
}

// SaveScreenshot stores a PNG screenshot for a failed run and returns its URL.
func (s *Store) SaveScreenshot(ctx context.Context, runID, scenario string, png []byte) (string, error) {
	key := ScreenshotKey(runID, scenario)
	if err := s.PutObject(ctx, key, png, "image/png"); err != nil {
		return "", err
	}
	location := s.URL(key)
	obs.From(ctx).With("pkg", "artifacts").Info("artifact_saved", "key", key, "bytes", len(png), "url", location)
	return location, nil
}

// PutObject stores content under the given key with the specified content type.
func (s *Store) PutObject(ctx context.Context, key string, content []byte, contentType string) error {
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("artifacts: failed to put object %q: %w", key, err)
	}
	return nil
}

// URL returns where the object at key can be found.
func (s *Store) URL(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.publicURL == "" {
		return "s3://" + s.bucketName + "/" + key
	}
	return s.publicURL + "/" + key
}

// BucketName returns the configured bucket name.
func (s *Store) BucketName() string {
	return s.bucketName
}
