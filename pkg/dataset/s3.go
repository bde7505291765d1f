package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectConfig locates datasets in an S3-compatible bucket.
type ObjectConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Insecure       bool   `mapstructure:"insecure"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

func (c *ObjectConfig) normalize() error {
	if c.Bucket == "" {
		return fmt.Errorf("dataset: bucket is required")
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	c.Prefix = strings.Trim(c.Prefix, "/")
	return nil
}

// S3Source loads datasets from S3 through the AWS SDK. Credentials come
// from the SDK's default chain.
type S3Source struct {
	client *s3.Client
	cfg    ObjectConfig
}

// NewS3Source creates an S3 source.
func NewS3Source(ctx context.Context, cfg ObjectConfig) (*S3Source, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("dataset: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &S3Source{client: client, cfg: cfg}, nil
}

// Load implements Source.
func (s *S3Source) Load(ctx context.Context, id string) (*Dataset, error) {
	return loadObjects(ctx, s.get, s.cfg.Prefix, id)
}

func (s *S3Source) get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dataset: s3 get %s: %w", key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dataset: s3 read %s: %w", key, err)
	}
	return data, nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}

// MinioSource loads datasets from an S3-compatible store through the MinIO
// client, which suits on-premises archives that the AWS endpoint resolver
// handles poorly. Credentials come from the AWS and MinIO environment
// variables or the shared credentials file.
type MinioSource struct {
	client *minio.Client
	cfg    ObjectConfig
}

// NewMinioSource creates a MinIO source. The endpoint is required.
func NewMinioSource(cfg ObjectConfig) (*MinioSource, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("dataset: minio endpoint is required")
	}
	endpoint := cfg.Endpoint
	if i := strings.Index(endpoint, "://"); i >= 0 {
		endpoint = endpoint[i+3:]
	}
	opts := &minio.Options{
		Creds: credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
		}),
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("dataset: create minio client: %w", err)
	}
	return &MinioSource{client: client, cfg: cfg}, nil
}

// Load implements Source.
func (s *MinioSource) Load(ctx context.Context, id string) (*Dataset, error) {
	return loadObjects(ctx, s.get, s.cfg.Prefix, id)
}

func (s *MinioSource) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("dataset: minio get %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isMinioNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dataset: minio read %s: %w", key, err)
	}
	return data, nil
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
