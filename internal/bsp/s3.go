package bsp

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore is the subset of S3 the fetcher and the publisher need.
type ObjectStore interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
	UploadFile(ctx context.Context, bucket, key, path string) error
}

// S3Client wraps the S3 client for any S3-compatible endpoint (AWS, R2,
// MinIO).
type S3Client struct {
	Client *s3.Client
}

// NewS3Client initializes a client from L4TBSP_S3_* settings, falling back to
// the default AWS credential chain when no static keys are configured.
func NewS3Client(ctx context.Context, cfg *Config) (*S3Client, error) {
	endpoint := cfg.Get("L4TBSP_S3_ENDPOINT", "")
	region := cfg.Get("L4TBSP_S3_REGION", "")
	accessKey := cfg.Get("L4TBSP_S3_ACCESS_KEY_ID", "")
	secretKey := cfg.Get("L4TBSP_S3_SECRET_ACCESS_KEY", "")

	var options []func(*config.LoadOptions) error
	if region != "" {
		options = append(options, config.WithRegion(region))
	} else if endpoint != "" {
		// R2 and MinIO ignore the region but the signer needs one
		options = append(options, config.WithRegion("auto"))
	}
	if accessKey != "" && secretKey != "" {
		options = append(options, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Client{Client: client}, nil
}

// GetObject streams an object. The size is -1 when unknown.
func (c *S3Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	output, err := c.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, err
	}
	size := int64(-1)
	if output.ContentLength != nil {
		size = *output.ContentLength
	}
	return output.Body, size, nil
}

// UploadFile uploads a file from disk.
func (c *S3Client) UploadFile(ctx context.Context, bucket, key, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	contentType := "application/octet-stream"
	switch {
	case strings.HasSuffix(key, ".tar.gz"):
		contentType = "application/gzip"
	case strings.HasSuffix(key, ".tar.xz"):
		contentType = "application/x-xz"
	}

	_, err = c.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentType),
	})
	return err
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 url: %s", raw)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// lazyS3 defers credential loading until an s3:// artifact or a publish
// target is actually used.
type lazyS3 struct {
	cfg    *Config
	once   sync.Once
	client *S3Client
	err    error
}

// NewLazyS3 returns an ObjectStore that connects on first use.
func NewLazyS3(cfg *Config) ObjectStore {
	return &lazyS3{cfg: cfg}
}

func (l *lazyS3) get(ctx context.Context) (*S3Client, error) {
	l.once.Do(func() {
		l.client, l.err = NewS3Client(ctx, l.cfg)
	})
	return l.client, l.err
}

func (l *lazyS3) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	c, err := l.get(ctx)
	if err != nil {
		return nil, 0, err
	}
	return c.GetObject(ctx, bucket, key)
}

func (l *lazyS3) UploadFile(ctx context.Context, bucket, key, path string) error {
	c, err := l.get(ctx)
	if err != nil {
		return err
	}
	return c.UploadFile(ctx, bucket, key, path)
}
