package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/kenneth/segment-key-gateway/internal/config"
	"github.com/kenneth/segment-key-gateway/internal/metrics"
)

// ErrNotFound is returned when an object or bucket does not exist.
var ErrNotFound = errors.New("object not found")

// Client is the object storage interface used for raw sources and the
// processed (encrypted) tree.
type Client interface {
	PutObject(ctx context.Context, bucket, key string, body io.ReadSeeker, contentType string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	HeadBucket(ctx context.Context, bucket string) error
	// PresignGetObject returns a URL that fetches the object without
	// credentials until ttl elapses.
	PresignGetObject(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// ObjectInfo holds information about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

type s3Client struct {
	client  *s3.Client
	presign *s3.PresignClient
	metrics *metrics.Metrics
}

// NewClient creates a client for the configured backend. m may be nil.
func NewClient(ctx context.Context, cfg *config.BackendConfig, m *metrics.Metrics) (Client, error) {
	endpoint, region, err := ValidateProviderConfig(cfg.Endpoint, cfg.Provider, cfg.Region, cfg.UseSSL)
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	pathStyle := cfg.UsePathStyle || RequiresPathStyleAddressing(cfg.Provider)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Provider != "aws" || cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})

	return &s3Client{client: client, presign: s3.NewPresignClient(client), metrics: m}, nil
}

// errorCode extracts the service error code, or "unknown".
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return "unknown"
}

func isNotFound(err error) bool {
	switch errorCode(err) {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}

func (c *s3Client) observe(ctx context.Context, op, bucket string, start time.Time, err error) {
	c.metrics.RecordS3Operation(ctx, op, bucket, time.Since(start))
	if err != nil {
		c.metrics.RecordS3Error(ctx, op, bucket, errorCode(err))
	}
}

func (c *s3Client) PutObject(ctx context.Context, bucket, key string, body io.ReadSeeker, contentType string) (err error) {
	start := time.Now()
	defer func() { c.observe(ctx, "PutObject", bucket, start, err) }()

	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err = c.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (c *s3Client) GetObject(ctx context.Context, bucket, key string) (_ io.ReadCloser, err error) {
	start := time.Now()
	defer func() { c.observe(ctx, "GetObject", bucket, start, err) }()

	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get object %s/%s: %w", bucket, key, err)
	}
	return result.Body, nil
}

func (c *s3Client) ListObjects(ctx context.Context, bucket, prefix string) (_ []ObjectInfo, err error) {
	start := time.Now()
	defer func() { c.observe(ctx, "ListObjectsV2", bucket, start, err) }()

	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects in bucket %s: %w", bucket, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

func (c *s3Client) HeadBucket(ctx context.Context, bucket string) (err error) {
	start := time.Now()
	defer func() { c.observe(ctx, "HeadBucket", bucket, start, err) }()

	if _, err = c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		return fmt.Errorf("failed to head bucket %s: %w", bucket, err)
	}
	return nil
}

func (c *s3Client) PresignGetObject(ctx context.Context, bucket, key string, ttl time.Duration) (_ string, err error) {
	start := time.Now()
	defer func() { c.observe(ctx, "PresignGetObject", bucket, start, err) }()

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

// Location is a parsed object reference.
type Location struct {
	Bucket string
	Key    string
}

// ParseLocation accepts "s3://bucket/key" or a bare key, which resolves
// against defaultBucket.
func ParseLocation(raw, defaultBucket string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "s3://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || bucket == "" || key == "" {
			return Location{}, fmt.Errorf("invalid object location %q", raw)
		}
		return Location{Bucket: bucket, Key: key}, nil
	}
	key := strings.TrimPrefix(raw, "/")
	if key == "" {
		return Location{}, fmt.Errorf("object location is required")
	}
	if defaultBucket == "" {
		return Location{}, fmt.Errorf("object location %q has no bucket", raw)
	}
	return Location{Bucket: defaultBucket, Key: key}, nil
}

// Download copies an object to a local file, creating parent directories.
func Download(ctx context.Context, c Client, loc Location, dst string) (int64, error) {
	body, err := c.GetObject(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, fmt.Errorf("failed to create download directory: %w", err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dst, err)
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to download %s/%s: %w", loc.Bucket, loc.Key, err)
	}
	return n, nil
}

// UploadFile stores a local file under key.
func UploadFile(ctx context.Context, c Client, bucket, key, src, contentType string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer f.Close()
	return c.PutObject(ctx, bucket, key, f, contentType)
}
