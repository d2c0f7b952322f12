// Package s3archive stores exported audit archives in an S3 bucket.
package s3archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hengadev/medguard/audit"
	"go.uber.org/zap"
)

// ContentType of audit archives (JSON lines).
const ContentType = "application/x-ndjson"

var ErrMissingBucket = errors.New("s3 bucket is required")

// Uploader is the subset of *s3.Client the sink needs.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Sink implements audit.Sink.
type Sink struct {
	client    Uploader
	bucket    string
	prefix    string
	retention time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

var _ audit.Sink = (*Sink)(nil)

type Option func(*Sink)

// WithPrefix places every object under prefix.
func WithPrefix(prefix string) Option {
	return func(s *Sink) { s.prefix = prefix }
}

// WithRetention requests a compliance-mode object lock held for d. The
// bucket must have object lock enabled.
func WithRetention(d time.Duration) Option {
	return func(s *Sink) { s.retention = d }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Sink) { s.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a sink writing to bucket through client.
func New(client Uploader, bucket string, opts ...Option) (*Sink, error) {
	if bucket == "" {
		return nil, ErrMissingBucket
	}
	s := &Sink{
		client: client,
		bucket: bucket,
		clock:  time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromDefaultConfig builds the S3 client from the default AWS credential
// chain.
func NewFromDefaultConfig(ctx context.Context, bucket string, opts ...Option) (*Sink, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return New(s3.NewFromConfig(cfg), bucket, opts...)
}

// Key returns the object key used for an archive named key.
func (s *Sink) Key(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Put uploads body as a server-side encrypted object.
func (s *Sink) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	objectKey := s.Key(key)
	input := &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(objectKey),
		Body:                 body,
		ContentLength:        aws.Int64(size),
		ContentType:          aws.String(ContentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	}
	if s.retention > 0 {
		input.ObjectLockMode = types.ObjectLockModeCompliance
		input.ObjectLockRetainUntilDate = aws.Time(s.clock().Add(s.retention).UTC())
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, objectKey, err)
	}
	s.logger.Debug("audit archive uploaded",
		zap.String("bucket", s.bucket),
		zap.String("key", objectKey),
		zap.Int64("bytes", size),
	)
	return nil
}
