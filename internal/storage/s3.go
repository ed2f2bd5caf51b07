package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/searchcache/searchcache/internal/config"
	"github.com/searchcache/searchcache/pkg/cacheerr"
)

const s3OpTimeout = 30 * time.Second

// S3Store persists records as S3 objects under a key prefix. Intended for
// cold tiers shared across process restarts or hosts.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Store builds an S3-backed store from configuration. Static
// credentials take precedence over the default provider chain; a custom
// endpoint with path-style addressing supports S3-compatible stores.
func NewS3Store(ctx context.Context, cfg config.S3Config, logger *slog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	logger.Info("cold store backend ready",
		"backend", "s3",
		"bucket", cfg.Bucket,
		"prefix", prefix)

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		logger: logger,
	}, nil
}

func (s *S3Store) objectKey(key string) string {
	return s.prefix + key + recordSuffix
}

// Get reads and verifies the record for key.
func (s *S3Store) Get(key string) (*Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3OpTimeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, cacheerr.ErrNotFound
		}
		return nil, cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "s3.get", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "s3.get", err)
	}
	return DecodeRecord(data)
}

// Put writes the record for key.
func (s *S3Store) Put(key string, rec *Record) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "s3.put", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s3OpTimeout)
	defer cancel()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "s3.put", err)
	}
	return nil
}

// Delete removes the record for key.
func (s *S3Store) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s3OpTimeout)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNoSuchKey(err) {
		return cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "s3.delete", err)
	}
	return nil
}

// Keys lists every stored key under the prefix.
func (s *S3Store) Keys() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3OpTimeout)
	defer cancel()

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, cacheerr.Wrap(cacheerr.CodeStorageUnavailable, "s3.keys", err)
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)
			name = strings.TrimPrefix(name, s.prefix)
			if !strings.HasSuffix(name, recordSuffix) {
				continue
			}
			keys = append(keys, strings.TrimSuffix(name, recordSuffix))
		}
	}
	return keys, nil
}

// Clear removes every record under the prefix.
func (s *S3Store) Clear() error {
	keys, err := s.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the SDK client needs no teardown.
func (s *S3Store) Close() error {
	return nil
}

func isNoSuchKey(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
