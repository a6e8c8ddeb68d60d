// Package photostore persists transaction photos in an S3-compatible object
// store (AWS S3 or MinIO) and exposes the upload/delete contract the sync
// service drives.
package photostore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pocketledger/backend/internal/ledger"
)

const defaultContentType = "image/jpeg"

var (
	ErrMissingBucket  = errors.New("photostore: bucket is required")
	ErrMissingRegion  = errors.New("photostore: region is required")
	ErrEmptyPayload   = errors.New("photostore: empty photo payload")
	ErrInvalidPayload = errors.New("photostore: payload is not valid base64 image data")
	ErrMissingKey     = errors.New("photostore: object key is required")
)

// Config describes the S3 target. Endpoint is optional and switches the
// client to path-style addressing for MinIO-style deployments. PublicBaseURL
// is the prefix clients can fetch objects from.
type Config struct {
	Region        string
	Endpoint      string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
}

type objectClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store implements ledger.PhotoStore on top of an S3 bucket.
type Store struct {
	client  objectClient
	bucket  string
	baseURL string
	logger  *zap.Logger
}

// New builds the S3 client from static credentials and wraps it in a Store.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, ErrMissingBucket
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, ErrMissingRegion
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("photostore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newStore(client, cfg, logger), nil
}

func newStore(client objectClient, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
	return &Store{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: baseURL,
		logger:  logger,
	}
}

// Upload decodes the client photo payload, stores it under a date-sharded
// key, and returns the public URL plus the storage key.
func (s *Store) Upload(ctx context.Context, payload string) (ledger.PhotoAsset, error) {
	data, contentType, err := decodePayload(payload)
	if err != nil {
		return ledger.PhotoAsset{}, err
	}

	key := storageKey(time.Now().UTC())
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return ledger.PhotoAsset{}, fmt.Errorf("photostore: put object: %w", err)
	}

	s.logger.Debug("photo stored",
		zap.String("key", key),
		zap.Int("size_bytes", len(data)))

	return ledger.PhotoAsset{
		URL: s.baseURL + "/" + key,
		ID:  key,
	}, nil
}

// Delete removes the object behind a previously stored photo id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrMissingKey
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return fmt.Errorf("photostore: delete object: %w", err)
	}
	return nil
}

// decodePayload accepts either a data URI ("data:image/png;base64,...") or a
// bare base64 string and returns the raw bytes with a content type.
func decodePayload(payload string) ([]byte, string, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return nil, "", ErrEmptyPayload
	}

	contentType := defaultContentType
	if strings.HasPrefix(trimmed, "data:") {
		meta, encoded, found := strings.Cut(trimmed[len("data:"):], ",")
		if !found {
			return nil, "", ErrInvalidPayload
		}
		if mediaType, _, _ := strings.Cut(meta, ";"); mediaType != "" {
			contentType = mediaType
		}
		trimmed = encoded
	}

	data, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(data) == 0 {
		return nil, "", ErrEmptyPayload
	}
	return data, contentType, nil
}

func storageKey(now time.Time) string {
	return fmt.Sprintf("photos/%d/%02d/%02d/%s", now.Year(), now.Month(), now.Day(), uuid.New())
}
