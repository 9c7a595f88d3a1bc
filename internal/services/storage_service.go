package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-xray-sdk-go/instrumentation/awsv2"

	"lambda-live-bridge/internal/models"
)

// StorageService interface for payloads too large to travel inline over the relay
type StorageService interface {
	Name() string
	SavePayload(ctx context.Context, key string, data []byte) error
	GetPayload(ctx context.Context, key string) ([]byte, error)
	DeletePayload(ctx context.Context, key string) error
}

// LocalStorageService implements StorageService using local filesystem
type LocalStorageService struct {
	basePath string
}

func NewLocalStorageService(basePath string) (*LocalStorageService, error) {
	// Create base directory if it doesn't exist
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	return &LocalStorageService{basePath: basePath}, nil
}

func (s *LocalStorageService) Name() string { return "local" }

func (s *LocalStorageService) path(key string) (string, error) {
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if !strings.HasPrefix(fullPath, filepath.Clean(s.basePath)+string(filepath.Separator)) {
		return "", fmt.Errorf("payload key %q escapes storage root", key)
	}
	return fullPath, nil
}

func (s *LocalStorageService) SavePayload(ctx context.Context, key string, data []byte) error {
	fullPath, err := s.path(key)
	if err != nil {
		return err
	}

	// Create directory if needed
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return err
	}

	return os.WriteFile(fullPath, data, 0644)
}

func (s *LocalStorageService) GetPayload(ctx context.Context, key string) ([]byte, error) {
	fullPath, err := s.path(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(fullPath)
}

func (s *LocalStorageService) DeletePayload(ctx context.Context, key string) error {
	fullPath, err := s.path(key)
	if err != nil {
		return err
	}
	return os.Remove(fullPath)
}

// S3API is the subset of the S3 client used by S3StorageService
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3StorageService implements StorageService using AWS S3
type S3StorageService struct {
	client S3API
	bucket string
}

func NewS3StorageService(ctx context.Context, bucket string) (*S3StorageService, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	// Instrument AWS SDK v2 with X-Ray for automatic S3 operation tracing
	awsv2.AWSV2Instrumentor(&cfg.APIOptions)

	return &S3StorageService{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// NewS3StorageServiceWithClient uses an existing client
func NewS3StorageServiceWithClient(client S3API, bucket string) *S3StorageService {
	return &S3StorageService{client: client, bucket: bucket}
}

func (s *S3StorageService) Name() string { return "s3" }

func (s *S3StorageService) SavePayload(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (s *S3StorageService) GetPayload(ctx context.Context, key string) ([]byte, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()

	return io.ReadAll(output.Body)
}

func (s *S3StorageService) DeletePayload(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

// NewStorageService creates appropriate storage service based on configuration.
// An empty storage type disables spilling and returns nil.
func NewStorageService(ctx context.Context, storageType, pathOrBucket string) (StorageService, error) {
	switch storageType {
	case "":
		return nil, nil
	case "s3":
		return NewS3StorageService(ctx, pathOrBucket)
	case "local":
		return NewLocalStorageService(pathOrBucket)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", storageType)
	}
}

// GeneratePayloadKey generates the storage key for one side of an invocation
func GeneratePayloadKey(requestID, kind string) string {
	return fmt.Sprintf("payloads/%s/%s.json", requestID, kind)
}

// Offload returns body unchanged when it fits in maxInline bytes or no store is
// configured; otherwise it saves body to store and returns a reference instead.
func Offload(ctx context.Context, store StorageService, maxInline int, requestID, kind string, body json.RawMessage) (json.RawMessage, *models.PayloadRef, error) {
	if store == nil || maxInline <= 0 || len(body) <= maxInline {
		return body, nil, nil
	}
	key := GeneratePayloadKey(requestID, kind)
	if err := store.SavePayload(ctx, key, body); err != nil {
		return nil, nil, fmt.Errorf("offload %s payload: %w", kind, err)
	}
	return nil, &models.PayloadRef{Store: store.Name(), Key: key, Size: len(body)}, nil
}

// Resolve loads the body a reference points at. A nil ref returns inline.
func Resolve(ctx context.Context, store StorageService, inline json.RawMessage, ref *models.PayloadRef) (json.RawMessage, error) {
	if ref == nil {
		return inline, nil
	}
	if store == nil {
		return nil, fmt.Errorf("payload %s stored in %s but no payload store is configured", ref.Key, ref.Store)
	}
	if ref.Store != store.Name() {
		return nil, fmt.Errorf("payload %s stored in %s, configured store is %s", ref.Key, ref.Store, store.Name())
	}
	data, err := store.GetPayload(ctx, ref.Key)
	if err != nil {
		return nil, fmt.Errorf("load payload %s: %w", ref.Key, err)
	}
	return data, nil
}
