package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archive persists the final snapshot of a closed round. Rows stay in
// Postgres; the archive is the cold copy handed to analytics.
type Archive interface {
	// StoreSnapshot saves the JSON-encoded snapshot and returns a reference.
	StoreSnapshot(ctx context.Context, roundID string, snapshot []byte) (string, error)
}

// S3Archive writes round snapshots to S3-compatible object storage.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiveConfig holds object storage configuration.
type S3ArchiveConfig struct {
	Bucket          string
	Prefix          string // e.g. "rounds/"
	Region          string
	Endpoint        string // for MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Archive creates an S3-backed archive.
func NewS3Archive(cfg S3ArchiveConfig) (*S3Archive, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Archive{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// StoreSnapshot uploads the snapshot keyed by close date and round id.
func (a *S3Archive) StoreSnapshot(ctx context.Context, roundID string, snapshot []byte) (string, error) {
	key := fmt.Sprintf("%s%s/%s.json", a.prefix, time.Now().UTC().Format("2006/01/02"), roundID)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(string(snapshot)),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload round snapshot: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

// LocalArchive writes snapshots to the local filesystem, for development and
// single-node deployments.
type LocalArchive struct {
	basePath string
}

func NewLocalArchive(basePath string) (*LocalArchive, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalArchive{basePath: basePath}, nil
}

func (a *LocalArchive) StoreSnapshot(ctx context.Context, roundID string, snapshot []byte) (string, error) {
	path := filepath.Join(a.basePath, roundID+".json")
	if err := os.WriteFile(path, snapshot, 0644); err != nil {
		return "", fmt.Errorf("failed to write round snapshot: %w", err)
	}
	return path, nil
}
