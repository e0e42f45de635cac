// Package storage writes security records to S3-compatible object storage
// before they are purged from the database.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/servercraft/panel/internal/config"
)

// ArchiveStore uploads JSON Lines archives to one bucket
type ArchiveStore struct {
	client *s3.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewArchiveStore creates an ArchiveStore with an S3/MinIO client
func NewArchiveStore(cfg *config.StorageConfig) (*ArchiveStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	// Build endpoint URL - handle case where endpoint already includes protocol
	var endpointURL string
	if strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://") {
		endpointURL = cfg.Endpoint
	} else {
		protocol := "http"
		if cfg.UseSSL {
			protocol = "https"
		}
		endpointURL = protocol + "://" + cfg.Endpoint
	}

	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
		BaseEndpoint: aws.String(endpointURL),
		UsePathStyle: true, // Required for MinIO
		// MinIO and older gateways reject the default streaming checksums.
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	})

	return &ArchiveStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    time.Now,
	}, nil
}

// ArchiveKey returns the object key for an archive of kind written at t:
// <prefix><kind>/YYYY/MM/DD/<kind>-<unix nanos>.jsonl
func (a *ArchiveStore) ArchiveKey(kind string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%s/%s/%s-%d.jsonl", a.prefix, kind, t.Format("2006/01/02"), kind, t.UnixNano())
}

// PutJSONL writes records, one JSON object per line, as a new object and
// returns its key. An empty slice writes nothing.
func (a *ArchiveStore) PutJSONL(ctx context.Context, kind string, records []any) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return "", fmt.Errorf("failed to encode %s record: %w", kind, err)
		}
	}

	key := a.ArchiveKey(kind, a.now())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
		ContentType:   aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload archive %s: %w", key, err)
	}
	return key, nil
}
