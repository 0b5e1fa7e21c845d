package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Bundle is an exportable, self-verifying slice of the audit log.
type Bundle struct {
	BundleID      string    `json:"bundle_id"`
	CreatedAt     time.Time `json:"created_at"`
	FromPartition string    `json:"from_partition"`
	ToPartition   string    `json:"to_partition"`
	EntryCount    int       `json:"entry_count"`
	Entries       []*Entry  `json:"entries"`
	BundleHash    string    `json:"bundle_hash"`
}

// ExportBundle collects all entries in a partition range into a Bundle.
func ExportBundle(ctx context.Context, log Log, fromPartition, toPartition string) (*Bundle, error) {
	entries, err := log.Query(ctx, Filter{FromPartition: fromPartition, ToPartition: toPartition})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no entries in partitions %s..%s", fromPartition, toPartition)
	}

	bundle := &Bundle{
		BundleID:      uuid.New().String(),
		CreatedAt:     time.Now().UTC(),
		FromPartition: fromPartition,
		ToPartition:   toPartition,
		EntryCount:    len(entries),
		Entries:       entries,
	}
	data, err := json.Marshal(bundle.Entries)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle entries: %w", err)
	}
	sum := sha256.Sum256(data)
	bundle.BundleHash = "sha256:" + hex.EncodeToString(sum[:])
	return bundle, nil
}

// VerifyBundle checks a bundle's hash and internal chain links.
func VerifyBundle(bundle *Bundle) error {
	if len(bundle.Entries) == 0 {
		return fmt.Errorf("bundle is empty")
	}
	data, _ := json.Marshal(bundle.Entries)
	sum := sha256.Sum256(data)
	if "sha256:"+hex.EncodeToString(sum[:]) != bundle.BundleHash {
		return fmt.Errorf("bundle hash mismatch")
	}
	// Entries from a contiguous partition chain must link up; partition
	// boundaries restart the chain at "".
	for i := 1; i < len(bundle.Entries); i++ {
		cur, prev := bundle.Entries[i], bundle.Entries[i-1]
		if cur.Partition != prev.Partition {
			continue
		}
		if cur.PreviousHash != prev.Hash {
			return fmt.Errorf("chain broken at entry %d", i)
		}
	}
	return nil
}

// ObjectPutter is the subset of the S3 client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads gzipped audit bundles to an object bucket, one
// object per exported partition range. Archival is a copy, never a
// move: the local log keeps its entries.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Archiver builds an archiver using the ambient AWS configuration.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

// NewS3ArchiverWithClient allows injecting the client for testing.
func NewS3ArchiverWithClient(client ObjectPutter, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Archive exports the partition range and uploads it as
// <prefix>/<from>_<to>.json.gz. Returns the object key.
func (a *S3Archiver) Archive(ctx context.Context, log Log, fromPartition, toPartition string) (string, error) {
	bundle, err := ExportBundle(ctx, log, fromPartition, toPartition)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(bundle); err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("compress bundle: %w", err)
	}

	key := fmt.Sprintf("%s/%s_%s.json.gz", a.prefix, fromPartition, toPartition)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("upload audit bundle: %w", err)
	}
	return key, nil
}
