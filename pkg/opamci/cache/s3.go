package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"
)

const (
	// defaultS3RateLimit caps S3 API calls per second
	defaultS3RateLimit = 50
	// defaultS3Burst is the burst allowance for S3 API calls
	defaultS3Burst = 100

	entryKeyPrefix = "entries/"
)

// ObjectStorage is the subset of object store operations the entry
// table needs. It exists so tests can stub out S3.
type ObjectStorage interface {
	// GetObject returns the object's content, or os.ErrNotExist-like
	// miss signalled by (nil, nil).
	GetObject(ctx context.Context, key string) ([]byte, error)

	// PutObject stores content under key.
	PutObject(ctx context.Context, key string, content []byte) error
}

// S3EntryTable persists cache entries as one small JSON object per
// digest. It is strictly best effort: the pipeline must work, just
// slower, when the bucket is unreachable.
type S3EntryTable struct {
	storage ObjectStorage
	limiter *rate.Limiter
}

// NewS3EntryTable creates an entry table backed by the given bucket.
// A nil cfg loads the default AWS config from the environment.
func NewS3EntryTable(ctx context.Context, bucketName string, cfg *aws.Config) (*S3EntryTable, error) {
	if cfg == nil {
		v, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Errorf("cannot load S3 config: %w", err)
		}
		cfg = &v
	}

	return &S3EntryTable{
		storage: &s3Storage{
			client:     s3.NewFromConfig(*cfg),
			bucketName: bucketName,
		},
		limiter: rate.NewLimiter(rate.Limit(defaultS3RateLimit), defaultS3Burst),
	}, nil
}

// NewEntryTableWithStorage creates an entry table on top of any object
// storage. Used in tests.
func NewEntryTableWithStorage(storage ObjectStorage) *S3EntryTable {
	return &S3EntryTable{
		storage: storage,
		limiter: rate.NewLimiter(rate.Limit(defaultS3RateLimit), defaultS3Burst),
	}
}

type persistedEntry struct {
	Digest    string    `json:"digest"`
	Artifact  string    `json:"artifact"`
	JobID     string    `json:"jobID,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ValidFor  int64     `json:"validForSeconds"`
}

// LoadEntry implements EntryTable
func (t *S3EntryTable) LoadEntry(ctx context.Context, digest string) (*Entry, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	raw, err := t.storage.GetObject(ctx, entryKeyPrefix+digest)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var pe persistedEntry
	if err := json.Unmarshal(raw, &pe); err != nil {
		return nil, xerrors.Errorf("corrupt cache entry %s: %w", digest, err)
	}

	validFor := Forever
	if pe.ValidFor > 0 {
		validFor = time.Duration(pe.ValidFor) * time.Second
	}
	return &Entry{
		Digest:    pe.Digest,
		Artifact:  Artifact(pe.Artifact),
		JobID:     pe.JobID,
		CreatedAt: pe.CreatedAt,
		ValidFor:  validFor,
	}, nil
}

// StoreEntry implements EntryTable. Failed entries are never persisted:
// they would be re-attempted on the next run anyway.
func (t *S3EntryTable) StoreEntry(ctx context.Context, e *Entry) error {
	if e.Failed() {
		return nil
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	pe := persistedEntry{
		Digest:    e.Digest,
		Artifact:  string(e.Artifact),
		JobID:     e.JobID,
		CreatedAt: e.CreatedAt,
	}
	if e.ValidFor > 0 {
		pe.ValidFor = int64(e.ValidFor / time.Second)
	}

	raw, err := json.Marshal(pe)
	if err != nil {
		return err
	}
	return t.storage.PutObject(ctx, entryKeyPrefix+e.Digest, raw)
}

type s3Storage struct {
	client     *s3.Client
	bucketName string
}

// GetObject implements ObjectStorage
func (s *s3Storage) GetObject(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		// some S3-compatible stores return a bare 404 instead of NoSuchKey
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return nil, nil
		}
		return nil, xerrors.Errorf("cannot get object %s: %w", key, err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// PutObject implements ObjectStorage
func (s *s3Storage) PutObject(ctx context.Context, key string, content []byte) error {
	uploader := manager.NewUploader(s.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "Forbidden" {
			log.WithError(err).Warnf("permission denied while uploading cache entry %s - continuing", key)
			return nil
		}
		return xerrors.Errorf("cannot upload object %s: %w", key, err)
	}
	return nil
}
