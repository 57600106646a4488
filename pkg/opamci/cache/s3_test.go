package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memStorage) GetObject(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key], nil
}

func (m *memStorage) PutObject(ctx context.Context, key string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = content
	return nil
}

func TestS3EntryTableRoundTrip(t *testing.T) {
	var (
		table = NewEntryTableWithStorage(&memStorage{})
		ctx   = context.Background()
	)

	in := &Entry{
		Digest:    "abc123",
		Artifact:  "sha256:deadbeef",
		JobID:     "job-42",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ValidFor:  7 * 24 * time.Hour,
	}
	require.NoError(t, table.StoreEntry(ctx, in))

	out, err := table.LoadEntry(ctx, "abc123")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, in.Digest, out.Digest)
	assert.Equal(t, in.Artifact, out.Artifact)
	assert.Equal(t, in.JobID, out.JobID)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.ValidFor, out.ValidFor)
}

func TestS3EntryTableMiss(t *testing.T) {
	table := NewEntryTableWithStorage(&memStorage{})

	out, err := table.LoadEntry(context.Background(), "never-stored")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestS3EntryTableSkipsFailures(t *testing.T) {
	var (
		storage = &memStorage{}
		table   = NewEntryTableWithStorage(storage)
	)

	err := table.StoreEntry(context.Background(), &Entry{
		Digest:    "failed",
		Failure:   "exit status 2",
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Empty(t, storage.objects, "failed entries must not be persisted")
}

func TestS3EntryTableForeverWindow(t *testing.T) {
	table := NewEntryTableWithStorage(&memStorage{})
	ctx := context.Background()

	require.NoError(t, table.StoreEntry(ctx, &Entry{
		Digest:    "d",
		Artifact:  "img",
		CreatedAt: time.Now(),
		ValidFor:  Forever,
	}))

	out, err := table.LoadEntry(ctx, "d")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, Forever, out.ValidFor)
}
