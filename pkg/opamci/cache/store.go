package cache

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// BuildFailedErr is returned by Get when the underlying build for a key
// failed, either during this call or during an earlier call of the same
// pipeline run.
type BuildFailedErr struct {
	Digest  string
	Message string
	JobID   string
}

func (e *BuildFailedErr) Error() string {
	return e.Message
}

// GetOptions configure a single Get call.
type GetOptions struct {
	// Build executes the underlying build operation on a cache miss.
	Build BuildFunc

	// ValidFor is the validity window of the produced entry. Use
	// Forever for entries that stay valid until process restart; a zero
	// window produces entries that are immediately stale.
	ValidFor time.Duration

	// Slot names the logical build slot this key occupies. When a Get
	// for the same slot but a different digest arrives while a build is
	// in flight, the in-flight build is cancelled: its result has been
	// superseded.
	Slot string
}

type flight struct {
	done  chan struct{}
	entry *Entry
}

type slot struct {
	digest string
	cancel context.CancelFunc
}

// Store is the in-memory build result cache. The zero value is not
// usable; create stores with NewStore.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	inflight map[string]*flight
	slots    map[string]*slot
	table    EntryTable
	now      func() time.Time
	run      uint64
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithEntryTable makes the store persist successful entries to, and
// consult misses against, the given table.
func WithEntryTable(t EntryTable) StoreOption {
	return func(s *Store) { s.table = t }
}

// WithClock replaces the store's time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore produces an empty build result store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entries:  make(map[string]*Entry),
		inflight: make(map[string]*flight),
		slots:    make(map[string]*slot),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRun marks the beginning of a new pipeline evaluation. Failure
// entries recorded before this point no longer count as hits: a fresh
// evaluation re-attempts previously failed builds.
func (s *Store) NewRun() {
	s.mu.Lock()
	s.run++
	s.mu.Unlock()
}

// Get returns the build result for key, executing opts.Build if the
// cache holds no usable entry. For a given digest at most one build
// executes at a time; concurrent callers share that build's outcome,
// success and failure alike.
func (s *Store) Get(ctx context.Context, key Key, opts GetOptions) (Artifact, string, error) {
	digest := key.Digest()

	s.mu.Lock()

	if f, ok := s.inflight[digest]; ok {
		s.mu.Unlock()
		select {
		case <-f.done:
			return entryResult(f.entry)
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}

	if e, ok := s.entries[digest]; ok && s.usable(e) {
		s.mu.Unlock()
		log.WithField("key", key.String()).Debug("build cache hit")
		return entryResult(e)
	}

	f := &flight{done: make(chan struct{})}
	s.inflight[digest] = f

	buildCtx, cancel := context.WithCancel(ctx)
	if opts.Slot != "" {
		if prev, ok := s.slots[opts.Slot]; ok && prev.digest != digest {
			log.WithFields(log.Fields{"slot": opts.Slot, "superseded": prev.digest}).Debug("cancelling superseded build")
			prev.cancel()
		}
		s.slots[opts.Slot] = &slot{digest: digest, cancel: cancel}
	}
	s.mu.Unlock()
	defer cancel()

	entry := s.consultTable(ctx, digest)
	if entry == nil {
		log.WithField("key", key.String()).Debug("build cache miss")
		entry = s.execute(buildCtx, digest, opts)
	}

	s.mu.Lock()
	s.entries[digest] = entry
	f.entry = entry
	delete(s.inflight, digest)
	if opts.Slot != "" {
		if cur, ok := s.slots[opts.Slot]; ok && cur.digest == digest {
			delete(s.slots, opts.Slot)
		}
	}
	s.mu.Unlock()
	close(f.done)

	if !entry.Failed() && s.table != nil {
		if err := s.table.StoreEntry(ctx, entry); err != nil {
			log.WithError(err).WithField("digest", digest).Warn("cannot persist cache entry")
		}
	}

	return entryResult(entry)
}

// usable must be called with s.mu held.
func (s *Store) usable(e *Entry) bool {
	if e.Expired(s.now()) {
		return false
	}
	if e.Failed() {
		// failures are not sticky across pipeline runs
		return e.run == s.run
	}
	return true
}

func (s *Store) execute(ctx context.Context, digest string, opts GetOptions) *Entry {
	entry := &Entry{
		Digest:    digest,
		CreatedAt: s.now(),
		ValidFor:  opts.ValidFor,
		run:       s.currentRun(),
	}

	art, jobID, err := opts.Build(ctx)
	entry.JobID = jobID
	if err != nil {
		entry.Failure = err.Error()
	} else {
		entry.Artifact = art
	}
	return entry
}

func (s *Store) currentRun() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// consultTable checks the persistent entry table on a memory miss.
// Only unexpired successes are adopted; persisted failures would be
// re-attempted anyway.
func (s *Store) consultTable(ctx context.Context, digest string) *Entry {
	if s.table == nil {
		return nil
	}

	e, err := s.table.LoadEntry(ctx, digest)
	if err != nil {
		log.WithError(err).WithField("digest", digest).Warn("cannot consult persisted cache entries")
		return nil
	}
	if e == nil || e.Failed() || e.Expired(s.now()) {
		return nil
	}
	return e
}

func entryResult(e *Entry) (Artifact, string, error) {
	if e.Failed() {
		return "", e.JobID, &BuildFailedErr{Digest: e.Digest, Message: e.Failure, JobID: e.JobID}
	}
	return e.Artifact, e.JobID, nil
}
