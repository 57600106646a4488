// Package cache implements the content-addressed build result store.
//
// Results are keyed by the digest of a build key. For any digest at most
// one build executes at a time; concurrent requests for the same digest
// all observe the result of that single execution. Successful results are
// kept for as long as their validity window permits, failed results are
// kept only for the remainder of the pipeline run that produced them.
package cache

import (
	"context"
	"time"
)

// Key identifies one build operation. Implemented by opamci.BuildKey.
type Key interface {
	// Digest returns the cache lookup key. Keys with equal digests are
	// interchangeable.
	Digest() string
	String() string
}

// Artifact is an opaque reference to a build result, e.g. an image ID.
type Artifact string

// Forever marks an entry that stays valid until process restart.
const Forever time.Duration = -1

// BuildFunc executes the underlying build for a key. It returns the
// artifact reference and the ID of the job that produced it.
type BuildFunc func(ctx context.Context) (Artifact, string, error)

// Entry is one cached build result.
type Entry struct {
	Digest    string        `json:"digest"`
	Artifact  Artifact      `json:"artifact,omitempty"`
	Failure   string        `json:"failure,omitempty"`
	JobID     string        `json:"jobID,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	ValidFor  time.Duration `json:"validFor,omitempty"`

	run uint64
}

// Failed reports whether this entry records a failed build.
func (e *Entry) Failed() bool {
	return e.Failure != ""
}

// Expired reports whether the entry's validity window has elapsed.
// Forever never expires, a zero window expires immediately.
func (e *Entry) Expired(now time.Time) bool {
	if e.ValidFor < 0 {
		return false
	}
	return now.Sub(e.CreatedAt) >= e.ValidFor
}

// EntryTable persists the digest -> entry map beyond the process
// lifetime. Implementations are best effort: persistence failures must
// never fail a build.
type EntryTable interface {
	// LoadEntry returns the persisted entry for a digest, or nil if there is none.
	LoadEntry(ctx context.Context, digest string) (*Entry, error)
	// StoreEntry persists an entry under its digest.
	StoreEntry(ctx context.Context, e *Entry) error
}
