// Package docstore defines the contract the client core relies on from the
// hosted document store: single-document reads, atomic multi-document
// commits, read-modify-write transactions, filtered queries and real-time
// query subscriptions.
//
// Two backends implement it: memstore (in-process) and pgstore (Postgres).
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors every backend maps its failures onto. Callers compare
// with errors.Is; apperr.Classify turns them into user-facing kinds.
var (
	ErrNotFound         = errors.New("docstore: document not found")
	ErrAlreadyExists    = errors.New("docstore: document already exists")
	ErrPermissionDenied = errors.New("docstore: permission denied")
	ErrUnavailable      = errors.New("docstore: unavailable")
	ErrBatchTooLarge    = errors.New("docstore: batch exceeds size limit")
	ErrInvalidPath      = errors.New("docstore: invalid path")
	ErrConflict         = errors.New("docstore: transaction conflict")
)

// Data is the body of a document. Values are JSON-shaped after a write
// lands: string, float64, bool, nil, []any and map[string]any.
type Data map[string]any

// Ref addresses one document: the collection path plus the document ID.
type Ref struct {
	Collection string
	ID         string
}

// NewRef returns the document id inside collection.
func NewRef(collection, id string) Ref {
	return Ref{Collection: collection, ID: id}
}

// Path is the full document path ("conversations/abc/messages/m1").
func (r Ref) Path() string {
	return r.Collection + "/" + r.ID
}

func (r Ref) String() string { return r.Path() }

// Validate checks that every segment of the ref is usable as a path segment.
func (r Ref) Validate() error {
	if r.Collection == "" {
		return fmt.Errorf("%w: empty collection", ErrInvalidPath)
	}
	for _, seg := range strings.Split(r.Collection, "/") {
		if !ValidSegment(seg) {
			return fmt.Errorf("%w: bad collection segment %q in %q", ErrInvalidPath, seg, r.Collection)
		}
	}
	if !ValidSegment(r.ID) {
		return fmt.Errorf("%w: bad document id %q", ErrInvalidPath, r.ID)
	}
	return nil
}

// ValidSegment reports whether s can appear as one path segment.
func ValidSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.Contains(s, "/")
}

// Collection joins segments into a collection path.
func Collection(segments ...string) string {
	return strings.Join(segments, "/")
}

// Snapshot is a point-in-time read of a document. A missing document is
// returned with Exists=false and no error.
type Snapshot struct {
	Ref        Ref
	Exists     bool
	Data       Data
	CreateTime time.Time
	UpdateTime time.Time
}

// DataTo decodes the document body into v through its JSON form.
func (s Snapshot) DataTo(v any) error {
	if !s.Exists {
		return fmt.Errorf("decode %s: %w", s.Ref, ErrNotFound)
	}
	raw, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.Ref, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", s.Ref, err)
	}
	return nil
}

// Store is the document store as seen by the client core.
type Store interface {
	// Get reads one document. Missing documents are not an error.
	Get(ctx context.Context, ref Ref) (Snapshot, error)

	// Query runs q once against the current state.
	Query(ctx context.Context, q Query) ([]Snapshot, error)

	// Commit applies writes atomically: all of them land or none do.
	Commit(ctx context.Context, writes []Write) error

	// RunTransaction runs fn with read-modify-write isolation over the
	// documents fn reads. fn may be invoked more than once on conflict, so
	// it must not have side effects beyond the Tx.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Subscribe registers a listener that receives the full result of q
	// every time it changes. The first delivery happens asynchronously.
	Subscribe(q Query, fn Listener) (Subscription, error)

	// MaxBatchSize is the largest number of writes allowed in one Commit.
	MaxBatchSize() int
}

// Tx is the handle passed to a transaction function.
type Tx interface {
	Get(ctx context.Context, ref Ref) (Snapshot, error)
	// Queue buffers writes; they are committed when the function returns nil.
	Queue(writes ...Write)
}

// Subscription is returned by Subscribe. Close is idempotent. Once it
// returns the listener is not running and will not be called again, so
// Close must not be called from inside the listener itself.
type Subscription interface {
	Close()
}
