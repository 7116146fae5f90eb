// Package memstore is an in-process docstore.Store. It keeps documents in
// memory, assigns strictly increasing server timestamps, evaluates access
// rules on every commit and pushes query results to subscribers.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lalith-99/echosocial/internal/docstore"
)

const (
	defaultMaxBatch   = 500
	maxTxAttempts     = 5
	subscriptionQueue = 1
)

// Store is an in-process docstore.Store.
type Store struct {
	mu       sync.Mutex
	docs     map[string]docstore.Snapshot
	last     time.Time
	clock    func() time.Time
	maxBatch int
	rules    []docstore.Rule
	hook     func(writes []docstore.Write) error
	subs     map[uint64]*subscription
	nextSub  uint64
}

type Option func(*Store)

// WithClock replaces the wall clock used for server timestamps.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.clock = fn }
}

func WithMaxBatchSize(n int) Option {
	return func(s *Store) { s.maxBatch = n }
}

// WithRules installs access rules checked on every commit.
func WithRules(rules ...docstore.Rule) Option {
	return func(s *Store) { s.rules = append(s.rules, rules...) }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		docs:     map[string]docstore.Snapshot{},
		clock:    time.Now,
		maxBatch: defaultMaxBatch,
		subs:     map[uint64]*subscription{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCommitHook installs fn to run before every commit; a non-nil return
// fails the commit without applying anything. Tests use it to simulate
// network failures at a chosen step.
func (s *Store) SetCommitHook(fn func(writes []docstore.Write) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

func (s *Store) MaxBatchSize() int { return s.maxBatch }

func (s *Store) Get(ctx context.Context, ref docstore.Ref) (docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Snapshot{}, fmt.Errorf("get %s: %w", ref, err)
	}
	if err := ref.Validate(); err != nil {
		return docstore.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(ref), nil
}

func (s *Store) read(ref docstore.Ref) docstore.Snapshot {
	snap, ok := s.docs[ref.Path()]
	if !ok {
		return docstore.Snapshot{Ref: ref}
	}
	return copySnapshot(snap)
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", q, err)
	}
	docs, _ := s.run(q)
	return docs, nil
}

func (s *Store) run(q docstore.Query) ([]docstore.Snapshot, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := make([]docstore.Snapshot, 0)
	for _, snap := range s.docs {
		if snap.Ref.Collection == q.Collection {
			candidates = append(candidates, snap)
		}
	}
	out := q.Apply(candidates)
	for i := range out {
		out[i] = copySnapshot(out[i])
	}
	return out, s.last
}

func (s *Store) Commit(ctx context.Context, writes []docstore.Write) error {
	return s.commit(ctx, writes, nil)
}

// commit applies writes atomically. reads, when non-nil, holds the update
// times observed by a transaction; any drift aborts with ErrConflict.
func (s *Store) commit(ctx context.Context, writes []docstore.Write, reads map[string]time.Time) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if s.maxBatch > 0 && len(writes) > s.maxBatch {
		return fmt.Errorf("commit %d writes (max %d): %w", len(writes), s.maxBatch, docstore.ErrBatchTooLarge)
	}

	s.mu.Lock()
	if s.hook != nil {
		if err := s.hook(writes); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("commit: %w", err)
		}
	}
	for path, seen := range reads {
		if !s.docs[path].UpdateTime.Equal(seen) {
			s.mu.Unlock()
			return fmt.Errorf("commit %s: %w", path, docstore.ErrConflict)
		}
	}
	if len(writes) == 0 {
		s.mu.Unlock()
		return nil
	}

	now := s.tick()
	before := map[string]docstore.Snapshot{}
	staged := map[string]docstore.Snapshot{}
	current := func(ref docstore.Ref) docstore.Snapshot {
		if snap, ok := staged[ref.Path()]; ok {
			return snap
		}
		return s.read(ref)
	}

	for _, w := range writes {
		if err := w.Ref.Validate(); err != nil {
			s.mu.Unlock()
			return err
		}
		cur := current(w.Ref)
		if _, ok := before[w.Ref.Path()]; !ok {
			before[w.Ref.Path()] = cur
		}
		next, exists, err := docstore.Apply(cur, w, now)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		snap := docstore.Snapshot{Ref: w.Ref}
		if exists {
			snap = docstore.Snapshot{Ref: w.Ref, Exists: true, Data: next, CreateTime: now, UpdateTime: now}
			if cur.Exists {
				snap.CreateTime = cur.CreateTime
			}
		}
		staged[w.Ref.Path()] = snap
	}

	// Rules see the document as it was before the batch and can look up
	// any document as it will be after it.
	if len(s.rules) > 0 {
		reader := stagedReader{store: s, staged: staged}
		for _, w := range writes {
			for _, rule := range s.rules {
				if err := rule(ctx, reader, w, before[w.Ref.Path()]); err != nil {
					s.mu.Unlock()
					if !errors.Is(err, docstore.ErrPermissionDenied) {
						err = fmt.Errorf("%w: %v", docstore.ErrPermissionDenied, err)
					}
					return err
				}
			}
		}
	}

	changed := map[string]struct{}{}
	for path, snap := range staged {
		if snap.Exists {
			s.docs[path] = snap
		} else {
			delete(s.docs, path)
		}
		changed[snap.Ref.Collection] = struct{}{}
	}
	subs := s.subscribersFor(changed)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.poke()
	}
	return nil
}

// tick returns a commit time strictly after the previous one.
func (s *Store) tick() time.Time {
	now := s.clock().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now
	return now
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		tx := &memTx{store: s, reads: map[string]time.Time{}}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		err := s.commit(ctx, tx.writes, tx.reads)
		if errors.Is(err, docstore.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction after %d attempts: %w", maxTxAttempts, docstore.ErrConflict)
}

type memTx struct {
	store  *Store
	reads  map[string]time.Time
	writes []docstore.Write
}

func (t *memTx) Get(ctx context.Context, ref docstore.Ref) (docstore.Snapshot, error) {
	snap, err := t.store.Get(ctx, ref)
	if err != nil {
		return snap, err
	}
	if _, ok := t.reads[ref.Path()]; !ok {
		t.reads[ref.Path()] = snap.UpdateTime
	}
	return snap, nil
}

func (t *memTx) Queue(writes ...docstore.Write) {
	t.writes = append(t.writes, writes...)
}

type stagedReader struct {
	store  *Store
	staged map[string]docstore.Snapshot
}

// Lookup runs with the store lock held.
func (r stagedReader) Lookup(_ context.Context, ref docstore.Ref) (docstore.Snapshot, error) {
	if snap, ok := r.staged[ref.Path()]; ok {
		return copySnapshot(snap), nil
	}
	return r.store.read(ref), nil
}

func copySnapshot(s docstore.Snapshot) docstore.Snapshot {
	out := s
	if s.Data != nil {
		out.Data = deepCopy(s.Data).(map[string]any)
	}
	return out
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case docstore.Data:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = deepCopy(e)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = deepCopy(e)
		}
		return m
	case []any:
		a := make([]any, len(x))
		for i, e := range x {
			a[i] = deepCopy(e)
		}
		return a
	}
	return v
}
