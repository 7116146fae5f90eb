package docstore

import (
	"context"
	"fmt"
)

// Batch collects writes for one atomic Commit.
type Batch struct {
	store  Store
	writes []Write
}

// NewBatch starts an empty batch against store.
func NewBatch(store Store) *Batch {
	return &Batch{store: store}
}

func (b *Batch) Add(writes ...Write) *Batch {
	b.writes = append(b.writes, writes...)
	return b
}

// Fits reports whether the batch is within the store's batch limit.
func (b *Batch) Fits() bool {
	max := b.store.MaxBatchSize()
	return max <= 0 || len(b.writes) <= max
}

// Commit sends the batch. An empty batch is a no-op.
func (b *Batch) Commit(ctx context.Context) error {
	if len(b.writes) == 0 {
		return nil
	}
	if !b.Fits() {
		return fmt.Errorf("commit %d writes (max %d): %w", len(b.writes), b.store.MaxBatchSize(), ErrBatchTooLarge)
	}
	return b.store.Commit(ctx, b.writes)
}

// CommitChunked splits writes into batches of at most MaxBatchSize and
// commits them in order. Each chunk is atomic; the sequence is not. It
// returns how many writes were committed before the first failure.
func CommitChunked(ctx context.Context, store Store, writes []Write) (int, error) {
	size := store.MaxBatchSize()
	if size <= 0 {
		size = len(writes)
	}
	done := 0
	for done < len(writes) {
		end := min(done+size, len(writes))
		if err := store.Commit(ctx, writes[done:end]); err != nil {
			return done, err
		}
		done = end
	}
	return done, nil
}

// Reader gives rules read access to other documents inside a commit.
type Reader interface {
	Lookup(ctx context.Context, ref Ref) (Snapshot, error)
}

// Rule authorizes one write. cur is the document's state before the write.
// Returning an error wrapping ErrPermissionDenied rejects the whole commit.
type Rule func(ctx context.Context, r Reader, w Write, cur Snapshot) error
