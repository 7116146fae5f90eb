package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalith-99/echosocial/internal/docstore"
)

const (
	minBackoff = 250 * time.Millisecond
	maxBackoff = 10 * time.Second
)

type subscription struct {
	store   *Store
	q       docstore.Query
	fn      docstore.Listener
	cancel  context.CancelFunc
	closed  atomic.Bool
	tracker *docstore.ChangeTracker
	// mu is held across the closed check and the listener call.
	mu sync.Mutex
}

// Subscribe holds one pooled connection in LISTEN mode for the lifetime of
// the subscription. On connection loss the listener receives the error and
// the subscription reconnects with exponential backoff, re-delivering the
// full result once it is back.
func (s *Store) Subscribe(q docstore.Query, fn docstore.Listener) (docstore.Subscription, error) {
	if q.Collection == "" {
		return nil, fmt.Errorf("subscribe: %w: empty collection", docstore.ErrInvalidPath)
	}
	if fn == nil {
		return nil, fmt.Errorf("subscribe %s: nil listener", q)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		store:   s,
		q:       q,
		fn:      fn,
		cancel:  cancel,
		tracker: docstore.NewChangeTracker(),
	}
	go sub.loop(ctx)
	return sub, nil
}

func (sub *subscription) Close() {
	if sub.closed.CompareAndSwap(false, true) {
		sub.cancel()
	}
	sub.mu.Lock()
	sub.mu.Unlock() //nolint:staticcheck // waits for a running delivery
}

func (sub *subscription) loop(ctx context.Context) {
	backoff := minBackoff
	first := true
	for ctx.Err() == nil {
		err := sub.listen(ctx, &first)
		if ctx.Err() != nil {
			return
		}
		sub.store.logger.Warn("subscription interrupted",
			zap.String("query", sub.q.String()),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		sub.deliver(docstore.QuerySnapshot{}, classify("subscribe "+sub.q.Collection, err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// listen runs until the connection fails or ctx is cancelled.
func (sub *subscription) listen(ctx context.Context, first *bool) error {
	conn, err := sub.store.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	channel := pgx.Identifier{sub.store.channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("listen %s: %w", sub.store.channel, err)
	}
	defer func() {
		// The connection goes back to the pool; stop listening on it.
		unlistenCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = conn.Exec(unlistenCtx, "UNLISTEN "+channel)
	}()

	// Deliver the state as of LISTEN so no commit between the initial read
	// and the first notification is missed.
	if err := sub.refresh(ctx, *first); err != nil {
		return err
	}
	*first = false

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		if n.Payload != sub.q.Collection {
			continue
		}
		if err := sub.refresh(ctx, false); err != nil {
			return err
		}
	}
}

func (sub *subscription) refresh(ctx context.Context, force bool) error {
	docs, err := queryDocs(ctx, sub.store.pool, sub.q)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("refresh %s: %w", sub.q, err)
	}
	changes := sub.tracker.Diff(docs)
	if !force && len(changes) == 0 {
		return nil
	}
	sub.deliver(docstore.QuerySnapshot{Docs: docs, Changes: changes, ReadTime: time.Now().UTC()}, nil)
	return nil
}

func (sub *subscription) deliver(snap docstore.QuerySnapshot, err error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed.Load() {
		return
	}
	sub.fn(snap, err)
}
