package memstore

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lalith-99/echosocial/internal/docstore"
)

type subscription struct {
	store   *Store
	id      uint64
	q       docstore.Query
	fn      docstore.Listener
	wake    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
	// deliver is held across the closed check and the listener call.
	deliver sync.Mutex
	tracker *docstore.ChangeTracker
}

// Subscribe delivers the current result of q on a dedicated goroutine and
// again after every commit that touches q's collection. Bursts of commits
// coalesce into one delivery of the latest state.
func (s *Store) Subscribe(q docstore.Query, fn docstore.Listener) (docstore.Subscription, error) {
	if q.Collection == "" {
		return nil, fmt.Errorf("subscribe: %w: empty collection", docstore.ErrInvalidPath)
	}
	if fn == nil {
		return nil, fmt.Errorf("subscribe %s: nil listener", q)
	}

	s.mu.Lock()
	s.nextSub++
	sub := &subscription{
		store:   s,
		id:      s.nextSub,
		q:       q,
		fn:      fn,
		wake:    make(chan struct{}, subscriptionQueue),
		done:    make(chan struct{}),
		tracker: docstore.NewChangeTracker(),
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	sub.poke()
	go sub.loop()
	return sub, nil
}

// subscribersFor must be called with s.mu held.
func (s *Store) subscribersFor(collections map[string]struct{}) []*subscription {
	var out []*subscription
	for _, sub := range s.subs {
		if _, ok := collections[sub.q.Collection]; ok {
			out = append(out, sub)
		}
	}
	return out
}

func (sub *subscription) poke() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) loop() {
	first := true
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}
		if sub.closed.Load() {
			return
		}
		docs, readTime := sub.store.run(sub.q)
		changes := sub.tracker.Diff(docs)
		if !first && len(changes) == 0 {
			continue
		}
		first = false
		if !sub.emit(docstore.QuerySnapshot{Docs: docs, Changes: changes, ReadTime: readTime}) {
			return
		}
	}
}

func (sub *subscription) emit(snap docstore.QuerySnapshot) bool {
	sub.deliver.Lock()
	defer sub.deliver.Unlock()
	if sub.closed.Load() {
		return false
	}
	sub.fn(snap, nil)
	return true
}

func (sub *subscription) Close() {
	sub.once.Do(func() {
		sub.closed.Store(true)
		sub.store.mu.Lock()
		delete(sub.store.subs, sub.id)
		sub.store.mu.Unlock()
		close(sub.done)
	})
	// wait out a delivery that passed the closed check
	sub.deliver.Lock()
	sub.deliver.Unlock() //nolint:staticcheck // barrier
}
