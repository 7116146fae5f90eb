package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalith-99/echosocial/internal/docstore"
)

var newRef = docstore.NewRef

func TestCommitIsAtomic(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, []docstore.Write{
		docstore.Create(newRef("items", "a"), docstore.Data{"v": 1}),
	}))

	err := s.Commit(ctx, []docstore.Write{
		docstore.Create(newRef("items", "b"), docstore.Data{"v": 2}),
		docstore.Create(newRef("items", "a"), docstore.Data{"v": 3}),
	})
	require.ErrorIs(t, err, docstore.ErrAlreadyExists)

	b, err := s.Get(ctx, newRef("items", "b"))
	require.NoError(t, err)
	assert.False(t, b.Exists)
	a, err := s.Get(ctx, newRef("items", "a"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.Data["v"])
}

func TestBatchLimit(t *testing.T) {
	s := New(WithMaxBatchSize(2))
	writes := []docstore.Write{
		docstore.Set(newRef("items", "a"), docstore.Data{}),
		docstore.Set(newRef("items", "b"), docstore.Data{}),
		docstore.Set(newRef("items", "c"), docstore.Data{}),
	}
	assert.ErrorIs(t, s.Commit(context.Background(), writes), docstore.ErrBatchTooLarge)
	assert.Equal(t, 2, s.MaxBatchSize())
}

func TestServerTimestampsIncrease(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Commit(ctx, []docstore.Write{
			docstore.Set(newRef("items", id), docstore.Data{"at": docstore.ServerTimestamp}),
		}))
	}
	snaps, err := s.Query(ctx, docstore.From("items").OrderBy("at", docstore.Asc))
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, "a", snaps[0].Ref.ID)
	assert.Equal(t, "c", snaps[2].Ref.ID)
	assert.Less(t, snaps[0].Data["at"], snaps[1].Data["at"])
}

func TestReadsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, []docstore.Write{
		docstore.Set(newRef("items", "a"), docstore.Data{"list": []string{"x"}}),
	}))
	snap, err := s.Get(ctx, newRef("items", "a"))
	require.NoError(t, err)
	snap.Data["list"].([]any)[0] = "mutated"

	again, err := s.Get(ctx, newRef("items", "a"))
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, again.Data["list"])
}

func TestCommitHook(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("network down")
	s.SetCommitHook(func([]docstore.Write) error { return boom })

	err := s.Commit(ctx, []docstore.Write{docstore.Set(newRef("items", "a"), docstore.Data{})})
	assert.ErrorIs(t, err, boom)

	s.SetCommitHook(nil)
	assert.NoError(t, s.Commit(ctx, []docstore.Write{docstore.Set(newRef("items", "a"), docstore.Data{})}))
}

func TestRulesSeeStateBeforeAndAfter(t *testing.T) {
	var seen []string
	rule := func(ctx context.Context, r docstore.Reader, w docstore.Write, cur docstore.Snapshot) error {
		if docstore.ActorFrom(ctx) == "" {
			return nil
		}
		other, err := r.Lookup(ctx, newRef("items", "peer"))
		if err != nil {
			return err
		}
		seen = append(seen, fmt.Sprintf("%s cur=%v peer=%v", w.Ref.ID, cur.Exists, other.Exists))
		if w.Ref.ID == "forbidden" {
			return errors.New("nope")
		}
		return nil
	}
	s := New(WithRules(rule))
	ctx := docstore.WithActor(context.Background(), "alice")

	require.NoError(t, s.Commit(ctx, []docstore.Write{
		docstore.Set(newRef("items", "a"), docstore.Data{}),
		docstore.Set(newRef("items", "peer"), docstore.Data{}),
	}))
	assert.Equal(t, []string{"a cur=false peer=true", "peer cur=false peer=true"}, seen)

	err := s.Commit(ctx, []docstore.Write{docstore.Set(newRef("items", "forbidden"), docstore.Data{})})
	assert.ErrorIs(t, err, docstore.ErrPermissionDenied)

	// No actor: trusted.
	assert.NoError(t, s.Commit(context.Background(), []docstore.Write{docstore.Set(newRef("items", "forbidden"), docstore.Data{})}))
}

func TestTransactionRetriesOnConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref := newRef("counters", "c")
	require.NoError(t, s.Commit(ctx, []docstore.Write{docstore.Set(ref, docstore.Data{"n": 0})}))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
				snap, err := tx.Get(ctx, ref)
				if err != nil {
					return err
				}
				n := snap.Data["n"].(float64)
				tx.Queue(docstore.Update(ref, docstore.Data{"n": n + 1}))
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 3.0, snap.Data["n"])
}

func TestTransactionStaleRead(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref := newRef("counters", "c")
	require.NoError(t, s.Commit(ctx, []docstore.Write{docstore.Set(ref, docstore.Data{"n": 0})}))

	attempts := 0
	err := s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		attempts++
		if _, err := tx.Get(ctx, ref); err != nil {
			return err
		}
		if attempts == 1 {
			require.NoError(t, s.Commit(ctx, []docstore.Write{docstore.Update(ref, docstore.Data{"n": 10})}))
		}
		tx.Queue(docstore.Update(ref, docstore.Data{"n": docstore.Increment(1)}))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	snap, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 11.0, snap.Data["n"])
}

func TestTransactionGivesUp(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref := newRef("counters", "c")
	require.NoError(t, s.Commit(ctx, []docstore.Write{docstore.Set(ref, docstore.Data{"n": 0})}))

	err := s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if _, err := tx.Get(ctx, ref); err != nil {
			return err
		}
		require.NoError(t, s.Commit(ctx, []docstore.Write{docstore.Update(ref, docstore.Data{"n": docstore.Increment(1)})}))
		return nil
	})
	assert.ErrorIs(t, err, docstore.ErrConflict)
}

func TestSubscribe(t *testing.T) {
	s := New()
	ctx := context.Background()
	q := docstore.From("items").Where("owner", docstore.Eq, "u1").OrderBy("n", docstore.Asc)

	var (
		mu    sync.Mutex
		last  docstore.QuerySnapshot
		calls atomic.Int32
	)
	sub, err := s.Subscribe(q, func(snap docstore.QuerySnapshot, err error) {
		assert.NoError(t, err)
		mu.Lock()
		last = snap
		mu.Unlock()
		calls.Add(1)
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Commit(ctx, []docstore.Write{
		docstore.Set(newRef("items", "a"), docstore.Data{"owner": "u1", "n": 2}),
		docstore.Set(newRef("items", "b"), docstore.Data{"owner": "u2", "n": 1}),
	}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last.Docs) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "a", last.Docs[0].Ref.ID)
	require.Len(t, last.Changes, 1)
	assert.Equal(t, docstore.Added, last.Changes[0].Kind)
	mu.Unlock()

	// A write outside the result does not produce a delivery.
	before := calls.Load()
	require.NoError(t, s.Commit(ctx, []docstore.Write{
		docstore.Set(newRef("items", "b"), docstore.Data{"owner": "u2", "n": 5}),
	}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, calls.Load())

	sub.Close()
	sub.Close()
	require.NoError(t, s.Commit(ctx, []docstore.Write{docstore.Delete(newRef("items", "a"))}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, calls.Load())
}

func TestSubscribeRejectsBadQuery(t *testing.T) {
	s := New()
	_, err := s.Subscribe(docstore.Query{}, func(docstore.QuerySnapshot, error) {})
	assert.ErrorIs(t, err, docstore.ErrInvalidPath)
}

func TestCloseWaitsForRunningListener(t *testing.T) {
	s := New()
	ctx := context.Background()

	var (
		calls   atomic.Int32
		running = make(chan struct{}, 1)
		release = make(chan struct{})
	)
	sub, err := s.Subscribe(docstore.From("items"), func(docstore.QuerySnapshot, error) {
		if calls.Add(1) == 2 {
			running <- struct{}{}
			<-release
		}
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Commit(ctx, []docstore.Write{
		docstore.Set(newRef("items", "a"), docstore.Data{"n": 1}),
	}))
	<-running

	closed := make(chan struct{})
	go func() {
		sub.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while the listener was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the listener finished")
	}

	after := calls.Load()
	require.NoError(t, s.Commit(ctx, []docstore.Write{
		docstore.Set(newRef("items", "b"), docstore.Data{"n": 2}),
	}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}
