package pgstore

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/echosocial/internal/db"
	"github.com/lalith-99/echosocial/internal/docstore"
)

// newTestStore connects to DOCSTORE_TEST_DATABASE_URL. Each test works in
// its own collection so runs do not see each other's documents.
func newTestStore(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	url := os.Getenv("DOCSTORE_TEST_DATABASE_URL")
	if url == "" || testing.Short() {
		t.Skip("DOCSTORE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	database, err := db.New(ctx, url, db.Options{MaxConns: 8}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(database.Close)
	require.NoError(t, database.Migrate(ctx))

	collection := "test_" + uuid.NewString()[:8]
	t.Cleanup(func() {
		_, _ = database.Pool().Exec(context.Background(), `DELETE FROM documents WHERE collection = $1`, collection)
	})
	return New(database.Pool(), zap.NewNop(), opts...), collection
}

func TestCommitAndQuery(t *testing.T) {
	s, col := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, []docstore.Write{
		docstore.Create(docstore.NewRef(col, "a"), docstore.Data{"owner": "u1", "n": 2, "at": docstore.ServerTimestamp}),
		docstore.Create(docstore.NewRef(col, "b"), docstore.Data{"owner": "u1", "n": 1}),
		docstore.Create(docstore.NewRef(col, "c"), docstore.Data{"owner": "u2", "n": 3}),
	}))

	snaps, err := s.Query(ctx, docstore.From(col).Where("owner", docstore.Eq, "u1").OrderBy("n", docstore.Asc))
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "b", snaps[0].Ref.ID)

	a, err := s.Get(ctx, docstore.NewRef(col, "a"))
	require.NoError(t, err)
	assert.IsType(t, "", a.Data["at"])

	err = s.Commit(ctx, []docstore.Write{
		docstore.Update(docstore.NewRef(col, "b"), docstore.Data{"n": docstore.Increment(5)}),
		docstore.Create(docstore.NewRef(col, "a"), docstore.Data{}),
	})
	assert.ErrorIs(t, err, docstore.ErrAlreadyExists)

	b, err := s.Get(ctx, docstore.NewRef(col, "b"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, b.Data["n"])
}

func TestRulesReject(t *testing.T) {
	deny := func(ctx context.Context, _ docstore.Reader, w docstore.Write, _ docstore.Snapshot) error {
		if docstore.ActorFrom(ctx) != "" && w.Ref.ID == "locked" {
			return docstore.ErrPermissionDenied
		}
		return nil
	}
	s, col := newTestStore(t, WithRules(deny))
	ctx := docstore.WithActor(context.Background(), "mallory")

	err := s.Commit(ctx, []docstore.Write{docstore.Set(docstore.NewRef(col, "locked"), docstore.Data{})})
	assert.ErrorIs(t, err, docstore.ErrPermissionDenied)
}

func TestTransactionIncrement(t *testing.T) {
	s, col := newTestStore(t)
	ctx := context.Background()
	ref := docstore.NewRef(col, "counter")
	require.NoError(t, s.Commit(ctx, []docstore.Write{docstore.Set(ref, docstore.Data{"n": 0})}))

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			done <- s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
				snap, err := tx.Get(ctx, ref)
				if err != nil {
					return err
				}
				tx.Queue(docstore.Update(ref, docstore.Data{"n": snap.Data["n"].(float64) + 1}))
				return nil
			})
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}
	snap, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 4.0, snap.Data["n"])
}

func TestSubscribeDelivers(t *testing.T) {
	s, col := newTestStore(t, WithChannel("docstore_test_"+uuid.NewString()[:8]))
	ctx := context.Background()

	var count atomic.Int32
	sub, err := s.Subscribe(docstore.From(col), func(snap docstore.QuerySnapshot, err error) {
		if err == nil {
			count.Store(int32(len(snap.Docs)))
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Commit(ctx, []docstore.Write{docstore.Set(docstore.NewRef(col, "a"), docstore.Data{})}))
	require.Eventually(t, func() bool { return count.Load() == 1 }, 5*time.Second, 20*time.Millisecond)
}
