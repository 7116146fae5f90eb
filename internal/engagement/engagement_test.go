package engagement

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/echosocial/internal/apperr"
	"github.com/lalith-99/echosocial/internal/docstore"
	"github.com/lalith-99/echosocial/internal/docstore/memstore"
	"github.com/lalith-99/echosocial/internal/models"
	"github.com/lalith-99/echosocial/internal/notify"
	"github.com/lalith-99/echosocial/internal/paths"
	"github.com/lalith-99/echosocial/internal/rules"
)

func newService(t *testing.T) (*Service, *notify.Aggregator, *memstore.Store) {
	t.Helper()
	store := memstore.New(memstore.WithRules(rules.Default()...))
	agg := notify.NewAggregator(store, zap.NewNop())
	return NewService(store, agg, zap.NewNop()), agg, store
}

func TestLikeAndUnlike(t *testing.T) {
	s, agg, _ := newService(t)
	ctx := context.Background()
	postID, err := s.CreatePost(ctx, "owner", "sunset")
	require.NoError(t, err)

	added, err := s.LikePost(ctx, "u1", postID)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.LikePost(ctx, "u1", postID)
	require.NoError(t, err)
	assert.False(t, added)
	_, err = s.LikePost(ctx, "u2", postID)
	require.NoError(t, err)

	post, err := s.Post(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, 2, post.LikeCount)

	list, err := agg.List(ctx, "owner", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Count)
	assert.Equal(t, "u2", list[0].SenderID)

	removed, err := s.UnlikePost(ctx, "u2", postID)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.UnlikePost(ctx, "u2", postID)
	require.NoError(t, err)
	assert.False(t, removed)

	post, err = s.Post(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, 1, post.LikeCount)

	list, err = agg.List(ctx, "owner", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "u1", list[0].SenderID)
	assert.Equal(t, 1, list[0].Count)

	_, err = s.UnlikePost(ctx, "u1", postID)
	require.NoError(t, err)
	list, err = agg.List(ctx, "owner", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestLikeOwnPost(t *testing.T) {
	s, agg, _ := newService(t)
	ctx := context.Background()
	postID, err := s.CreatePost(ctx, "owner", "")
	require.NoError(t, err)

	added, err := s.LikePost(ctx, "owner", postID)
	require.NoError(t, err)
	assert.True(t, added)

	n, err := agg.UnseenCount(ctx, "owner")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLikeMissingPost(t *testing.T) {
	s, _, _ := newService(t)

	_, err := s.LikePost(context.Background(), "u1", "nope")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestLikeSurvivesNotificationFailure(t *testing.T) {
	s, _, store := newService(t)
	ctx := context.Background()
	postID, err := s.CreatePost(ctx, "owner", "")
	require.NoError(t, err)

	store.SetCommitHook(func(writes []docstore.Write) error {
		if strings.HasPrefix(writes[0].Ref.Collection, paths.Notifications+"/") {
			return docstore.ErrUnavailable
		}
		return nil
	})
	added, err := s.LikePost(ctx, "u1", postID)
	require.NoError(t, err)
	assert.True(t, added)

	store.SetCommitHook(nil)
	post, err := s.Post(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, 1, post.LikeCount)
}

func TestAddComment(t *testing.T) {
	s, agg, _ := newService(t)
	ctx := context.Background()
	postID, err := s.CreatePost(ctx, "owner", "")
	require.NoError(t, err)

	long := strings.Repeat("word ", 60)
	_, err = s.AddComment(ctx, "u1", postID, "nice")
	require.NoError(t, err)
	_, err = s.AddComment(ctx, "u2", postID, long)
	require.NoError(t, err)

	comments, err := s.Comments(ctx, postID, 0)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "nice", comments[0].Text)
	assert.Equal(t, "u1", comments[0].AuthorID)
	assert.Equal(t, strings.TrimSpace(long), comments[1].Text)

	post, err := s.Post(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, 2, post.CommentCount)

	list, err := agg.List(ctx, "owner", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, n := range list {
		assert.Equal(t, models.NotifyComment, n.Kind)
		assert.LessOrEqual(t, len([]rune(n.CommentText)), notify.MaxExcerpt)
	}

	_, err = s.AddComment(ctx, "u1", postID, "   ")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	_, err = s.AddComment(ctx, "u1", postID, strings.Repeat("x", MaxCommentRunes+1))
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestOthersCannotEditPost(t *testing.T) {
	s, _, store := newService(t)
	ctx := context.Background()
	postID, err := s.CreatePost(ctx, "owner", "mine")
	require.NoError(t, err)

	err = store.Commit(docstore.WithActor(ctx, "u1"), []docstore.Write{
		docstore.Update(paths.Post(postID), docstore.Data{models.FieldCaption: "hijacked"}),
	})
	assert.ErrorIs(t, err, docstore.ErrPermissionDenied)

	err = store.Commit(docstore.WithActor(ctx, "u1"), []docstore.Write{
		docstore.Set(docstore.NewRef(paths.PostLikes(postID), "u2"), docstore.Data{models.FieldUserID: "u2"}),
	})
	assert.ErrorIs(t, err, docstore.ErrPermissionDenied)
}
