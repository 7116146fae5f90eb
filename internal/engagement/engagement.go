// Package engagement implements likes and comments on posts and feeds
// them into the notification aggregator.
package engagement

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/echosocial/internal/apperr"
	"github.com/lalith-99/echosocial/internal/docstore"
	"github.com/lalith-99/echosocial/internal/models"
	"github.com/lalith-99/echosocial/internal/notify"
	"github.com/lalith-99/echosocial/internal/observ"
	"github.com/lalith-99/echosocial/internal/paths"
)

// MaxCommentRunes bounds the length of a comment.
const MaxCommentRunes = 2000

type Notifier interface {
	Notify(ctx context.Context, ev notify.Event)
	Retract(ctx context.Context, ev notify.Event)
}

// Service handles likes and comments on posts.
type Service struct {
	store    docstore.Store
	notifier Notifier
	logger   *zap.Logger
}

// NewService returns a Service that reports activity to notifier.
func NewService(store docstore.Store, notifier Notifier, logger *zap.Logger) *Service {
	return &Service{store: store, notifier: notifier, logger: logger.Named("engagement")}
}

func likeRef(postID, userID string) docstore.Ref {
	return docstore.NewRef(paths.PostLikes(postID), userID)
}

func (s *Service) fail(op, actorID string, err error) error {
	err = apperr.Classify(op, err)
	if apperr.IsKind(err, apperr.KindAccessDenied) {
		observ.SecuritySignal(s.logger, op, actorID, err)
	}
	return err
}

func decodePost(op string, snap docstore.Snapshot) (models.Post, error) {
	if !snap.Exists {
		return models.Post{}, apperr.NotFound(op, "post does not exist")
	}
	var p models.Post
	if err := snap.DataTo(&p); err != nil {
		return models.Post{}, apperr.Classify(op, err)
	}
	p.ID = snap.Ref.ID
	return p, nil
}

// CreatePost publishes a post owned by ownerID.
func (s *Service) CreatePost(ctx context.Context, ownerID, caption string) (string, error) {
	const op = "create post"
	if !docstore.ValidSegment(ownerID) {
		return "", apperr.Validation(op, "owner is required")
	}
	id := uuid.NewString()
	ctx = docstore.ActingAs(ctx, ownerID)
	err := s.store.Commit(ctx, []docstore.Write{docstore.Create(paths.Post(id), docstore.Data{
		models.FieldID:           id,
		models.FieldOwnerID:      ownerID,
		models.FieldCaption:      strings.TrimSpace(caption),
		models.FieldCreatedAt:    docstore.ServerTimestamp,
		models.FieldLikeCount:    0,
		models.FieldCommentCount: 0,
	})})
	if err != nil {
		return "", s.fail(op, ownerID, err)
	}
	return id, nil
}

func (s *Service) Post(ctx context.Context, postID string) (models.Post, error) {
	snap, err := s.store.Get(ctx, paths.Post(postID))
	if err != nil {
		return models.Post{}, apperr.Classify("get post", err)
	}
	return decodePost("get post", snap)
}

// LikePost records that userID likes postID. It reports false when the
// like already existed; the counter and the notification move only once.
func (s *Service) LikePost(ctx context.Context, userID, postID string) (bool, error) {
	const op = "like post"
	if !docstore.ValidSegment(userID) || !docstore.ValidSegment(postID) {
		return false, apperr.Validation(op, "user and post are required")
	}
	ctx = docstore.ActingAs(ctx, userID)

	var (
		post  models.Post
		added bool
	)
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		added = false
		snap, err := tx.Get(ctx, paths.Post(postID))
		if err != nil {
			return err
		}
		if post, err = decodePost(op, snap); err != nil {
			return err
		}
		like, err := tx.Get(ctx, likeRef(postID, userID))
		if err != nil || like.Exists {
			return err
		}
		tx.Queue(
			docstore.Set(like.Ref, docstore.Data{
				models.FieldUserID:    userID,
				models.FieldCreatedAt: docstore.ServerTimestamp,
			}),
			docstore.Update(paths.Post(postID), docstore.Data{models.FieldLikeCount: docstore.Increment(1)}),
		)
		added = true
		return nil
	})
	if err != nil {
		return false, s.fail(op, userID, err)
	}
	if added {
		s.notifier.Notify(ctx, notify.Event{
			RecipientID: post.OwnerID,
			SenderID:    userID,
			Kind:        models.NotifyLike,
			SubjectID:   postID,
		})
	}
	return added, nil
}

// UnlikePost removes the like of userID, reporting false when there was none.
func (s *Service) UnlikePost(ctx context.Context, userID, postID string) (bool, error) {
	const op = "unlike post"
	if !docstore.ValidSegment(userID) || !docstore.ValidSegment(postID) {
		return false, apperr.Validation(op, "user and post are required")
	}
	ctx = docstore.ActingAs(ctx, userID)

	var (
		post    models.Post
		removed bool
	)
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		removed = false
		snap, err := tx.Get(ctx, paths.Post(postID))
		if err != nil {
			return err
		}
		if post, err = decodePost(op, snap); err != nil {
			return err
		}
		like, err := tx.Get(ctx, likeRef(postID, userID))
		if err != nil || !like.Exists {
			return err
		}
		tx.Queue(
			docstore.Delete(like.Ref),
			docstore.Update(paths.Post(postID), docstore.Data{models.FieldLikeCount: docstore.Increment(-1)}),
		)
		removed = true
		return nil
	})
	if err != nil {
		return false, s.fail(op, userID, err)
	}
	if removed {
		s.notifier.Retract(ctx, notify.Event{
			RecipientID: post.OwnerID,
			SenderID:    userID,
			Kind:        models.NotifyLike,
			SubjectID:   postID,
		})
	}
	return removed, nil
}

// AddComment appends a comment and bumps the post's comment counter in one
// commit, then notifies the post owner with an excerpt.
func (s *Service) AddComment(ctx context.Context, userID, postID, text string) (string, error) {
	const op = "add comment"
	text = strings.TrimSpace(text)
	switch {
	case !docstore.ValidSegment(userID) || !docstore.ValidSegment(postID):
		return "", apperr.Validation(op, "user and post are required")
	case text == "":
		return "", apperr.Validation(op, "comment is empty")
	case utf8.RuneCountInString(text) > MaxCommentRunes:
		return "", apperr.Validationf(op, "comment is longer than %d characters", MaxCommentRunes)
	}
	post, err := s.Post(ctx, postID)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	ctx = docstore.ActingAs(ctx, userID)
	err = s.store.Commit(ctx, []docstore.Write{
		docstore.Create(docstore.NewRef(paths.PostComments(postID), id), docstore.Data{
			models.FieldID:        id,
			models.FieldPostID:    postID,
			models.FieldAuthorID:  userID,
			models.FieldText:      text,
			models.FieldCreatedAt: docstore.ServerTimestamp,
		}),
		docstore.Update(paths.Post(postID), docstore.Data{models.FieldCommentCount: docstore.Increment(1)}),
	})
	if err != nil {
		return "", s.fail(op, userID, err)
	}
	s.notifier.Notify(ctx, notify.Event{
		RecipientID: post.OwnerID,
		SenderID:    userID,
		Kind:        models.NotifyComment,
		SubjectID:   postID,
		CommentText: text,
	})
	return id, nil
}

// Comments lists the comments of a post, oldest first.
func (s *Service) Comments(ctx context.Context, postID string, limit int) ([]models.Comment, error) {
	q := docstore.From(paths.PostComments(postID)).OrderBy(models.FieldCreatedAt, docstore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	snaps, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, apperr.Classify("list comments", err)
	}
	out := make([]models.Comment, 0, len(snaps))
	for _, snap := range snaps {
		var c models.Comment
		if err := snap.DataTo(&c); err != nil {
			return nil, apperr.Classify("list comments", err)
		}
		out = append(out, c)
	}
	return out, nil
}
