// Package social maintains the follow graph: mirrored follower/following
// edges, the follow-request lifecycle for private accounts and the
// denormalized counters on profiles.
package social

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalith-99/echosocial/internal/apperr"
	"github.com/lalith-99/echosocial/internal/docstore"
	"github.com/lalith-99/echosocial/internal/models"
	"github.com/lalith-99/echosocial/internal/notify"
	"github.com/lalith-99/echosocial/internal/observ"
	"github.com/lalith-99/echosocial/internal/paths"
	"github.com/lalith-99/echosocial/internal/ratelimit"
)

// Status is the follow relation between two users.
type Status string

const (
	StatusNone      Status = "none"
	StatusRequested Status = "requested"
	StatusFollowing Status = "following"
)

// Notifier receives the notifications follow operations emit. Failures
// stay inside the notifier.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event)
	Retract(ctx context.Context, ev notify.Event)
}

// PrivacyReader tells whether an account approves its followers.
type PrivacyReader interface {
	IsPrivate(ctx context.Context, userID string) (bool, error)
}

// Graph manages follows and follow requests.
type Graph struct {
	store    docstore.Store
	privacy  PrivacyReader
	notifier Notifier
	limiter  ratelimit.Limiter
	logger   *zap.Logger
}

// Option configures a Graph.
type Option func(*Graph)

func WithLimiter(l ratelimit.Limiter) Option {
	return func(g *Graph) { g.limiter = l }
}

// NewGraph returns a Graph over store. notifier and privacy are required.
func NewGraph(store docstore.Store, privacy PrivacyReader, notifier Notifier, logger *zap.Logger, opts ...Option) *Graph {
	g := &Graph{
		store:    store,
		privacy:  privacy,
		notifier: notifier,
		limiter:  ratelimit.Unlimited{},
		logger:   logger.Named("social"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func followingRef(userID, targetID string) docstore.Ref {
	return docstore.NewRef(paths.FollowingOf(userID), targetID)
}

func followerRef(userID, followerID string) docstore.Ref {
	return docstore.NewRef(paths.FollowersOf(userID), followerID)
}

func requestRef(targetID, requesterID string) docstore.Ref {
	return docstore.NewRef(paths.FollowRequestsOf(targetID), requesterID)
}

func validatePair(op, a, b string) error {
	if !docstore.ValidSegment(a) || !docstore.ValidSegment(b) {
		return apperr.Validation(op, "both users are required")
	}
	if a == b {
		return apperr.Validation(op, "cannot follow yourself")
	}
	return nil
}

// link queues the mirrored edge pair and counter increments for follower
// following target.
func link(tx docstore.Tx, followerID, targetID string) {
	tx.Queue(
		docstore.Set(followingRef(followerID, targetID), docstore.Data{
			models.FieldUserID:    targetID,
			models.FieldCreatedAt: docstore.ServerTimestamp,
		}),
		docstore.Set(followerRef(targetID, followerID), docstore.Data{
			models.FieldUserID:    followerID,
			models.FieldCreatedAt: docstore.ServerTimestamp,
		}),
		docstore.Merge(paths.User(followerID), docstore.Data{models.FieldFollowingCount: docstore.Increment(1)}),
		docstore.Merge(paths.User(targetID), docstore.Data{models.FieldFollowerCount: docstore.Increment(1)}),
	)
}

func unlink(tx docstore.Tx, followerID, targetID string) {
	tx.Queue(
		docstore.Delete(followingRef(followerID, targetID)),
		docstore.Delete(followerRef(targetID, followerID)),
		docstore.Merge(paths.User(followerID), docstore.Data{models.FieldFollowingCount: docstore.Increment(-1)}),
		docstore.Merge(paths.User(targetID), docstore.Data{models.FieldFollowerCount: docstore.Increment(-1)}),
	)
}

func (g *Graph) fail(op, actorID string, err error) error {
	err = apperr.Classify(op, err)
	if apperr.IsKind(err, apperr.KindAccessDenied) {
		observ.SecuritySignal(g.logger, op, actorID, err)
	}
	return err
}

// FollowUser follows target directly when the account is public and sends a
// follow request when it is private. It returns the resulting status.
func (g *Graph) FollowUser(ctx context.Context, followerID, targetID string) (Status, error) {
	const op = "follow user"
	if err := validatePair(op, followerID, targetID); err != nil {
		return StatusNone, err
	}
	ctx = docstore.ActingAs(ctx, followerID)

	allowed, err := g.limiter.Allow(ctx, "follow:"+followerID)
	if err != nil {
		observ.BestEffort(g.logger, "rate limit", err, zap.String("user_id", followerID))
	} else if !allowed {
		return StatusNone, apperr.RateLimited(op)
	}

	private, err := g.privacy.IsPrivate(ctx, targetID)
	if err != nil {
		return StatusNone, g.fail(op, followerID, err)
	}
	if private {
		return g.SendFollowRequest(ctx, followerID, targetID)
	}

	created := false
	err = g.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		created = false
		edge, err := tx.Get(ctx, followingRef(followerID, targetID))
		if err != nil || edge.Exists {
			return err
		}
		req, err := tx.Get(ctx, requestRef(targetID, followerID))
		if err != nil {
			return err
		}
		if req.Exists {
			// left over from when the account was private
			tx.Queue(docstore.Delete(req.Ref))
		}
		link(tx, followerID, targetID)
		created = true
		return nil
	})
	if err != nil {
		return StatusNone, g.fail(op, followerID, err)
	}
	if created {
		g.logger.Info("followed", zap.String("follower_id", followerID), zap.String("target_id", targetID))
		g.notifier.Notify(ctx, notify.Event{
			RecipientID: targetID,
			SenderID:    followerID,
			Kind:        models.NotifyFollowAccept,
		})
	}
	return StatusFollowing, nil
}

// SendFollowRequest records a pending request from requester to target and
// notifies the target. Repeating it keeps a single request and a single
// notification.
func (g *Graph) SendFollowRequest(ctx context.Context, requesterID, targetID string) (Status, error) {
	const op = "send follow request"
	if err := validatePair(op, requesterID, targetID); err != nil {
		return StatusNone, err
	}
	ctx = docstore.ActingAs(ctx, requesterID)

	status := StatusRequested
	err := g.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		status = StatusRequested
		edge, err := tx.Get(ctx, followingRef(requesterID, targetID))
		if err != nil {
			return err
		}
		if edge.Exists {
			status = StatusFollowing
			return nil
		}
		req, err := tx.Get(ctx, requestRef(targetID, requesterID))
		if err != nil || req.Exists {
			return err
		}
		tx.Queue(docstore.Set(req.Ref, docstore.Data{
			models.FieldRequesterID: requesterID,
			models.FieldTargetID:    targetID,
			models.FieldCreatedAt:   docstore.ServerTimestamp,
		}))
		return nil
	})
	if err != nil {
		return StatusNone, g.fail(op, requesterID, err)
	}
	if status == StatusRequested {
		g.notifier.Notify(ctx, notify.Event{
			RecipientID: targetID,
			SenderID:    requesterID,
			Kind:        models.NotifyFollowRequest,
		})
	}
	return status, nil
}

// AcceptFollowRequest turns the pending request of requester into a
// mirrored edge pair in one transaction. The follow_request notification is
// then replaced by a follow_accept one for the requester, best effort.
func (g *Graph) AcceptFollowRequest(ctx context.Context, targetID, requesterID string) error {
	const op = "accept follow request"
	if err := validatePair(op, requesterID, targetID); err != nil {
		return err
	}
	ctx = docstore.ActingAs(ctx, targetID)

	err := g.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		req, err := tx.Get(ctx, requestRef(targetID, requesterID))
		if err != nil {
			return err
		}
		if !req.Exists {
			return apperr.NotFound(op, "no pending follow request")
		}
		edge, err := tx.Get(ctx, followingRef(requesterID, targetID))
		if err != nil {
			return err
		}
		if !edge.Exists {
			link(tx, requesterID, targetID)
		}
		tx.Queue(docstore.Delete(req.Ref))
		return nil
	})
	if err != nil {
		return g.fail(op, targetID, err)
	}

	g.notifier.Retract(ctx, notify.Event{
		RecipientID: targetID,
		SenderID:    requesterID,
		Kind:        models.NotifyFollowRequest,
	})
	g.notifier.Notify(ctx, notify.Event{
		RecipientID: requesterID,
		SenderID:    targetID,
		Kind:        models.NotifyFollowAccept,
	})
	return nil
}

// RejectFollowRequest drops the pending request of requester. Rejecting a
// request that no longer exists is not an error.
func (g *Graph) RejectFollowRequest(ctx context.Context, targetID, requesterID string) error {
	return g.dropRequest(ctx, "reject follow request", targetID, requesterID, targetID)
}

// CancelFollowRequest withdraws requester's pending request to target.
func (g *Graph) CancelFollowRequest(ctx context.Context, requesterID, targetID string) error {
	return g.dropRequest(ctx, "cancel follow request", targetID, requesterID, requesterID)
}

func (g *Graph) dropRequest(ctx context.Context, op, targetID, requesterID, actorID string) error {
	if err := validatePair(op, requesterID, targetID); err != nil {
		return err
	}
	ctx = docstore.ActingAs(ctx, actorID)
	if err := g.store.Commit(ctx, []docstore.Write{docstore.Delete(requestRef(targetID, requesterID))}); err != nil {
		return g.fail(op, actorID, err)
	}
	g.notifier.Retract(ctx, notify.Event{
		RecipientID: targetID,
		SenderID:    requesterID,
		Kind:        models.NotifyFollowRequest,
	})
	return nil
}

// UnfollowUser removes the edge pair from follower to target. When only a
// pending request exists, the request is cancelled instead.
func (g *Graph) UnfollowUser(ctx context.Context, followerID, targetID string) error {
	const op = "unfollow user"
	if err := validatePair(op, followerID, targetID); err != nil {
		return err
	}
	ctx = docstore.ActingAs(ctx, followerID)

	var removed, cancelled bool
	err := g.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		removed, cancelled = false, false
		edge, err := tx.Get(ctx, followingRef(followerID, targetID))
		if err != nil {
			return err
		}
		if edge.Exists {
			unlink(tx, followerID, targetID)
			removed = true
			return nil
		}
		req, err := tx.Get(ctx, requestRef(targetID, followerID))
		if err != nil {
			return err
		}
		if req.Exists {
			tx.Queue(docstore.Delete(req.Ref))
			cancelled = true
		}
		return nil
	})
	if err != nil {
		return g.fail(op, followerID, err)
	}

	switch {
	case removed:
		g.notifier.Retract(ctx, notify.Event{RecipientID: targetID, SenderID: followerID, Kind: models.NotifyFollowAccept})
	case cancelled:
		g.notifier.Retract(ctx, notify.Event{RecipientID: targetID, SenderID: followerID, Kind: models.NotifyFollowRequest})
	}
	return nil
}

// RemoveFollower removes followerID from userID's followers.
func (g *Graph) RemoveFollower(ctx context.Context, userID, followerID string) error {
	const op = "remove follower"
	if err := validatePair(op, userID, followerID); err != nil {
		return err
	}
	ctx = docstore.ActingAs(ctx, userID)

	removed := false
	err := g.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		removed = false
		edge, err := tx.Get(ctx, followerRef(userID, followerID))
		if err != nil || !edge.Exists {
			return err
		}
		unlink(tx, followerID, userID)
		removed = true
		return nil
	})
	if err != nil {
		return g.fail(op, userID, err)
	}
	if removed {
		g.notifier.Retract(ctx, notify.Event{RecipientID: userID, SenderID: followerID, Kind: models.NotifyFollowAccept})
	}
	return nil
}
