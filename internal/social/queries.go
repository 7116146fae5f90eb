package social

import (
	"context"

	"github.com/lalith-99/echosocial/internal/apperr"
	"github.com/lalith-99/echosocial/internal/docstore"
	"github.com/lalith-99/echosocial/internal/models"
	"github.com/lalith-99/echosocial/internal/paths"
)

// Status reports how viewer relates to target.
func (g *Graph) Status(ctx context.Context, viewerID, targetID string) (Status, error) {
	const op = "follow status"
	if viewerID == targetID {
		return StatusNone, nil
	}
	edge, err := g.store.Get(ctx, followingRef(viewerID, targetID))
	if err != nil {
		return StatusNone, apperr.Classify(op, err)
	}
	if edge.Exists {
		return StatusFollowing, nil
	}
	req, err := g.store.Get(ctx, requestRef(targetID, viewerID))
	if err != nil {
		return StatusNone, apperr.Classify(op, err)
	}
	if req.Exists {
		return StatusRequested, nil
	}
	return StatusNone, nil
}

func (g *Graph) edges(ctx context.Context, op, collection string, limit int) ([]models.FollowEdge, error) {
	q := docstore.From(collection).OrderBy(models.FieldCreatedAt, docstore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	snaps, err := g.store.Query(ctx, q)
	if err != nil {
		return nil, apperr.Classify(op, err)
	}
	out := make([]models.FollowEdge, 0, len(snaps))
	for _, s := range snaps {
		var e models.FollowEdge
		if err := s.DataTo(&e); err != nil {
			return nil, apperr.Classify(op, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Followers lists who follows userID, most recent first.
func (g *Graph) Followers(ctx context.Context, userID string, limit int) ([]models.FollowEdge, error) {
	return g.edges(ctx, "list followers", paths.FollowersOf(userID), limit)
}

// Following lists whom userID follows, most recent first.
func (g *Graph) Following(ctx context.Context, userID string, limit int) ([]models.FollowEdge, error) {
	return g.edges(ctx, "list following", paths.FollowingOf(userID), limit)
}

// PendingRequests lists follow requests waiting on userID, oldest first.
func (g *Graph) PendingRequests(ctx context.Context, userID string) ([]models.FollowRequest, error) {
	const op = "list follow requests"
	q := docstore.From(paths.FollowRequestsOf(userID)).OrderBy(models.FieldCreatedAt, docstore.Asc)
	snaps, err := g.store.Query(ctx, q)
	if err != nil {
		return nil, apperr.Classify(op, err)
	}
	out := make([]models.FollowRequest, 0, len(snaps))
	for _, s := range snaps {
		var r models.FollowRequest
		if err := s.DataTo(&r); err != nil {
			return nil, apperr.Classify(op, err)
		}
		out = append(out, r)
	}
	return out, nil
}
