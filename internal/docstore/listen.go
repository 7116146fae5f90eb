package docstore

import (
	"context"
	"time"
)

// ChangeKind says how a document moved between two deliveries.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change is one document added, modified or removed since the last delivery.
type Change struct {
	Kind ChangeKind
	Doc  Snapshot
}

// QuerySnapshot is one delivery of a subscription. Docs is always the
// complete current result; Changes describes how it differs from the
// previous delivery.
type QuerySnapshot struct {
	Docs      []Snapshot
	Changes   []Change
	FromCache bool
	ReadTime  time.Time
}

// Listener receives subscription deliveries. A non-nil error means the
// subscription hit a failure; the backend keeps retrying until Close.
type Listener func(QuerySnapshot, error)

// ChangeTracker computes add/modify/remove sets between deliveries.
type ChangeTracker struct {
	seen map[string]Snapshot
}

func NewChangeTracker() *ChangeTracker {
	return &ChangeTracker{seen: map[string]Snapshot{}}
}

// Diff records docs as the current result and returns what changed.
func (t *ChangeTracker) Diff(docs []Snapshot) []Change {
	var changes []Change
	next := make(map[string]Snapshot, len(docs))
	for _, d := range docs {
		p := d.Ref.Path()
		next[p] = d
		prev, ok := t.seen[p]
		switch {
		case !ok:
			changes = append(changes, Change{Kind: Added, Doc: d})
		case !prev.UpdateTime.Equal(d.UpdateTime):
			changes = append(changes, Change{Kind: Modified, Doc: d})
		}
	}
	for p, prev := range t.seen {
		if _, ok := next[p]; !ok {
			changes = append(changes, Change{Kind: Removed, Doc: prev})
		}
	}
	t.seen = next
	return changes
}

type actorKey struct{}

// WithActor attaches the acting user ID so store rules can authorize writes.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFrom returns the acting user ID, or "" when none is attached.
func ActorFrom(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}

// ActingAs attaches userID as the actor unless ctx already carries one. A
// signed-in session's actor always wins over the user an operation names.
func ActingAs(ctx context.Context, userID string) context.Context {
	if ActorFrom(ctx) != "" {
		return ctx
	}
	return WithActor(ctx, userID)
}
