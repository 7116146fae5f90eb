package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalith-99/echosocial/internal/apperr"
	"github.com/lalith-99/echosocial/internal/docstore"
	"github.com/lalith-99/echosocial/internal/models"
	"github.com/lalith-99/echosocial/internal/observ"
	"github.com/lalith-99/echosocial/internal/paths"
)

// InboxCache persists the last known inbox of a user between sessions.
type InboxCache interface {
	Save(ctx context.Context, userID string, entries []models.InboxEntry) error
	Load(ctx context.Context, userID string) ([]models.InboxEntry, bool, error)
	Invalidate(ctx context.Context, userID string) error
}

// InboxSnapshot is one delivery of an inbox subscription, newest first.
type InboxSnapshot struct {
	Entries   []models.InboxEntry
	Unread    int
	FromCache bool
}

// Inbox serves a user's conversation list, newest first.
type Inbox struct {
	store  docstore.Store
	cache  InboxCache
	logger *zap.Logger
}

// NewInbox returns an inbox reader. cache may be nil.
func NewInbox(store docstore.Store, cache InboxCache, logger *zap.Logger) *Inbox {
	return &Inbox{store: store, cache: cache, logger: logger.Named("inbox")}
}

func inboxQuery(userID string) docstore.Query {
	return docstore.From(paths.InboxEntries(userID)).OrderBy(models.FieldLastMessageAt, docstore.Desc)
}

// Entries reads the inbox of userID once.
func (i *Inbox) Entries(ctx context.Context, userID string) ([]models.InboxEntry, error) {
	snaps, err := i.store.Query(ctx, inboxQuery(userID))
	if err != nil {
		return nil, apperr.Classify("read inbox", err)
	}
	return decodeEntries(snaps)
}

// UnreadCount is the number of conversations with an unseen last message.
func (i *Inbox) UnreadCount(ctx context.Context, userID string) (int, error) {
	entries, err := i.Entries(ctx, userID)
	if err != nil {
		return 0, err
	}
	return countUnread(entries), nil
}

// Subscribe delivers the cached inbox of userID first, when there is one,
// synchronously before Subscribe returns, and then every live snapshot
// from the store. Live snapshots are written back to the cache.
func (i *Inbox) Subscribe(ctx context.Context, userID string, fn func(InboxSnapshot, error)) (docstore.Subscription, error) {
	if i.cache != nil {
		entries, ok, err := i.cache.Load(ctx, userID)
		if err != nil {
			observ.BestEffort(i.logger, "load inbox cache", err, zap.String("user_id", userID))
		} else if ok {
			fn(InboxSnapshot{Entries: entries, Unread: countUnread(entries), FromCache: true}, nil)
		}
	}

	sub, err := i.store.Subscribe(inboxQuery(userID), func(snap docstore.QuerySnapshot, err error) {
		if err != nil {
			fn(InboxSnapshot{}, apperr.Classify("subscribe inbox", err))
			return
		}
		entries, err := decodeEntries(snap.Docs)
		if err != nil {
			fn(InboxSnapshot{}, err)
			return
		}
		fn(InboxSnapshot{Entries: entries, Unread: countUnread(entries), FromCache: snap.FromCache}, nil)

		if i.cache != nil && !snap.FromCache {
			if err := i.cache.Save(context.WithoutCancel(ctx), userID, entries); err != nil {
				observ.BestEffort(i.logger, "save inbox cache", err, zap.String("user_id", userID))
			}
		}
	})
	if err != nil {
		return nil, apperr.Classify("subscribe inbox", err)
	}
	return sub, nil
}

func decodeEntries(snaps []docstore.Snapshot) ([]models.InboxEntry, error) {
	entries := make([]models.InboxEntry, 0, len(snaps))
	for _, s := range snaps {
		var e models.InboxEntry
		if err := s.DataTo(&e); err != nil {
			return nil, apperr.Classify("decode inbox entry", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func countUnread(entries []models.InboxEntry) int {
	n := 0
	for _, e := range entries {
		if !e.Seen {
			n++
		}
	}
	return n
}
