package chat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/echosocial/internal/apperr"
	"github.com/lalith-99/echosocial/internal/docstore"
	"github.com/lalith-99/echosocial/internal/models"
	"github.com/lalith-99/echosocial/internal/observ"
	"github.com/lalith-99/echosocial/internal/paths"
)

// LastMessage is what the projector copies into inbox entries.
type LastMessage struct {
	ConversationID string
	SenderID       string
	ReceiverID     string
	Preview        string
	Kind           models.MessageKind
	// At is the message time; zero means the commit's server timestamp.
	At time.Time
}

// Projector keeps both participants' inbox entries in step with the latest
// message of a conversation. Every write is an idempotent upsert, so a
// failed or repeated projection converges on the next successful one.
type Projector struct {
	store    docstore.Store
	profiles ProfileReader
	logger   *zap.Logger
	retries  int
	backoff  time.Duration
}

// NewProjector returns a Projector that makes at most retries attempts
// per projection.
func NewProjector(store docstore.Store, profiles ProfileReader, logger *zap.Logger, retries int) *Projector {
	if retries < 1 {
		retries = 1
	}
	return &Projector{
		store:    store,
		profiles: profiles,
		logger:   logger.Named("inbox-projector"),
		retries:  retries,
		backoff:  100 * time.Millisecond,
	}
}

// Entries builds the two inbox writes for last. The sender's copy is seen,
// the receiver's is not. Display data of the other party is included only
// when the profile could be read; otherwise the previous values stay.
func (p *Projector) Entries(ctx context.Context, last LastMessage) []docstore.Write {
	var at any = docstore.ServerTimestamp
	if !last.At.IsZero() {
		at = last.At
	}
	entry := func(owner, other string, seen bool) docstore.Write {
		data := docstore.Data{
			models.FieldConversationID: last.ConversationID,
			models.FieldOwnerID:        owner,
			models.FieldOtherUserID:    other,
			models.FieldLastMessage:    last.Preview,
			models.FieldLastKind:       string(last.Kind),
			models.FieldLastSenderID:   last.SenderID,
			models.FieldLastMessageAt:  at,
			models.FieldSeen:           seen,
		}
		if prof, err := p.profiles.Get(ctx, other); err != nil {
			observ.BestEffort(p.logger, "read profile", err, zap.String("user_id", other))
		} else {
			data[models.FieldOtherName] = prof.Name()
			data[models.FieldOtherAvatar] = prof.AvatarURL
		}
		return docstore.Merge(paths.InboxEntry(owner, last.ConversationID), data)
	}
	return []docstore.Write{
		entry(last.SenderID, last.ReceiverID, true),
		entry(last.ReceiverID, last.SenderID, false),
	}
}

// Project commits the inbox entries for last, retrying with backoff.
func (p *Projector) Project(ctx context.Context, last LastMessage) error {
	writes := p.Entries(ctx, last)
	var err error
	for attempt := 1; attempt <= p.retries; attempt++ {
		if err = p.store.Commit(ctx, writes); err == nil {
			return nil
		}
		if apperr.IsKind(apperr.Classify("project inbox", err), apperr.KindAccessDenied) {
			break
		}
		p.logger.Warn("inbox projection failed",
			zap.String("conversation_id", last.ConversationID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < p.retries {
			select {
			case <-ctx.Done():
				return fmt.Errorf("project inbox %s: %w", last.ConversationID, ctx.Err())
			case <-time.After(p.backoff * time.Duration(attempt)):
			}
		}
	}
	return fmt.Errorf("project inbox %s: %w", last.ConversationID, err)
}

// Reconcile re-derives both inbox entries from the conversation metadata.
// Entries already at the conversation's latest message are left alone so a
// recipient who has read it is not flipped back to unseen.
func (p *Projector) Reconcile(ctx context.Context, conversationID string) error {
	snap, err := p.store.Get(ctx, paths.Conversation(conversationID))
	if err != nil {
		return apperr.Classify("reconcile inbox", err)
	}
	if !snap.Exists {
		return apperr.NotFound("reconcile inbox", "conversation does not exist")
	}
	var conv models.Conversation
	if err := snap.DataTo(&conv); err != nil {
		return apperr.Classify("reconcile inbox", err)
	}
	if len(conv.Participants) != 2 {
		return apperr.Validationf("reconcile inbox", "conversation %s has %d participants", conversationID, len(conv.Participants))
	}

	receiver := conv.Participants[0]
	if receiver == conv.LastSenderID {
		receiver = conv.Participants[1]
	}
	last := LastMessage{
		ConversationID: conversationID,
		SenderID:       conv.LastSenderID,
		ReceiverID:     receiver,
		Preview:        conv.LastMessage,
		Kind:           conv.LastKind,
		At:             conv.LastMessageAt,
	}

	var stale []docstore.Write
	for _, w := range p.Entries(ctx, last) {
		cur, err := p.store.Get(ctx, w.Ref)
		if err != nil {
			return apperr.Classify("reconcile inbox", err)
		}
		var entry models.InboxEntry
		if cur.Exists {
			if err := cur.DataTo(&entry); err == nil && entry.LastMessageAt.Equal(conv.LastMessageAt) {
				continue
			}
		}
		stale = append(stale, w)
	}
	if len(stale) == 0 {
		return nil
	}
	p.logger.Info("reconciling inbox",
		zap.String("conversation_id", conversationID),
		zap.Int("entries", len(stale)),
	)
	if err := p.store.Commit(ctx, stale); err != nil {
		return apperr.Classify("reconcile inbox", err)
	}
	return nil
}
