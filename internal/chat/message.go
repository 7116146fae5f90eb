package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/echosocial/internal/apperr"
	"github.com/lalith-99/echosocial/internal/docstore"
	"github.com/lalith-99/echosocial/internal/models"
	"github.com/lalith-99/echosocial/internal/observ"
	"github.com/lalith-99/echosocial/internal/paths"
	"github.com/lalith-99/echosocial/internal/ratelimit"
)

// DefaultWindow is the number of recent messages a subscription shows.
const DefaultWindow = 50

// messageNamespace scopes ids derived from client keys.
var messageNamespace = uuid.MustParse("6f1b7c52-9a4e-4b39-8d0e-5c37f0a2e918")

// ProfileReader supplies the display data copied into inbox entries.
type ProfileReader interface {
	Get(ctx context.Context, userID string) (models.Profile, error)
}

// SendRequest describes one direct message.
type SendRequest struct {
	SenderID   string
	ReceiverID string
	Text       string
	Kind       models.MessageKind
	MediaURL   string
	// ClientKey makes the send idempotent: resubmitting a request with the
	// same key returns the id of the message already written.
	ClientKey string
}

// MessageLog writes and reads the ordered message log of 1:1 conversations.
type MessageLog struct {
	store     docstore.Store
	projector *Projector
	limiter   ratelimit.Limiter
	logger    *zap.Logger
	window    int
}

// Option configures a MessageLog.
type Option func(*MessageLog)

// WithLimiter throttles sends per sender.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(m *MessageLog) { m.limiter = l }
}

// WithWindow sets the default number of messages a subscription holds.
func WithWindow(n int) Option {
	return func(m *MessageLog) {
		if n > 0 {
			m.window = n
		}
	}
}

// NewMessageLog returns a message log over store. Inbox entries are
// written through projector.
func NewMessageLog(store docstore.Store, projector *Projector, logger *zap.Logger, opts ...Option) *MessageLog {
	m := &MessageLog{
		store:     store,
		projector: projector,
		limiter:   ratelimit.Unlimited{},
		logger:    logger.Named("chat"),
		window:    DefaultWindow,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (req *SendRequest) normalize() error {
	const op = "send message"
	if err := ValidatePair(op, req.SenderID, req.ReceiverID); err != nil {
		return err
	}
	var err error
	req.Text, req.MediaURL, req.Kind, err = CheckContent(op, req.Text, req.MediaURL, req.Kind)
	return err
}

func (m *MessageLog) messageID(req SendRequest) string {
	if req.ClientKey == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(messageNamespace, []byte(req.SenderID+"/"+req.ClientKey)).String()
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Send appends a message to the conversation of sender and receiver and
// projects it into both inbox entries.
//
// When the store's batch limit allows, message, conversation metadata and
// both inbox entries commit atomically. Otherwise the inbox projection runs
// as a retried follow-up commit; if it still fails the message id is
// returned together with a partial error, since the message itself was
// delivered.
func (m *MessageLog) Send(ctx context.Context, req SendRequest) (string, error) {
	const op = "send message"
	if err := req.normalize(); err != nil {
		return "", err
	}
	ctx = docstore.ActingAs(ctx, req.SenderID)

	allowed, err := m.limiter.Allow(ctx, "send:"+req.SenderID)
	if err != nil {
		// a broken limiter must not stop people from chatting
		observ.BestEffort(m.logger, "rate limit", err, zap.String("sender_id", req.SenderID))
	} else if !allowed {
		return "", apperr.RateLimited(op)
	}

	convID := ConversationID(req.SenderID, req.ReceiverID)
	msgID := m.messageID(req)
	preview := Preview(req.Text, req.Kind)

	core := []docstore.Write{
		docstore.Create(docstore.NewRef(paths.ConversationMessages(convID), msgID), docstore.Data{
			models.FieldID:             msgID,
			models.FieldConversationID: convID,
			models.FieldSenderID:       req.SenderID,
			models.FieldReceiverID:     req.ReceiverID,
			models.FieldText:           optional(req.Text),
			models.FieldMediaURL:       optional(req.MediaURL),
			models.FieldKind:           string(req.Kind),
			models.FieldCreatedAt:      docstore.ServerTimestamp,
			models.FieldStatus:         string(models.StateSent),
			models.FieldSeen:           false,
			models.FieldClientKey:      optional(req.ClientKey),
		}),
		docstore.Merge(paths.Conversation(convID), docstore.Data{
			models.FieldID:            convID,
			models.FieldParticipants:  Participants(req.SenderID, req.ReceiverID),
			models.FieldLastMessage:   preview,
			models.FieldLastKind:      string(req.Kind),
			models.FieldLastSenderID:  req.SenderID,
			models.FieldLastMessageAt: docstore.ServerTimestamp,
		}),
	}

	last := LastMessage{
		ConversationID: convID,
		SenderID:       req.SenderID,
		ReceiverID:     req.ReceiverID,
		Preview:        preview,
		Kind:           req.Kind,
	}
	entries := m.projector.Entries(ctx, last)

	if batch := docstore.NewBatch(m.store).Add(core...).Add(entries...); batch.Fits() {
		err := batch.Commit(ctx)
		switch {
		case err == nil:
			return msgID, nil
		case req.ClientKey != "" && errors.Is(err, docstore.ErrAlreadyExists):
			m.logger.Debug("duplicate send", zap.String("message_id", msgID))
			return msgID, nil
		default:
			return "", m.fail(op, req.SenderID, err)
		}
	}

	if err := docstore.NewBatch(m.store).Add(core...).Commit(ctx); err != nil {
		if req.ClientKey == "" || !errors.Is(err, docstore.ErrAlreadyExists) {
			return "", m.fail(op, req.SenderID, err)
		}
		// already delivered; make sure the inbox caught up
		return msgID, m.projector.Reconcile(ctx, convID)
	}
	if err := m.projector.Project(ctx, last); err != nil {
		return msgID, apperr.Partial(op, "inbox projection", err)
	}
	return msgID, nil
}

func (m *MessageLog) fail(op, actorID string, err error) error {
	err = apperr.Classify(op, err)
	if apperr.IsKind(err, apperr.KindAccessDenied) {
		observ.SecuritySignal(m.logger, op, actorID, err)
	}
	return err
}

// MessagesQuery is the live window of the most recent limit messages,
// ascending by creation time.
func MessagesQuery(conversationID string, limit int) docstore.Query {
	return docstore.From(paths.ConversationMessages(conversationID)).
		OrderBy(models.FieldCreatedAt, docstore.Asc).
		LimitToLast(limit)
}

// Subscribe delivers the full current window of the conversation on every
// change. Each call to fn replaces the previous list.
func (m *MessageLog) Subscribe(conversationID string, limit int, fn func([]models.Message, error)) (docstore.Subscription, error) {
	if limit <= 0 {
		limit = m.window
	}
	q := MessagesQuery(conversationID, limit)
	sub, err := m.store.Subscribe(q, func(snap docstore.QuerySnapshot, err error) {
		if err != nil {
			fn(nil, apperr.Classify("subscribe messages", err))
			return
		}
		msgs, err := decodeMessages(snap.Docs)
		fn(msgs, err)
	})
	if err != nil {
		return nil, apperr.Classify("subscribe messages", err)
	}
	return sub, nil
}

// Before returns up to limit messages created strictly before t, ascending.
func (m *MessageLog) Before(ctx context.Context, conversationID string, t time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = m.window
	}
	q := docstore.From(paths.ConversationMessages(conversationID)).
		Where(models.FieldCreatedAt, docstore.Lt, docstore.FormatTime(t)).
		OrderBy(models.FieldCreatedAt, docstore.Asc).
		LimitToLast(limit)
	snaps, err := m.store.Query(ctx, q)
	if err != nil {
		return nil, apperr.Classify("message history", err)
	}
	return decodeMessages(snaps)
}

// MarkSeen flips every unseen message addressed to readerID to seen, then
// marks the reader's inbox entry seen. The steps are separate commits; if
// the second fails the messages stay seen and only the badge is stale,
// which the next call repairs.
func (m *MessageLog) MarkSeen(ctx context.Context, conversationID, readerID string) (int, error) {
	const op = "mark seen"
	n, err := m.advance(ctx, op, conversationID, readerID, models.StateSeen)
	if err != nil {
		return n, err
	}

	ctx = docstore.ActingAs(ctx, readerID)
	err = m.store.Commit(ctx, []docstore.Write{
		docstore.Update(paths.InboxEntry(readerID, conversationID), docstore.Data{models.FieldSeen: true}),
	})
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return n, apperr.Partial(op, "inbox seen", err)
	}
	return n, nil
}

// MarkDelivered moves messages addressed to readerID from sent to
// delivered. Seen messages are left alone.
func (m *MessageLog) MarkDelivered(ctx context.Context, conversationID, readerID string) (int, error) {
	return m.advance(ctx, "mark delivered", conversationID, readerID, models.StateDelivered)
}

func (m *MessageLog) advance(ctx context.Context, op, conversationID, readerID string, to models.DeliveryState) (int, error) {
	if conversationID == "" || readerID == "" {
		return 0, apperr.Validation(op, "conversation and reader are required")
	}
	ctx = docstore.ActingAs(ctx, readerID)

	q := docstore.From(paths.ConversationMessages(conversationID)).
		Where(models.FieldReceiverID, docstore.Eq, readerID)
	data := docstore.Data{models.FieldStatus: string(to)}
	if to == models.StateSeen {
		q = q.Where(models.FieldSeen, docstore.Eq, false)
		data[models.FieldSeen] = true
	} else {
		q = q.Where(models.FieldStatus, docstore.Eq, string(models.StateSent))
	}

	snaps, err := m.store.Query(ctx, q)
	if err != nil {
		return 0, apperr.Classify(op, err)
	}
	writes := make([]docstore.Write, 0, len(snaps))
	for _, s := range snaps {
		writes = append(writes, docstore.Update(s.Ref, data))
	}
	done, err := docstore.CommitChunked(ctx, m.store, writes)
	if err != nil {
		if done > 0 {
			return done, apperr.Partial(op, "messages", err)
		}
		return 0, m.fail(op, readerID, err)
	}
	return done, nil
}

func decodeMessages(snaps []docstore.Snapshot) ([]models.Message, error) {
	msgs := make([]models.Message, 0, len(snaps))
	for _, s := range snaps {
		var msg models.Message
		if err := s.DataTo(&msg); err != nil {
			return nil, apperr.Classify("decode message", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
