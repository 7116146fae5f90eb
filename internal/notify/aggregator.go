// Package notify creates, aggregates and tears down per-recipient
// notifications. All kinds share one document shape; aggregation is
// dispatched by kind in CreateOrAggregate and ReverseAction.
package notify

import (
	"context"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/echosocial/internal/apperr"
	"github.com/lalith-99/echosocial/internal/docstore"
	"github.com/lalith-99/echosocial/internal/models"
	"github.com/lalith-99/echosocial/internal/observ"
	"github.com/lalith-99/echosocial/internal/paths"
)

const (
	// MaxLastActors is how many recent likers a like notification names.
	MaxLastActors = 3

	// MaxExcerpt caps the comment text copied into a notification.
	MaxExcerpt = 100

	DefaultLimit = 50
)

// Event is one triggering (or reversed) action.
type Event struct {
	RecipientID string
	SenderID    string
	Kind        models.NotificationKind
	SubjectID   string
	CommentText string
}

// Aggregator writes notifications for social events. Likes on one
// subject fold into a single entry.
type Aggregator struct {
	store  docstore.Store
	logger *zap.Logger
}

// NewAggregator returns an Aggregator over store.
func NewAggregator(store docstore.Store, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: store, logger: logger.Named("notify")}
}

// LikeID and FollowRequestID are the deterministic ids that keep at most
// one like aggregate per subject and one pending request per requester.
func LikeID(subjectID string) string         { return "like_" + subjectID }
func FollowRequestID(senderID string) string { return "follow_request_" + senderID }

func ref(recipientID, id string) docstore.Ref {
	return docstore.NewRef(paths.NotificationItems(recipientID), id)
}

func (ev Event) validate(op string) error {
	if !docstore.ValidSegment(ev.RecipientID) || !docstore.ValidSegment(ev.SenderID) {
		return apperr.Validation(op, "recipient and sender are required")
	}
	if !ev.Kind.Valid() {
		return apperr.Validationf(op, "unknown notification kind %q", ev.Kind)
	}
	if ev.Kind == models.NotifyLike && !docstore.ValidSegment(ev.SubjectID) {
		return apperr.Validation(op, "like needs a subject")
	}
	return nil
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxExcerpt {
		return s
	}
	return string([]rune(s)[:MaxExcerpt])
}

func (a *Aggregator) fail(op, actorID string, err error) error {
	err = apperr.Classify(op, err)
	if apperr.IsKind(err, apperr.KindAccessDenied) {
		observ.SecuritySignal(a.logger, op, actorID, err)
	}
	return err
}

// CreateOrAggregate records ev for its recipient and returns the id of the
// new or updated notification. Notifying oneself is a no-op returning "".
func (a *Aggregator) CreateOrAggregate(ctx context.Context, ev Event) (string, error) {
	const op = "create notification"
	if err := ev.validate(op); err != nil {
		return "", err
	}
	if ev.RecipientID == ev.SenderID {
		return "", nil
	}
	ctx = docstore.ActingAs(ctx, ev.SenderID)

	var (
		id  string
		err error
	)
	switch ev.Kind {
	case models.NotifyLike:
		id, err = a.aggregateLike(ctx, ev)
	case models.NotifyFollowRequest:
		id, err = a.refreshFollowRequest(ctx, ev)
	default:
		id = uuid.NewString()
		err = a.store.Commit(ctx, []docstore.Write{docstore.Create(ref(ev.RecipientID, id), a.fresh(ev, id))})
	}
	if err != nil {
		return "", a.fail(op, ev.SenderID, err)
	}
	return id, nil
}

func (a *Aggregator) fresh(ev Event, id string) docstore.Data {
	data := docstore.Data{
		models.FieldID:          id,
		models.FieldKind:        string(ev.Kind),
		models.FieldSenderID:    ev.SenderID,
		models.FieldRecipientID: ev.RecipientID,
		models.FieldCreatedAt:   docstore.ServerTimestamp,
		models.FieldUpdatedAt:   docstore.ServerTimestamp,
		models.FieldSeen:        false,
		models.FieldCount:       1,
		models.FieldLastActors:  []string{ev.SenderID},
	}
	if ev.SubjectID != "" {
		data[models.FieldSubjectID] = ev.SubjectID
	}
	if ev.Kind == models.NotifyLike {
		data[models.FieldActorIDs] = []string{ev.SenderID}
	}
	if ev.Kind == models.NotifyComment && ev.CommentText != "" {
		data[models.FieldComment] = excerpt(ev.CommentText)
	}
	return data
}

func decode(snap docstore.Snapshot) (models.Notification, error) {
	var n models.Notification
	if err := snap.DataTo(&n); err != nil {
		return n, err
	}
	n.ID = snap.Ref.ID
	if len(n.ActorIDs) == 0 {
		n.ActorIDs = slices.Clone(n.LastActors)
	}
	return n, nil
}

func lastActors(actors []string) []string {
	return slices.Clone(actors[:min(len(actors), MaxLastActors)])
}

func (a *Aggregator) aggregateLike(ctx context.Context, ev Event) (string, error) {
	id := LikeID(ev.SubjectID)
	r := ref(ev.RecipientID, id)
	err := a.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		snap, err := tx.Get(ctx, r)
		if err != nil {
			return err
		}
		if !snap.Exists {
			tx.Queue(docstore.Set(r, a.fresh(ev, id)))
			return nil
		}
		n, err := decode(snap)
		if err != nil {
			return err
		}
		if slices.Contains(n.ActorIDs, ev.SenderID) {
			// the same person liking again without unliking
			return nil
		}
		actors := append([]string{ev.SenderID}, n.ActorIDs...)
		tx.Queue(docstore.Update(r, docstore.Data{
			models.FieldSenderID:   ev.SenderID,
			models.FieldCount:      n.Count + 1,
			models.FieldActorIDs:   actors,
			models.FieldLastActors: lastActors(actors),
			models.FieldSeen:       false,
			models.FieldUpdatedAt:  docstore.ServerTimestamp,
		}))
		return nil
	})
	return id, err
}

func (a *Aggregator) refreshFollowRequest(ctx context.Context, ev Event) (string, error) {
	id := FollowRequestID(ev.SenderID)
	r := ref(ev.RecipientID, id)
	err := a.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		snap, err := tx.Get(ctx, r)
		if err != nil {
			return err
		}
		if !snap.Exists {
			tx.Queue(docstore.Set(r, a.fresh(ev, id)))
			return nil
		}
		tx.Queue(docstore.Update(r, docstore.Data{
			models.FieldSeen:      false,
			models.FieldUpdatedAt: docstore.ServerTimestamp,
		}))
		return nil
	})
	return id, err
}

// ReverseAction undoes ev. For likes the sender is taken out of the
// aggregate, the next most recent liker becomes the named sender, and the
// notification is deleted once nobody is left. Any other kind deletes
// every notification of that kind from the sender.
func (a *Aggregator) ReverseAction(ctx context.Context, ev Event) error {
	const op = "reverse notification"
	if err := ev.validate(op); err != nil {
		return err
	}
	if ev.RecipientID == ev.SenderID {
		return nil
	}
	ctx = docstore.ActingAs(ctx, ev.SenderID)

	var err error
	if ev.Kind == models.NotifyLike {
		err = a.reverseLike(ctx, ev)
	} else {
		err = a.deleteMatching(ctx, ev)
	}
	if err != nil {
		return a.fail(op, docstore.ActorFrom(ctx), err)
	}
	return nil
}

func (a *Aggregator) reverseLike(ctx context.Context, ev Event) error {
	r := ref(ev.RecipientID, LikeID(ev.SubjectID))
	return a.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		snap, err := tx.Get(ctx, r)
		if err != nil || !snap.Exists {
			return err
		}
		n, err := decode(snap)
		if err != nil {
			return err
		}
		if !slices.Contains(n.ActorIDs, ev.SenderID) {
			return nil
		}
		actors := slices.DeleteFunc(slices.Clone(n.ActorIDs), func(id string) bool { return id == ev.SenderID })
		if n.Count <= 1 || len(actors) == 0 {
			tx.Queue(docstore.Delete(r))
			return nil
		}
		data := docstore.Data{
			models.FieldCount:      n.Count - 1,
			models.FieldActorIDs:   actors,
			models.FieldLastActors: lastActors(actors),
		}
		if n.SenderID == ev.SenderID {
			data[models.FieldSenderID] = actors[0]
		}
		tx.Queue(docstore.Update(r, data))
		return nil
	})
}

func (a *Aggregator) deleteMatching(ctx context.Context, ev Event) error {
	q := docstore.From(paths.NotificationItems(ev.RecipientID)).
		Where(models.FieldKind, docstore.Eq, string(ev.Kind)).
		Where(models.FieldSenderID, docstore.Eq, ev.SenderID)
	if ev.SubjectID != "" {
		q = q.Where(models.FieldSubjectID, docstore.Eq, ev.SubjectID)
	}
	snaps, err := a.store.Query(ctx, q)
	if err != nil {
		return err
	}
	writes := make([]docstore.Write, 0, len(snaps))
	for _, s := range snaps {
		writes = append(writes, docstore.Delete(s.Ref))
	}
	_, err = docstore.CommitChunked(ctx, a.store, writes)
	return err
}

// MarkSeen sets seen on one notification and touches nothing else.
func (a *Aggregator) MarkSeen(ctx context.Context, recipientID, notificationID string) error {
	const op = "mark notification seen"
	ctx = docstore.ActingAs(ctx, recipientID)
	err := a.store.Commit(ctx, []docstore.Write{
		docstore.Update(ref(recipientID, notificationID), docstore.Data{models.FieldSeen: true}),
	})
	if err != nil {
		return a.fail(op, recipientID, err)
	}
	return nil
}

// MarkAllSeen sets seen on every unseen notification of recipientID and
// returns how many changed.
func (a *Aggregator) MarkAllSeen(ctx context.Context, recipientID string) (int, error) {
	const op = "mark all notifications seen"
	ctx = docstore.ActingAs(ctx, recipientID)
	snaps, err := a.store.Query(ctx, unseenQuery(recipientID))
	if err != nil {
		return 0, apperr.Classify(op, err)
	}
	writes := make([]docstore.Write, 0, len(snaps))
	for _, s := range snaps {
		writes = append(writes, docstore.Update(s.Ref, docstore.Data{models.FieldSeen: true}))
	}
	done, err := docstore.CommitChunked(ctx, a.store, writes)
	if err != nil {
		if done > 0 {
			return done, apperr.Partial(op, "notifications", err)
		}
		return 0, a.fail(op, recipientID, err)
	}
	return done, nil
}

func unseenQuery(recipientID string) docstore.Query {
	return docstore.From(paths.NotificationItems(recipientID)).Where(models.FieldSeen, docstore.Eq, false)
}

func listQuery(recipientID string, limit int) docstore.Query {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return docstore.From(paths.NotificationItems(recipientID)).
		OrderBy(models.FieldUpdatedAt, docstore.Desc).
		Limit(limit)
}

// UnseenCount is the badge number for recipientID.
func (a *Aggregator) UnseenCount(ctx context.Context, recipientID string) (int, error) {
	snaps, err := a.store.Query(ctx, unseenQuery(recipientID))
	if err != nil {
		return 0, apperr.Classify("count notifications", err)
	}
	return len(snaps), nil
}

// List returns the most recently updated notifications of recipientID.
func (a *Aggregator) List(ctx context.Context, recipientID string, limit int) ([]models.Notification, error) {
	snaps, err := a.store.Query(ctx, listQuery(recipientID, limit))
	if err != nil {
		return nil, apperr.Classify("list notifications", err)
	}
	return decodeAll(snaps)
}

// Subscribe delivers the most recently updated notifications on every
// change, newest first.
func (a *Aggregator) Subscribe(recipientID string, limit int, fn func([]models.Notification, error)) (docstore.Subscription, error) {
	sub, err := a.store.Subscribe(listQuery(recipientID, limit), func(snap docstore.QuerySnapshot, err error) {
		if err != nil {
			fn(nil, apperr.Classify("subscribe notifications", err))
			return
		}
		list, err := decodeAll(snap.Docs)
		fn(list, err)
	})
	if err != nil {
		return nil, apperr.Classify("subscribe notifications", err)
	}
	return sub, nil
}

func decodeAll(snaps []docstore.Snapshot) ([]models.Notification, error) {
	out := make([]models.Notification, 0, len(snaps))
	for _, s := range snaps {
		n, err := decode(s)
		if err != nil {
			return nil, apperr.Classify("decode notification", err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Notify is CreateOrAggregate for callers whose own operation must not
// fail because of it: errors are logged and dropped.
func (a *Aggregator) Notify(ctx context.Context, ev Event) {
	if _, err := a.CreateOrAggregate(ctx, ev); err != nil {
		observ.BestEffort(a.logger, "create notification", err,
			zap.String("kind", string(ev.Kind)),
			zap.String("recipient_id", ev.RecipientID),
		)
	}
}

// Retract is ReverseAction with the same error policy as Notify.
func (a *Aggregator) Retract(ctx context.Context, ev Event) {
	if err := a.ReverseAction(ctx, ev); err != nil {
		observ.BestEffort(a.logger, "reverse notification", err,
			zap.String("kind", string(ev.Kind)),
			zap.String("recipient_id", ev.RecipientID),
		)
	}
}
