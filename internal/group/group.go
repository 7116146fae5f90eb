// Package group manages multi-party conversations: membership and admin
// roles, the shared message log, and per-member read state.
package group

import (
	"context"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/echosocial/internal/apperr"
	"github.com/lalith-99/echosocial/internal/chat"
	"github.com/lalith-99/echosocial/internal/docstore"
	"github.com/lalith-99/echosocial/internal/models"
	"github.com/lalith-99/echosocial/internal/observ"
	"github.com/lalith-99/echosocial/internal/paths"
)

// Manager owns groups, their messages and per-member read state.
type Manager struct {
	store  docstore.Store
	logger *zap.Logger
}

func NewManager(store docstore.Store, logger *zap.Logger) *Manager {
	return &Manager{store: store, logger: logger.Named("group")}
}

// CreateRequest describes a new group. The creator becomes its only admin.
type CreateRequest struct {
	Name        string
	Description string
	AvatarURL   string
	Members     []string
	CreatorID   string
}

// MessageRequest is one message posted to a group.
type MessageRequest struct {
	GroupID  string
	SenderID string
	Text     string
	Kind     models.MessageKind
	MediaURL string
}

func (m *Manager) deny(op, actorID, reason string) error {
	err := apperr.AccessDenied(op, reason)
	observ.SecuritySignal(m.logger, op, actorID, err)
	return err
}

func (m *Manager) fail(op, actorID string, err error) error {
	err = apperr.Classify(op, err)
	if apperr.IsKind(err, apperr.KindAccessDenied) {
		observ.SecuritySignal(m.logger, op, actorID, err)
	}
	return err
}

func decodeGroup(op string, snap docstore.Snapshot) (models.Group, error) {
	if !snap.Exists {
		return models.Group{}, apperr.NotFound(op, "group does not exist")
	}
	var g models.Group
	if err := snap.DataTo(&g); err != nil {
		return models.Group{}, apperr.Classify(op, err)
	}
	g.ID = snap.Ref.ID
	return g, nil
}

// Get reads the metadata of a group.
func (m *Manager) Get(ctx context.Context, groupID string) (models.Group, error) {
	snap, err := m.store.Get(ctx, paths.Group(groupID))
	if err != nil {
		return models.Group{}, apperr.Classify("get group", err)
	}
	return decodeGroup("get group", snap)
}

// CreateGroup creates a group whose members are the de-duplicated union of
// req.Members and the creator. The creator is the only admin.
func (m *Manager) CreateGroup(ctx context.Context, req CreateRequest) (string, error) {
	const op = "create group"
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return "", apperr.Validation(op, "group name is required")
	}
	if !docstore.ValidSegment(req.CreatorID) {
		return "", apperr.Validation(op, "creator is required")
	}

	members := []string{req.CreatorID}
	for _, id := range req.Members {
		if !docstore.ValidSegment(id) {
			return "", apperr.Validationf(op, "invalid member id %q", id)
		}
		if !slices.Contains(members, id) {
			members = append(members, id)
		}
	}
	groupID := uuid.NewString()
	batch := docstore.NewBatch(m.store).Add(
		docstore.Create(paths.Group(groupID), docstore.Data{
			models.FieldID:            groupID,
			models.FieldName:          name,
			models.FieldDescription:   strings.TrimSpace(req.Description),
			models.FieldAvatarURL:     req.AvatarURL,
			models.FieldMembers:       members,
			models.FieldAdmins:        []string{req.CreatorID},
			models.FieldCreatedBy:     req.CreatorID,
			models.FieldCreatedAt:     docstore.ServerTimestamp,
			models.FieldLastMessage:   "",
			models.FieldLastMessageAt: docstore.ServerTimestamp,
		}),
	)
	for _, id := range members {
		batch.Add(readStateWrite(groupID, id, nil, true))
	}
	if !batch.Fits() {
		return "", apperr.Validationf(op, "a group holds at most %d members", m.store.MaxBatchSize()-1)
	}

	ctx = docstore.ActingAs(ctx, req.CreatorID)
	if err := batch.Commit(ctx); err != nil {
		return "", m.fail(op, req.CreatorID, err)
	}
	m.logger.Info("group created", zap.String("group_id", groupID), zap.Int("members", len(members)))
	return groupID, nil
}

// readStateWrite moves the read pointer of userID to at, or to the commit
// time when at is nil.
func readStateWrite(groupID, userID string, at any, joined bool) docstore.Write {
	if at == nil {
		at = docstore.ServerTimestamp
	}
	data := docstore.Data{
		models.FieldUserID:     userID,
		models.FieldLastReadAt: at,
	}
	if joined {
		data[models.FieldJoinedAt] = docstore.ServerTimestamp
	}
	return docstore.Merge(paths.GroupReadState(groupID, userID), data)
}

// SendGroupMessage appends to the group log with seenBy holding only the
// sender and updates the group's shared last-message summary.
func (m *Manager) SendGroupMessage(ctx context.Context, req MessageRequest) (string, error) {
	const op = "send group message"
	text, media, kind, err := chat.CheckContent(op, req.Text, req.MediaURL, req.Kind)
	if err != nil {
		return "", err
	}
	g, err := m.Get(ctx, req.GroupID)
	if err != nil {
		return "", err
	}
	if !g.IsMember(req.SenderID) {
		return "", m.deny(op, req.SenderID, "not a group member")
	}

	msgID := uuid.NewString()
	var textValue, mediaValue any
	if text != "" {
		textValue = text
	}
	if media != "" {
		mediaValue = media
	}
	batch := docstore.NewBatch(m.store).Add(
		docstore.Create(docstore.NewRef(paths.GroupMessages(req.GroupID), msgID), docstore.Data{
			models.FieldID:        msgID,
			models.FieldGroupID:   req.GroupID,
			models.FieldSenderID:  req.SenderID,
			models.FieldText:      textValue,
			models.FieldMediaURL:  mediaValue,
			models.FieldKind:      string(kind),
			models.FieldCreatedAt: docstore.ServerTimestamp,
			models.FieldStatus:    string(models.StateSent),
			models.FieldSeenBy:    []string{req.SenderID},
		}),
		docstore.Update(paths.Group(req.GroupID), docstore.Data{
			models.FieldLastMessage:   chat.Preview(text, kind),
			models.FieldLastKind:      string(kind),
			models.FieldLastSenderID:  req.SenderID,
			models.FieldLastMessageAt: docstore.ServerTimestamp,
		}),
		readStateWrite(req.GroupID, req.SenderID, nil, false),
	)

	ctx = docstore.ActingAs(ctx, req.SenderID)
	if err := batch.Commit(ctx); err != nil {
		return "", m.fail(op, req.SenderID, err)
	}
	return msgID, nil
}

// mutate runs fn on the current group inside a transaction.
func (m *Manager) mutate(ctx context.Context, op, groupID, actorID string, fn func(g models.Group, tx docstore.Tx) error) error {
	ctx = docstore.ActingAs(ctx, actorID)
	err := m.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		snap, err := tx.Get(ctx, paths.Group(groupID))
		if err != nil {
			return err
		}
		g, err := decodeGroup(op, snap)
		if err != nil {
			return err
		}
		return fn(g, tx)
	})
	if err != nil {
		return m.fail(op, actorID, err)
	}
	return nil
}

// AddMember adds memberID to the group. Only admins may add.
func (m *Manager) AddMember(ctx context.Context, groupID, actorID, memberID string) error {
	const op = "add member"
	if !docstore.ValidSegment(memberID) {
		return apperr.Validation(op, "member is required")
	}
	return m.mutate(ctx, op, groupID, actorID, func(g models.Group, tx docstore.Tx) error {
		if !g.IsAdmin(actorID) {
			return apperr.AccessDenied(op, "only admins add members")
		}
		if g.IsMember(memberID) {
			return nil
		}
		tx.Queue(
			docstore.Update(paths.Group(groupID), docstore.Data{
				models.FieldMembers: append(slices.Clone(g.Members), memberID),
			}),
			readStateWrite(groupID, memberID, nil, true),
		)
		return nil
	})
}

// RemoveMember removes memberID from the group. Admins may remove anyone;
// any member may remove themself. When the last admin leaves, the
// longest-standing remaining member becomes admin.
func (m *Manager) RemoveMember(ctx context.Context, groupID, actorID, memberID string) error {
	const op = "remove member"
	return m.mutate(ctx, op, groupID, actorID, func(g models.Group, tx docstore.Tx) error {
		if actorID != memberID && !g.IsAdmin(actorID) {
			return apperr.AccessDenied(op, "only admins remove other members")
		}
		if !g.IsMember(memberID) {
			return nil
		}
		leaving := func(id string) bool { return id == memberID }
		members := slices.DeleteFunc(slices.Clone(g.Members), leaving)
		admins := slices.DeleteFunc(slices.Clone(g.Admins), leaving)
		if len(admins) == 0 && len(members) > 0 {
			// members are kept in join order
			admins = []string{members[0]}
			m.logger.Info("promoting admin", zap.String("group_id", groupID), zap.String("user_id", members[0]))
		}
		tx.Queue(
			docstore.Update(paths.Group(groupID), docstore.Data{
				models.FieldMembers: members,
				models.FieldAdmins:  admins,
			}),
			docstore.Delete(paths.GroupReadState(groupID, memberID)),
		)
		return nil
	})
}

// LeaveGroup is RemoveMember of oneself.
func (m *Manager) LeaveGroup(ctx context.Context, groupID, userID string) error {
	return m.RemoveMember(ctx, groupID, userID, userID)
}

// PromoteAdmin makes memberID an admin. Only admins may promote.
func (m *Manager) PromoteAdmin(ctx context.Context, groupID, actorID, memberID string) error {
	const op = "promote admin"
	return m.mutate(ctx, op, groupID, actorID, func(g models.Group, tx docstore.Tx) error {
		if !g.IsAdmin(actorID) {
			return apperr.AccessDenied(op, "only admins promote")
		}
		if !g.IsMember(memberID) {
			return apperr.Validation(op, "only members can become admins")
		}
		if g.IsAdmin(memberID) {
			return nil
		}
		tx.Queue(docstore.Update(paths.Group(groupID), docstore.Data{
			models.FieldAdmins: append(slices.Clone(g.Admins), memberID),
		}))
		return nil
	})
}

// MarkGroupMessageSeen adds userID to the message's seenBy set. The set
// only grows.
func (m *Manager) MarkGroupMessageSeen(ctx context.Context, groupID, messageID, userID string) error {
	const op = "mark group message seen"
	g, err := m.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if !g.IsMember(userID) {
		return m.deny(op, userID, "not a group member")
	}
	ctx = docstore.ActingAs(ctx, userID)
	err = m.store.Commit(ctx, []docstore.Write{
		docstore.Update(docstore.NewRef(paths.GroupMessages(groupID), messageID), docstore.Data{
			models.FieldSeenBy: docstore.ArrayUnion(userID),
		}),
	})
	if err != nil {
		return m.fail(op, userID, err)
	}
	return nil
}

// MarkRead marks every message after the member's read pointer as seen by
// them, then moves the pointer to the newest of those messages. It returns
// how many messages were marked.
func (m *Manager) MarkRead(ctx context.Context, groupID, userID string) (int, error) {
	const op = "mark group read"
	g, err := m.Get(ctx, groupID)
	if err != nil {
		return 0, err
	}
	if !g.IsMember(userID) {
		return 0, m.deny(op, userID, "not a group member")
	}
	state, err := m.readState(ctx, groupID, userID)
	if err != nil {
		return 0, err
	}

	q := docstore.From(paths.GroupMessages(groupID)).OrderBy(models.FieldCreatedAt, docstore.Asc)
	if !state.LastReadAt.IsZero() {
		q = q.Where(models.FieldCreatedAt, docstore.Gt, docstore.FormatTime(state.LastReadAt))
	}
	ctx = docstore.ActingAs(ctx, userID)
	snaps, err := m.store.Query(ctx, q)
	if err != nil {
		return 0, apperr.Classify(op, err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}
	var (
		writes []docstore.Write
		newest models.Message
	)
	for _, s := range snaps {
		var msg models.Message
		if err := s.DataTo(&msg); err != nil {
			return 0, apperr.Classify(op, err)
		}
		newest = msg
		if slices.Contains(msg.SeenBy, userID) {
			continue
		}
		writes = append(writes, docstore.Update(s.Ref, docstore.Data{models.FieldSeenBy: docstore.ArrayUnion(userID)}))
	}
	done, err := docstore.CommitChunked(ctx, m.store, writes)
	if err != nil {
		if done > 0 {
			return done, apperr.Partial(op, "messages", err)
		}
		return 0, m.fail(op, userID, err)
	}
	if err := m.store.Commit(ctx, []docstore.Write{readStateWrite(groupID, userID, newest.CreatedAt, false)}); err != nil {
		return done, apperr.Partial(op, "read pointer", err)
	}
	return done, nil
}

func (m *Manager) readState(ctx context.Context, groupID, userID string) (models.GroupReadState, error) {
	snap, err := m.store.Get(ctx, paths.GroupReadState(groupID, userID))
	if err != nil {
		return models.GroupReadState{}, apperr.Classify("read group state", err)
	}
	var state models.GroupReadState
	if snap.Exists {
		if err := snap.DataTo(&state); err != nil {
			return models.GroupReadState{}, apperr.Classify("read group state", err)
		}
	}
	return state, nil
}

// HasUnread compares the group's last message with the member's read
// pointer. A member's own last message never counts as unread.
func (m *Manager) HasUnread(ctx context.Context, groupID, userID string) (bool, error) {
	g, err := m.Get(ctx, groupID)
	if err != nil {
		return false, err
	}
	return m.unread(ctx, g, userID)
}

func (m *Manager) unread(ctx context.Context, g models.Group, userID string) (bool, error) {
	if g.LastSenderID == "" || g.LastSenderID == userID {
		return false, nil
	}
	state, err := m.readState(ctx, g.ID, userID)
	if err != nil {
		return false, err
	}
	return g.LastMessageAt.After(state.LastReadAt), nil
}

// SubscribeMessages delivers the most recent limit messages of the group,
// ascending by creation time, on every change.
func (m *Manager) SubscribeMessages(groupID string, limit int, fn func([]models.Message, error)) (docstore.Subscription, error) {
	if limit <= 0 {
		limit = chat.DefaultWindow
	}
	q := docstore.From(paths.GroupMessages(groupID)).
		OrderBy(models.FieldCreatedAt, docstore.Asc).
		LimitToLast(limit)
	sub, err := m.store.Subscribe(q, func(snap docstore.QuerySnapshot, err error) {
		if err != nil {
			fn(nil, apperr.Classify("subscribe group messages", err))
			return
		}
		msgs := make([]models.Message, 0, len(snap.Docs))
		for _, d := range snap.Docs {
			var msg models.Message
			if err := d.DataTo(&msg); err != nil {
				fn(nil, apperr.Classify("decode group message", err))
				return
			}
			msgs = append(msgs, msg)
		}
		fn(msgs, nil)
	})
	if err != nil {
		return nil, apperr.Classify("subscribe group messages", err)
	}
	return sub, nil
}

func userGroupsQuery(userID string) docstore.Query {
	return docstore.From(paths.Groups).
		Where(models.FieldMembers, docstore.ArrayContains, userID).
		OrderBy(models.FieldLastMessageAt, docstore.Desc)
}

// Groups lists the groups userID belongs to, most recently active first.
func (m *Manager) Groups(ctx context.Context, userID string) ([]models.Group, error) {
	snaps, err := m.store.Query(ctx, userGroupsQuery(userID))
	if err != nil {
		return nil, apperr.Classify("list groups", err)
	}
	return decodeGroups(snaps)
}

// SubscribeGroups delivers the groups of userID on every change.
func (m *Manager) SubscribeGroups(userID string, fn func([]models.Group, error)) (docstore.Subscription, error) {
	sub, err := m.store.Subscribe(userGroupsQuery(userID), func(snap docstore.QuerySnapshot, err error) {
		if err != nil {
			fn(nil, apperr.Classify("subscribe groups", err))
			return
		}
		groups, err := decodeGroups(snap.Docs)
		fn(groups, err)
	})
	if err != nil {
		return nil, apperr.Classify("subscribe groups", err)
	}
	return sub, nil
}

// UnreadGroups returns the ids of userID's groups with unread messages.
func (m *Manager) UnreadGroups(ctx context.Context, userID string) ([]string, error) {
	groups, err := m.Groups(ctx, userID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, g := range groups {
		unread, err := m.unread(ctx, g, userID)
		if err != nil {
			return nil, err
		}
		if unread {
			ids = append(ids, g.ID)
		}
	}
	return ids, nil
}

func decodeGroups(snaps []docstore.Snapshot) ([]models.Group, error) {
	groups := make([]models.Group, 0, len(snaps))
	for _, s := range snaps {
		g, err := decodeGroup("decode group", s)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}
