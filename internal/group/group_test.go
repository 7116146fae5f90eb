package group

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/echosocial/internal/apperr"
	"github.com/lalith-99/echosocial/internal/docstore"
	"github.com/lalith-99/echosocial/internal/docstore/memstore"
	"github.com/lalith-99/echosocial/internal/models"
	"github.com/lalith-99/echosocial/internal/paths"
	"github.com/lalith-99/echosocial/internal/rules"
)

func newManager(t *testing.T) (*Manager, *memstore.Store) {
	t.Helper()
	store := memstore.New(memstore.WithRules(rules.Default()...))
	return NewManager(store, zap.NewNop()), store
}

func createGroup(t *testing.T, m *Manager, members ...string) string {
	t.Helper()
	id, err := m.CreateGroup(context.Background(), CreateRequest{
		Name:      "climbing",
		Members:   members,
		CreatorID: "alice",
	})
	require.NoError(t, err)
	return id
}

func TestCreateGroup(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	id := createGroup(t, m, "bob", "carol", "bob", "alice")
	g, err := m.Get(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "bob", "carol"}, g.Members)
	assert.Equal(t, []string{"alice"}, g.Admins)
	assert.Equal(t, "alice", g.CreatedBy)
	assert.False(t, g.CreatedAt.IsZero())

	for _, u := range g.Members {
		has, err := m.HasUnread(ctx, id, u)
		require.NoError(t, err)
		assert.False(t, has, u)
	}
}

func TestCreateGroupValidation(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.CreateGroup(ctx, CreateRequest{Name: "  ", CreatorID: "alice"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = m.CreateGroup(ctx, CreateRequest{Name: "x"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = m.CreateGroup(ctx, CreateRequest{Name: "x", CreatorID: "alice", Members: []string{"a/b"}})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestGroupSizeFollowsBatchLimit(t *testing.T) {
	// one write for the group and one read state per member
	store := memstore.New(memstore.WithRules(rules.Default()...), memstore.WithMaxBatchSize(4))
	m := NewManager(store, zap.NewNop())
	ctx := context.Background()

	id := createGroup(t, m, "bob", "carol")
	g, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, g.Members, 3)

	_, err = m.CreateGroup(ctx, CreateRequest{
		Name:      "too big",
		Members:   []string{"bob", "carol", "dave"},
		CreatorID: "alice",
	})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Contains(t, err.Error(), "at most 3 members")
}

func TestMembershipAuthorization(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	id := createGroup(t, m, "bob")

	err := m.AddMember(ctx, id, "bob", "dave")
	assert.True(t, apperr.IsKind(err, apperr.KindAccessDenied), "got %v", err)

	err = m.RemoveMember(ctx, id, "bob", "alice")
	assert.True(t, apperr.IsKind(err, apperr.KindAccessDenied), "got %v", err)

	require.NoError(t, m.RemoveMember(ctx, id, "bob", "bob"))

	g, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, g.Members)

	snap, err := m.store.Get(ctx, paths.GroupReadState(id, "bob"))
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestAdminAddsAndRemoves(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	id := createGroup(t, m, "bob")

	require.NoError(t, m.AddMember(ctx, id, "alice", "carol"))
	require.NoError(t, m.AddMember(ctx, id, "alice", "carol"), "adding twice is a no-op")
	require.NoError(t, m.RemoveMember(ctx, id, "alice", "bob"))
	require.NoError(t, m.RemoveMember(ctx, id, "alice", "bob"), "removing twice is a no-op")

	g, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, g.Members)

	err = m.AddMember(ctx, "missing", "alice", "carol")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestLastAdminLeavingPromotes(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	id := createGroup(t, m, "bob", "carol")

	require.NoError(t, m.LeaveGroup(ctx, id, "alice"))
	g, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, g.Members)
	assert.Equal(t, []string{"bob"}, g.Admins)

	// the new admin can manage the group
	require.NoError(t, m.RemoveMember(ctx, id, "bob", "carol"))
}

func TestPromoteAdmin(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	id := createGroup(t, m, "bob", "carol")

	err := m.PromoteAdmin(ctx, id, "bob", "bob")
	assert.True(t, apperr.IsKind(err, apperr.KindAccessDenied))

	err = m.PromoteAdmin(ctx, id, "alice", "zed")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	require.NoError(t, m.PromoteAdmin(ctx, id, "alice", "bob"))
	require.NoError(t, m.AddMember(ctx, id, "bob", "dave"))

	g, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, g.Admins)
	assert.Contains(t, g.Members, "dave")
}

func TestSendGroupMessage(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	id := createGroup(t, m, "bob", "carol")

	msgID, err := m.SendGroupMessage(ctx, MessageRequest{GroupID: id, SenderID: "bob", Text: "hey all"})
	require.NoError(t, err)

	snap, err := store.Get(ctx, docstore.NewRef(paths.GroupMessages(id), msgID))
	require.NoError(t, err)
	var msg models.Message
	require.NoError(t, snap.DataTo(&msg))
	assert.Equal(t, []string{"bob"}, msg.SeenBy)
	assert.Equal(t, id, msg.GroupID)

	g, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hey all", g.LastMessage)
	assert.Equal(t, "bob", g.LastSenderID)
	assert.True(t, g.LastMessageAt.Equal(msg.CreatedAt))

	unread, err := m.HasUnread(ctx, id, "alice")
	require.NoError(t, err)
	assert.True(t, unread)
	unread, err = m.HasUnread(ctx, id, "bob")
	require.NoError(t, err)
	assert.False(t, unread)

	ids, err := m.UnreadGroups(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)
}

func TestNonMemberCannotPost(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	id := createGroup(t, m, "bob")

	_, err := m.SendGroupMessage(ctx, MessageRequest{GroupID: id, SenderID: "mallory", Text: "spam"})
	assert.True(t, apperr.IsKind(err, apperr.KindAccessDenied))

	// the store refuses the same write even when the manager is bypassed
	err = store.Commit(docstore.WithActor(ctx, "mallory"), []docstore.Write{
		docstore.Create(docstore.NewRef(paths.GroupMessages(id), "x"), docstore.Data{models.FieldSenderID: "mallory"}),
	})
	assert.ErrorIs(t, err, docstore.ErrPermissionDenied)

	_, err = m.SendGroupMessage(ctx, MessageRequest{GroupID: id, SenderID: "bob"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestMarkSeenAndRead(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	id := createGroup(t, m, "bob", "carol")

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		msgID, err := m.SendGroupMessage(ctx, MessageRequest{GroupID: id, SenderID: "bob", Text: text})
		require.NoError(t, err)
		ids = append(ids, msgID)
	}

	require.NoError(t, m.MarkGroupMessageSeen(ctx, id, ids[0], "carol"))
	require.NoError(t, m.MarkGroupMessageSeen(ctx, id, ids[0], "carol"))
	err := m.MarkGroupMessageSeen(ctx, id, ids[0], "mallory")
	assert.True(t, apperr.IsKind(err, apperr.KindAccessDenied))

	n, err := m.MarkRead(ctx, id, "carol")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	seenBy := func(msgID string) []string {
		snap, err := store.Get(ctx, docstore.NewRef(paths.GroupMessages(id), msgID))
		require.NoError(t, err)
		var msg models.Message
		require.NoError(t, snap.DataTo(&msg))
		return msg.SeenBy
	}
	assert.Equal(t, []string{"bob", "carol"}, seenBy(ids[0]))
	assert.ElementsMatch(t, []string{"bob", "carol"}, seenBy(ids[2]))

	unread, err := m.HasUnread(ctx, id, "carol")
	require.NoError(t, err)
	assert.False(t, unread)

	n, err = m.MarkRead(ctx, id, "carol")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubscribeMessagesAndGroups(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	first := createGroup(t, m, "bob")
	second := createGroup(t, m, "bob")

	var (
		mu     sync.Mutex
		msgs   []models.Message
		groups []models.Group
	)
	msub, err := m.SubscribeMessages(first, 10, func(got []models.Message, err error) {
		assert.NoError(t, err)
		mu.Lock()
		msgs = got
		mu.Unlock()
	})
	require.NoError(t, err)
	defer msub.Close()
	gsub, err := m.SubscribeGroups("bob", func(got []models.Group, err error) {
		assert.NoError(t, err)
		mu.Lock()
		groups = got
		mu.Unlock()
	})
	require.NoError(t, err)
	defer gsub.Close()

	_, err = m.SendGroupMessage(ctx, MessageRequest{GroupID: first, SenderID: "alice", Text: "up"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(msgs) == 1 && len(groups) == 2 && groups[0].ID == first
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, second, groups[1].ID)
	mu.Unlock()
}
