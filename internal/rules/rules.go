// Package rules holds the access rules the document store enforces for the
// social client. They mirror the hosted store's security rules so the
// in-process and Postgres backends reject the same writes.
//
// Writes without an actor in the context are trusted and skip the rules.
package rules

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/lalith-99/echosocial/internal/docstore"
	"github.com/lalith-99/echosocial/internal/models"
	"github.com/lalith-99/echosocial/internal/paths"
)

// Default returns every rule in evaluation order.
func Default() []docstore.Rule {
	return []docstore.Rule{
		Conversations,
		Inbox,
		Notifications,
		Groups,
		GroupMessages,
		SocialGraph,
		Profiles,
		Posts,
	}
}

func deny(w docstore.Write, actor, reason string) error {
	return fmt.Errorf("%w: %s %s by %q: %s", docstore.ErrPermissionDenied, w.Op, w.Ref, actor, reason)
}

func segments(collection string) []string {
	return strings.Split(collection, "/")
}

func stringField(d docstore.Data, key string) string {
	s, _ := d[key].(string)
	return s
}

// stringList reads a list of ids from stored data ([]any) or from the
// body of a write that has not been normalized yet ([]string).
func stringList(d docstore.Data, key string) []string {
	switch raw := d[key].(type) {
	case []string:
		return slices.Clone(raw)
	case []any:
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func sameSet(a, b []string) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

// pairOf returns the two users a conversation id is keyed on. Ids are the
// sorted pair joined with "_", and user ids never contain "_".
func pairOf(conversationID string) ([]string, bool) {
	p := strings.Split(conversationID, "_")
	if len(p) != 2 || p[0] == "" || p[1] == "" || p[0] >= p[1] {
		return nil, false
	}
	return p, true
}

// after returns the document as it will be once the commit lands.
func after(ctx context.Context, r docstore.Reader, ref docstore.Ref) (docstore.Snapshot, error) {
	return r.Lookup(ctx, ref)
}

func onlyFields(w docstore.Write, allowed ...string) bool {
	for field := range w.Data {
		if !slices.Contains(allowed, field) {
			return false
		}
	}
	return true
}

// Conversations: only the two users a conversation id is keyed on write
// its metadata and message log, and participants always equal that pair.
// A message's sender must be the actor and only its receiver may flip it
// to seen.
func Conversations(ctx context.Context, _ docstore.Reader, w docstore.Write, cur docstore.Snapshot) error {
	actor := docstore.ActorFrom(ctx)
	if actor == "" {
		return nil
	}
	seg := segments(w.Ref.Collection)
	if seg[0] != paths.Conversations {
		return nil
	}

	var convID string
	switch len(seg) {
	case 1:
		convID = w.Ref.ID
	case 3:
		convID = seg[1]
	default:
		return nil
	}
	pair, ok := pairOf(convID)
	if !ok {
		return deny(w, actor, "malformed conversation id")
	}
	if !slices.Contains(pair, actor) {
		return deny(w, actor, "not a participant")
	}

	if len(seg) == 1 {
		switch w.Op {
		case docstore.OpDelete:
			return deny(w, actor, "conversations are not deleted")
		case docstore.OpSet, docstore.OpCreate:
			if !sameSet(stringList(w.Data, models.FieldParticipants), pair) {
				return deny(w, actor, "participants must match the conversation id")
			}
		default:
			if _, touched := w.Data[models.FieldParticipants]; touched &&
				!sameSet(stringList(w.Data, models.FieldParticipants), pair) {
				return deny(w, actor, "participants must match the conversation id")
			}
		}
		return nil
	}

	switch w.Op {
	case docstore.OpCreate, docstore.OpSet:
		if stringField(w.Data, models.FieldSenderID) != actor {
			return deny(w, actor, "sender must be the actor")
		}
		if receiver := stringField(w.Data, models.FieldReceiverID); receiver != "" &&
			(receiver == actor || !slices.Contains(pair, receiver)) {
			return deny(w, actor, "receiver must be the other participant")
		}
	case docstore.OpUpdate, docstore.OpMerge:
		if stringField(cur.Data, models.FieldReceiverID) != actor {
			return deny(w, actor, "only the receiver updates a message")
		}
		if !onlyFields(w, models.FieldSeen, models.FieldStatus) {
			return deny(w, actor, "only seen state may change")
		}
	case docstore.OpDelete:
		return deny(w, actor, "messages are not deleted")
	}
	return nil
}

// Inbox: a user writes their own entries; the other user of a
// conversation may also write the entry keyed on it.
func Inbox(ctx context.Context, _ docstore.Reader, w docstore.Write, _ docstore.Snapshot) error {
	actor := docstore.ActorFrom(ctx)
	if actor == "" {
		return nil
	}
	seg := segments(w.Ref.Collection)
	if len(seg) != 3 || seg[0] != paths.UserInbox {
		return nil
	}
	owner := seg[1]
	if owner == actor {
		return nil
	}
	if pair, ok := pairOf(w.Ref.ID); ok && slices.Contains(pair, actor) && slices.Contains(pair, owner) {
		return nil
	}
	return deny(w, actor, "not a participant of the conversation")
}

// Notifications: the recipient may only toggle seen or delete; anyone else
// must be an actor of the notification before or after the write.
func Notifications(ctx context.Context, r docstore.Reader, w docstore.Write, cur docstore.Snapshot) error {
	actor := docstore.ActorFrom(ctx)
	if actor == "" {
		return nil
	}
	seg := segments(w.Ref.Collection)
	if len(seg) != 3 || seg[0] != paths.Notifications {
		return nil
	}
	recipient := seg[1]
	if actor == recipient {
		switch w.Op {
		case docstore.OpDelete:
			return nil
		case docstore.OpUpdate:
			if onlyFields(w, models.FieldSeen) {
				return nil
			}
		}
		return deny(w, actor, "recipients may only mark notifications seen")
	}

	if stringField(cur.Data, models.FieldSenderID) == actor ||
		slices.Contains(stringList(cur.Data, models.FieldActorIDs), actor) {
		return nil
	}
	next, err := after(ctx, r, w.Ref)
	if err != nil {
		return err
	}
	if next.Exists && stringField(next.Data, models.FieldSenderID) == actor {
		return nil
	}
	return deny(w, actor, "not an actor of the notification")
}

// Groups: a group is created with its creator as admin; afterwards only
// members write its metadata. A read pointer is written by its owner or by
// an admin.
func Groups(ctx context.Context, r docstore.Reader, w docstore.Write, cur docstore.Snapshot) error {
	actor := docstore.ActorFrom(ctx)
	if actor == "" {
		return nil
	}
	seg := segments(w.Ref.Collection)
	if seg[0] != paths.Groups {
		return nil
	}
	switch {
	case len(seg) == 1:
		if !cur.Exists {
			if slices.Contains(stringList(w.Data, models.FieldAdmins), actor) &&
				slices.Contains(stringList(w.Data, models.FieldMembers), actor) {
				return nil
			}
			return deny(w, actor, "creator must be an admin")
		}
		members := stringList(cur.Data, models.FieldMembers)
		if !slices.Contains(members, actor) {
			return deny(w, actor, "not a group member")
		}
		if slices.Contains(stringList(cur.Data, models.FieldAdmins), actor) {
			return nil
		}
		return memberWrite(ctx, r, w, cur, actor, members)
	case len(seg) == 3 && seg[2] == paths.ReadState:
		if w.Ref.ID == actor {
			return nil
		}
		group, err := after(ctx, r, paths.Group(seg[1]))
		if err != nil {
			return err
		}
		if slices.Contains(stringList(group.Data, models.FieldAdmins), actor) {
			return nil
		}
		return deny(w, actor, "read state belongs to its member")
	}
	return nil
}

// memberWrite authorizes a non-admin's write to group metadata: the
// last-message summary, or leaving the group.
func memberWrite(ctx context.Context, r docstore.Reader, w docstore.Write, cur docstore.Snapshot, actor string, members []string) error {
	if w.Op == docstore.OpDelete || w.Op == docstore.OpSet {
		return deny(w, actor, "only admins replace or delete a group")
	}
	if !onlyFields(w, models.FieldMembers, models.FieldAdmins,
		models.FieldLastMessage, models.FieldLastKind, models.FieldLastSenderID, models.FieldLastMessageAt) {
		return deny(w, actor, "members only update the last message")
	}
	next, err := after(ctx, r, w.Ref)
	if err != nil {
		return err
	}
	if !sameSet(stringList(next.Data, models.FieldAdmins), stringList(cur.Data, models.FieldAdmins)) {
		return deny(w, actor, "only admins change admins")
	}
	nextMembers := stringList(next.Data, models.FieldMembers)
	left := slices.DeleteFunc(slices.Clone(members), func(id string) bool { return id == actor })
	if !sameSet(nextMembers, members) && !sameSet(nextMembers, left) {
		return deny(w, actor, "members may only remove themselves")
	}
	return nil
}

// GroupMessages: only members post to or mark messages of a group log, and
// a member may only add to seenBy.
func GroupMessages(ctx context.Context, r docstore.Reader, w docstore.Write, cur docstore.Snapshot) error {
	actor := docstore.ActorFrom(ctx)
	if actor == "" {
		return nil
	}
	seg := segments(w.Ref.Collection)
	if len(seg) != 3 || seg[0] != paths.Groups || seg[2] != paths.Messages {
		return nil
	}
	group, err := after(ctx, r, paths.Group(seg[1]))
	if err != nil {
		return err
	}
	if !slices.Contains(stringList(group.Data, models.FieldMembers), actor) {
		return deny(w, actor, "not a group member")
	}
	switch w.Op {
	case docstore.OpCreate, docstore.OpSet:
		if stringField(w.Data, models.FieldSenderID) != actor {
			return deny(w, actor, "sender must be the actor")
		}
	case docstore.OpUpdate, docstore.OpMerge:
		if !onlyFields(w, models.FieldSeenBy) {
			return deny(w, actor, "only seenBy may change")
		}
	case docstore.OpDelete:
		return deny(w, actor, "messages are not deleted")
	}
	return nil
}

// SocialGraph: an edge or request under users/{u} may be written by u or
// by the user the document points at.
func SocialGraph(ctx context.Context, _ docstore.Reader, w docstore.Write, _ docstore.Snapshot) error {
	actor := docstore.ActorFrom(ctx)
	if actor == "" {
		return nil
	}
	seg := segments(w.Ref.Collection)
	if len(seg) != 3 || seg[0] != paths.Users {
		return nil
	}
	switch seg[2] {
	case paths.Following, paths.Followers, paths.FollowReqs:
	default:
		return nil
	}
	if actor == seg[1] || actor == w.Ref.ID {
		return nil
	}
	return deny(w, actor, "not a party to the relationship")
}

// Profiles: users edit their own profile; others may only move counters.
func Profiles(ctx context.Context, _ docstore.Reader, w docstore.Write, _ docstore.Snapshot) error {
	actor := docstore.ActorFrom(ctx)
	if actor == "" {
		return nil
	}
	seg := segments(w.Ref.Collection)
	if len(seg) != 1 || seg[0] != paths.Users || w.Ref.ID == actor {
		return nil
	}
	if (w.Op == docstore.OpUpdate || w.Op == docstore.OpMerge) &&
		onlyFields(w, models.FieldFollowerCount, models.FieldFollowingCount) {
		return nil
	}
	return deny(w, actor, "profiles are edited by their owner")
}

// Posts: owners edit their posts; others only move the counters. Likes are
// keyed by the liking user and comments carry their author.
func Posts(ctx context.Context, _ docstore.Reader, w docstore.Write, cur docstore.Snapshot) error {
	actor := docstore.ActorFrom(ctx)
	if actor == "" {
		return nil
	}
	seg := segments(w.Ref.Collection)
	if seg[0] != paths.Posts {
		return nil
	}
	switch {
	case len(seg) == 1:
		owner := stringField(cur.Data, models.FieldOwnerID)
		if !cur.Exists {
			owner = stringField(w.Data, models.FieldOwnerID)
		}
		if owner == actor {
			return nil
		}
		if w.Op == docstore.OpUpdate && onlyFields(w, models.FieldLikeCount, models.FieldCommentCount) {
			return nil
		}
		return deny(w, actor, "posts are edited by their owner")
	case len(seg) == 3 && seg[2] == paths.Likes:
		if w.Ref.ID == actor {
			return nil
		}
		return deny(w, actor, "likes belong to the liking user")
	case len(seg) == 3 && seg[2] == paths.Comments:
		author := stringField(cur.Data, models.FieldAuthorID)
		if !cur.Exists {
			author = stringField(w.Data, models.FieldAuthorID)
		}
		if author == actor {
			return nil
		}
		return deny(w, actor, "comments belong to their author")
	}
	return nil
}
