// Package paths names every collection the client core reads or writes.
// These are stable contracts shared with the store's access rules.
package paths

import "github.com/lalith-99/echosocial/internal/docstore"

const (
	Conversations = "conversations"
	Messages      = "messages"
	UserInbox     = "userInbox"
	Entries       = "entries"
	Groups        = "groups"
	ReadState     = "readState"
	Notifications = "notifications"
	Items         = "items"
	Users         = "users"
	Following     = "following"
	Followers     = "followers"
	FollowReqs    = "followRequests"
	Posts         = "posts"
	Likes         = "likes"
	Comments      = "comments"
)

func Conversation(conversationID string) docstore.Ref {
	return docstore.NewRef(Conversations, conversationID)
}

func ConversationMessages(conversationID string) string {
	return docstore.Collection(Conversations, conversationID, Messages)
}

func InboxEntries(userID string) string {
	return docstore.Collection(UserInbox, userID, Entries)
}

func InboxEntry(userID, conversationID string) docstore.Ref {
	return docstore.NewRef(InboxEntries(userID), conversationID)
}

func Group(groupID string) docstore.Ref {
	return docstore.NewRef(Groups, groupID)
}

func GroupMessages(groupID string) string {
	return docstore.Collection(Groups, groupID, Messages)
}

func GroupReadState(groupID, userID string) docstore.Ref {
	return docstore.NewRef(docstore.Collection(Groups, groupID, ReadState), userID)
}

func NotificationItems(recipientID string) string {
	return docstore.Collection(Notifications, recipientID, Items)
}

func User(userID string) docstore.Ref {
	return docstore.NewRef(Users, userID)
}

func FollowingOf(userID string) string {
	return docstore.Collection(Users, userID, Following)
}

func FollowersOf(userID string) string {
	return docstore.Collection(Users, userID, Followers)
}

func FollowRequestsOf(userID string) string {
	return docstore.Collection(Users, userID, FollowReqs)
}

func Post(postID string) docstore.Ref {
	return docstore.NewRef(Posts, postID)
}

func PostLikes(postID string) string {
	return docstore.Collection(Posts, postID, Likes)
}

func PostComments(postID string) string {
	return docstore.Collection(Posts, postID, Comments)
}
