package models

import "time"

// Document field names. Writes build docstore.Data with these keys and reads
// decode into the structs below through their json tags, so the two must
// stay in sync.
const (
	FieldID             = "id"
	FieldConversationID = "conversationId"
	FieldGroupID        = "groupId"
	FieldSenderID       = "senderId"
	FieldReceiverID     = "receiverId"
	FieldText           = "text"
	FieldMediaURL       = "mediaUrl"
	FieldKind           = "kind"
	FieldCreatedAt      = "createdAt"
	FieldUpdatedAt      = "updatedAt"
	FieldStatus         = "status"
	FieldSeen           = "seen"
	FieldSeenBy         = "seenBy"
	FieldClientKey      = "clientKey"

	FieldParticipants  = "participants"
	FieldLastMessage   = "lastMessage"
	FieldLastKind      = "lastMessageKind"
	FieldLastSenderID  = "lastSenderId"
	FieldLastMessageAt = "lastMessageAt"

	FieldOwnerID     = "ownerId"
	FieldOtherUserID = "otherUserId"
	FieldOtherName   = "otherName"
	FieldOtherAvatar = "otherAvatar"

	FieldName        = "name"
	FieldDescription = "description"
	FieldAvatarURL   = "avatarUrl"
	FieldMembers     = "members"
	FieldAdmins      = "admins"
	FieldCreatedBy   = "createdBy"
	FieldUserID      = "userId"
	FieldLastReadAt  = "lastReadAt"
	FieldJoinedAt    = "joinedAt"

	FieldRecipientID = "recipientId"
	FieldSubjectID   = "subjectId"
	FieldComment     = "commentText"
	FieldCount       = "aggregatedCount"
	FieldLastActors  = "lastActors"
	FieldActorIDs    = "actorIds"

	FieldDisplayName    = "displayName"
	FieldUsername       = "username"
	FieldIsPrivate      = "isPrivate"
	FieldFollowerCount  = "followerCount"
	FieldFollowingCount = "followingCount"
	FieldRequesterID    = "requesterId"
	FieldTargetID       = "targetId"

	FieldLikeCount    = "likeCount"
	FieldCommentCount = "commentCount"
	FieldPostID       = "postId"
	FieldAuthorID     = "authorId"
	FieldCaption      = "caption"
)

// MessageKind is the content type of a message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindVoice MessageKind = "voice"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindVoice, KindImage, KindVideo:
		return true
	}
	return false
}

// DeliveryState moves forward only: sent -> delivered -> seen.
type DeliveryState string

const (
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateSeen      DeliveryState = "seen"
)

// Message lives in exactly one log: a 1:1 conversation (ReceiverID set,
// Seen boolean) or a group (GroupID set, SeenBy set).
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId,omitempty"`
	GroupID        string        `json:"groupId,omitempty"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId,omitempty"`
	Text           *string       `json:"text"`
	MediaURL       *string       `json:"mediaUrl"`
	Kind           MessageKind   `json:"kind"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         DeliveryState `json:"status"`
	Seen           bool          `json:"seen"`
	SeenBy         []string      `json:"seenBy,omitempty"`
	ClientKey      string        `json:"clientKey,omitempty"`
}

// Conversation is the metadata document of a 1:1 thread.
type Conversation struct {
	ID            string      `json:"id"`
	Participants  []string    `json:"participants"`
	LastMessage   string      `json:"lastMessage"`
	LastKind      MessageKind `json:"lastMessageKind"`
	LastSenderID  string      `json:"lastSenderId"`
	LastMessageAt time.Time   `json:"lastMessageAt"`
}

// InboxEntry is one user's denormalized view of one conversation. The two
// entries of a conversation may disagree on Seen: the sender's copy is
// written seen, the recipient's unseen.
type InboxEntry struct {
	ConversationID string      `json:"conversationId"`
	OwnerID        string      `json:"ownerId"`
	OtherUserID    string      `json:"otherUserId"`
	OtherName      string      `json:"otherName"`
	OtherAvatar    string      `json:"otherAvatar"`
	LastMessage    string      `json:"lastMessage"`
	LastKind       MessageKind `json:"lastMessageKind"`
	LastSenderID   string      `json:"lastSenderId"`
	LastMessageAt  time.Time   `json:"lastMessageAt"`
	Seen           bool        `json:"seen"`
}

// Group is the metadata document of a multi-party conversation. Admins is
// a non-empty subset of Members while the group has members.
type Group struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Description   string      `json:"description"`
	AvatarURL     string      `json:"avatarUrl"`
	Members       []string    `json:"members"`
	Admins        []string    `json:"admins"`
	CreatedBy     string      `json:"createdBy"`
	CreatedAt     time.Time   `json:"createdAt"`
	LastMessage   string      `json:"lastMessage"`
	LastKind      MessageKind `json:"lastMessageKind"`
	LastSenderID  string      `json:"lastSenderId"`
	LastMessageAt time.Time   `json:"lastMessageAt"`
}

func (g Group) IsMember(userID string) bool { return contains(g.Members, userID) }
func (g Group) IsAdmin(userID string) bool  { return contains(g.Admins, userID) }

// GroupReadState is a member's read pointer into a group log.
type GroupReadState struct {
	UserID     string    `json:"userId"`
	LastReadAt time.Time `json:"lastReadAt"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// NotificationKind tags the single Notification variant.
type NotificationKind string

const (
	NotifyLike          NotificationKind = "like"
	NotifyComment       NotificationKind = "comment"
	NotifyFollowRequest NotificationKind = "follow_request"
	NotifyFollowAccept  NotificationKind = "follow_accept"
)

func (k NotificationKind) Valid() bool {
	switch k {
	case NotifyLike, NotifyComment, NotifyFollowRequest, NotifyFollowAccept:
		return true
	}
	return false
}

// Notification belongs to RecipientID. For likes, SenderID is the most
// recent liker, LastActors the three most recent distinct likers and
// ActorIDs every current liker, newest first.
type Notification struct {
	ID          string           `json:"id"`
	Kind        NotificationKind `json:"kind"`
	SenderID    string           `json:"senderId"`
	RecipientID string           `json:"recipientId"`
	SubjectID   string           `json:"subjectId,omitempty"`
	CommentText string           `json:"commentText,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	Seen        bool             `json:"seen"`
	Count       int              `json:"aggregatedCount"`
	LastActors  []string         `json:"lastActors"`
	ActorIDs    []string         `json:"actorIds,omitempty"`
}

// Profile is the public user document.
type Profile struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	DisplayName    string `json:"displayName"`
	AvatarURL      string `json:"avatarUrl"`
	IsPrivate      bool   `json:"isPrivate"`
	FollowerCount  int    `json:"followerCount"`
	FollowingCount int    `json:"followingCount"`
}

// Name returns the best label for display.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Username != "" {
		return p.Username
	}
	return p.ID
}

// FollowEdge is one side of a mirrored follow relationship. Under
// users/{a}/following/{b} UserID is b; under users/{b}/followers/{a} it is a.
type FollowEdge struct {
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// FollowRequest is pending until accepted, rejected or cancelled, and is
// deleted in each of those cases.
type FollowRequest struct {
	RequesterID string    `json:"requesterId"`
	TargetID    string    `json:"targetId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Post is the subset of a feed post the engagement actions touch.
type Post struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	Caption      string    `json:"caption"`
	CreatedAt    time.Time `json:"createdAt"`
	LikeCount    int       `json:"likeCount"`
	CommentCount int       `json:"commentCount"`
}

// Like marks that UserID likes a post; its document id is the user id.
type Like struct {
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Comment is a reply under a post.
type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"postId"`
	AuthorID  string    `json:"authorId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
