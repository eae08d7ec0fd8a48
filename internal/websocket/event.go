package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies an outbound event on the wire.
type Kind string

const (
	// Presence
	KindUserOnline     Kind = "user:online"
	KindUserOffline    Kind = "user:offline"
	KindOnlineSnapshot Kind = "users:online"

	// Feed and social activity
	KindPostNew           Kind = "post:new"
	KindPostLiked         Kind = "post:liked"
	KindPostUnliked       Kind = "post:unliked"
	KindCommentNew        Kind = "comment:new"
	KindFriendRequest     Kind = "friend:request"
	KindFriendAccepted    Kind = "friend:accepted"
	KindMessageNew        Kind = "message:new"
	KindStoryNew          Kind = "story:new"
	KindNotificationCount Kind = "notification:count"

	// Connection control
	KindServerShutdown Kind = "server:shutdown"
	KindPong           Kind = "pong"
)

// AllKinds lists every kind the gateway can emit.
var AllKinds = []Kind{
	KindUserOnline, KindUserOffline, KindOnlineSnapshot,
	KindPostNew, KindPostLiked, KindPostUnliked, KindCommentNew,
	KindFriendRequest, KindFriendAccepted, KindMessageNew,
	KindStoryNew, KindNotificationCount,
	KindServerShutdown, KindPong,
}

var (
	ErrNilEvent     = errors.New("nil event")
	ErrUnknownKind  = errors.New("unknown event kind")
	ErrInvalidEvent = errors.New("invalid event")

	// ErrReservedKind marks a kind only the gateway itself emits. It wraps
	// ErrUnknownKind: to a producer such a kind does not exist.
	ErrReservedKind = fmt.Errorf("%w: reserved for the gateway", ErrUnknownKind)
)

// Publishable reports whether producers may publish events of kind k.
// Presence, snapshots and connection control come from the gateway only.
func Publishable(k Kind) bool {
	switch k {
	case KindUserOnline, KindUserOffline, KindOnlineSnapshot, KindServerShutdown, KindPong:
		return false
	}
	return true
}

// CheckPublishable rejects events producers may not publish.
func CheckPublishable(e Event) error {
	if e != nil && !Publishable(e.Kind()) {
		return fmt.Errorf("%w: %q", ErrReservedKind, e.Kind())
	}
	return nil
}

// DecodePublished decodes a producer-submitted frame. It is DecodeEvent
// plus CheckPublishable.
func DecodePublished(frame []byte) (Event, error) {
	e, err := DecodeEvent(frame)
	if err != nil {
		return nil, err
	}
	if err := CheckPublishable(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Event is the closed set of payloads the gateway delivers. Only types in
// this package implement it.
type Event interface {
	Kind() Kind
	sealed()
}

// UserSummary is the public slice of a user profile carried inside events.
type UserSummary struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type UserOnline struct {
	UserID string `json:"userId"`
}

type UserOffline struct {
	UserID string `json:"userId"`
}

// OnlineSnapshot is sent once, to a newly registered connection only.
type OnlineSnapshot struct {
	UserIDs []string `json:"userIds"`
}

type PostCreated struct {
	PostID    string      `json:"postId"`
	AuthorID  string      `json:"authorId"`
	Author    UserSummary `json:"author"`
	Content   string      `json:"content,omitempty"`
	MediaURLs []string    `json:"mediaUrls,omitempty"`
	GroupID   string      `json:"groupId,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

type PostLiked struct {
	PostID    string      `json:"postId"`
	User      UserSummary `json:"user"`
	LikeCount int         `json:"likeCount,omitempty"`
}

type PostUnliked struct {
	PostID    string      `json:"postId"`
	User      UserSummary `json:"user"`
	LikeCount int         `json:"likeCount,omitempty"`
}

type CommentCreated struct {
	PostID    string      `json:"postId"`
	CommentID string      `json:"commentId"`
	ParentID  string      `json:"parentId,omitempty"`
	Author    UserSummary `json:"author"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"createdAt"`
}

// FriendRequestFields is shared by the request and accepted events.
type FriendRequestFields struct {
	RequestID string      `json:"requestId"`
	From      UserSummary `json:"from"`
	To        UserSummary `json:"to"`
	Status    string      `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
}

type FriendRequestReceived struct {
	FriendRequestFields
}

type FriendRequestAccepted struct {
	FriendRequestFields
}

type DirectMessage struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	MediaURL  string    `json:"mediaUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type MessageCreated struct {
	ConversationID string        `json:"conversationId"`
	Message        DirectMessage `json:"message"`
	RecipientID    string        `json:"recipientId"`
}

type StoryCreated struct {
	StoryID   string      `json:"storyId"`
	AuthorID  string      `json:"authorId"`
	Author    UserSummary `json:"author"`
	MediaURL  string      `json:"mediaUrl,omitempty"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

type NotificationCount struct {
	Unread int `json:"unread"`
	Unseen int `json:"unseen"`
}

type ServerShutdown struct {
	Reason string `json:"reason"`
}

type Pong struct {
	ClientTime int64 `json:"clientTime,omitempty"`
	ServerTime int64 `json:"serverTime"`
}

func (UserOnline) Kind() Kind            { return KindUserOnline }
func (UserOffline) Kind() Kind           { return KindUserOffline }
func (OnlineSnapshot) Kind() Kind        { return KindOnlineSnapshot }
func (PostCreated) Kind() Kind           { return KindPostNew }
func (PostLiked) Kind() Kind             { return KindPostLiked }
func (PostUnliked) Kind() Kind           { return KindPostUnliked }
func (CommentCreated) Kind() Kind        { return KindCommentNew }
func (FriendRequestReceived) Kind() Kind { return KindFriendRequest }
func (FriendRequestAccepted) Kind() Kind { return KindFriendAccepted }
func (MessageCreated) Kind() Kind        { return KindMessageNew }
func (StoryCreated) Kind() Kind          { return KindStoryNew }
func (NotificationCount) Kind() Kind     { return KindNotificationCount }
func (ServerShutdown) Kind() Kind        { return KindServerShutdown }
func (Pong) Kind() Kind                  { return KindPong }

func (UserOnline) sealed()            {}
func (UserOffline) sealed()           {}
func (OnlineSnapshot) sealed()        {}
func (PostCreated) sealed()           {}
func (PostLiked) sealed()             {}
func (PostUnliked) sealed()           {}
func (CommentCreated) sealed()        {}
func (FriendRequestReceived) sealed() {}
func (FriendRequestAccepted) sealed() {}
func (MessageCreated) sealed()        {}
func (StoryCreated) sealed()          {}
func (NotificationCount) sealed()     {}
func (ServerShutdown) sealed()        {}
func (Pong) sealed()                  {}

// EncodeEvent renders e as a flat frame: {"kind":..., "ts":..., ...body}.
func EncodeEvent(e Event) ([]byte, error) {
	if e == nil {
		return nil, ErrNilEvent
	}

	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Kind(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: body is not an object", e.Kind())
	}

	kind, err := json.Marshal(string(e.Kind()))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Kind(), err)
	}

	frame := make([]byte, 0, len(body)+48)
	frame = append(frame, `{"kind":`...)
	frame = append(frame, kind...)
	frame = append(frame, `,"ts":`...)
	frame = fmt.Appendf(frame, "%d", time.Now().UnixMilli())
	if len(body) == 2 {
		return append(frame, '}'), nil
	}
	frame = append(frame, ',')
	return append(frame, body[1:]...), nil
}

// DecodeEvent parses a frame produced by EncodeEvent (or by a publisher
// speaking the same format) back into its typed event.
func DecodeEvent(frame []byte) (Event, error) {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	switch head.Kind {
	case KindUserOnline:
		return decodeAs[UserOnline](frame)
	case KindUserOffline:
		return decodeAs[UserOffline](frame)
	case KindOnlineSnapshot:
		return decodeAs[OnlineSnapshot](frame)
	case KindPostNew:
		return decodeAs[PostCreated](frame)
	case KindPostLiked:
		return decodeAs[PostLiked](frame)
	case KindPostUnliked:
		return decodeAs[PostUnliked](frame)
	case KindCommentNew:
		return decodeAs[CommentCreated](frame)
	case KindFriendRequest:
		return decodeAs[FriendRequestReceived](frame)
	case KindFriendAccepted:
		return decodeAs[FriendRequestAccepted](frame)
	case KindMessageNew:
		return decodeAs[MessageCreated](frame)
	case KindStoryNew:
		return decodeAs[StoryCreated](frame)
	case KindNotificationCount:
		return decodeAs[NotificationCount](frame)
	case KindServerShutdown:
		return decodeAs[ServerShutdown](frame)
	case KindPong:
		return decodeAs[Pong](frame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, head.Kind)
	}
}

func decodeAs[T Event](frame []byte) (Event, error) {
	var e T
	if err := json.Unmarshal(frame, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return e, nil
}

// ValidateEvent checks the identifiers each kind needs to be routed.
func ValidateEvent(e Event) error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidEvent, e.Kind(), field)
	}

	switch ev := e.(type) {
	case nil:
		return ErrNilEvent
	case UserOnline:
		if ev.UserID == "" {
			return missing("userId")
		}
	case UserOffline:
		if ev.UserID == "" {
			return missing("userId")
		}
	case PostCreated:
		if ev.PostID == "" {
			return missing("postId")
		}
		if ev.AuthorID == "" {
			return missing("authorId")
		}
	case PostLiked:
		if ev.PostID == "" {
			return missing("postId")
		}
	case PostUnliked:
		if ev.PostID == "" {
			return missing("postId")
		}
	case CommentCreated:
		if ev.PostID == "" {
			return missing("postId")
		}
	case FriendRequestReceived:
		if ev.To.ID == "" {
			return missing("to.id")
		}
	case FriendRequestAccepted:
		if ev.From.ID == "" {
			return missing("from.id")
		}
	case MessageCreated:
		if ev.ConversationID == "" {
			return missing("conversationId")
		}
		if ev.RecipientID == "" {
			return missing("recipientId")
		}
	case StoryCreated:
		if ev.StoryID == "" {
			return missing("storyId")
		}
		if ev.AuthorID == "" {
			return missing("authorId")
		}
	case OnlineSnapshot, NotificationCount, ServerShutdown, Pong:
	}
	return nil
}
