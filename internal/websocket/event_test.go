package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvents() []Event {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	author := UserSummary{ID: "u1", Username: "producer", DisplayName: "Prod"}
	request := FriendRequestFields{
		RequestID: "fr1",
		From:      author,
		To:        UserSummary{ID: "u2"},
		Status:    "pending",
		CreatedAt: now,
	}

	return []Event{
		UserOnline{UserID: "u1"},
		UserOffline{UserID: "u1"},
		OnlineSnapshot{UserIDs: []string{"u1", "u2"}},
		PostCreated{PostID: "p1", AuthorID: "u1", Author: author, Content: "new loop", CreatedAt: now},
		PostLiked{PostID: "p1", User: author, LikeCount: 3},
		PostUnliked{PostID: "p1", User: author, LikeCount: 2},
		CommentCreated{PostID: "p1", CommentID: "c1", Author: author, Content: "nice", CreatedAt: now},
		FriendRequestReceived{request},
		FriendRequestAccepted{request},
		MessageCreated{
			ConversationID: "conv1",
			RecipientID:    "u2",
			Message:        DirectMessage{ID: "m1", SenderID: "u1", Content: "hi", CreatedAt: now},
		},
		StoryCreated{StoryID: "s1", AuthorID: "u1", Author: author, ExpiresAt: now.Add(24 * time.Hour)},
		NotificationCount{Unread: 4, Unseen: 2},
		ServerShutdown{Reason: "deploy"},
		Pong{ClientTime: 1, ServerTime: 2},
	}
}

func TestEveryKindRoundTrips(t *testing.T) {
	seen := map[Kind]bool{}
	for _, e := range sampleEvents() {
		frame, err := EncodeEvent(e)
		require.NoError(t, err, e.Kind())

		decoded, err := DecodeEvent(frame)
		require.NoError(t, err, e.Kind())
		assert.Equal(t, e, decoded)
		seen[e.Kind()] = true
	}

	for _, k := range AllKinds {
		assert.True(t, seen[k], "no sample for %s", k)
	}
}

func TestEncodeEventIsFlat(t *testing.T) {
	before := time.Now().UnixMilli()
	frame, err := EncodeEvent(UserOnline{UserID: "u2"})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(frame, &fields))

	assert.Equal(t, "user:online", fields["kind"])
	assert.Equal(t, "u2", fields["userId"])
	assert.GreaterOrEqual(t, int64(fields["ts"].(float64)), before)
	assert.Len(t, fields, 3)
}

func TestEncodeEventEmptyBody(t *testing.T) {
	frame, err := EncodeEvent(NotificationCount{})
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"unread":0`)

	_, err = EncodeEvent(nil)
	assert.ErrorIs(t, err, ErrNilEvent)
}

func TestDecodeEventErrors(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"kind":"post:deleted","postId":"p1"}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = DecodeEvent([]byte(`{"postId":"p1"}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = DecodeEvent([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = DecodeEvent([]byte(`{"kind":"user:online","userId":7}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestDecodePublishedRejectsGatewayKinds(t *testing.T) {
	for _, k := range AllKinds {
		assert.Equal(t, k != KindUserOnline && k != KindUserOffline && k != KindOnlineSnapshot &&
			k != KindServerShutdown && k != KindPong, Publishable(k), k)
	}

	_, err := DecodePublished([]byte(`{"kind":"users:online","userIds":["a"]}`))
	assert.ErrorIs(t, err, ErrReservedKind)
	assert.ErrorIs(t, err, ErrUnknownKind)

	e, err := DecodePublished([]byte(`{"kind":"post:liked","postId":"p1","user":{"id":"u1"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindPostLiked, e.Kind())

	assert.NoError(t, CheckPublishable(nil))
}

func TestValidateEvent(t *testing.T) {
	for _, e := range sampleEvents() {
		assert.NoError(t, ValidateEvent(e), e.Kind())
	}

	invalid := []Event{
		UserOnline{},
		PostCreated{PostID: "p1"},
		PostLiked{},
		CommentCreated{},
		FriendRequestReceived{},
		FriendRequestAccepted{},
		MessageCreated{ConversationID: "c1"},
		StoryCreated{StoryID: "s1"},
	}
	for _, e := range invalid {
		assert.ErrorIs(t, ValidateEvent(e), ErrInvalidEvent, e.Kind())
	}
	assert.ErrorIs(t, ValidateEvent(nil), ErrNilEvent)
}
