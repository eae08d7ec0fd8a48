package websocket

import (
	"context"
	"fmt"
	"strings"

	"github.com/zfogg/sidechain/realtime/internal/logger"
	"go.uber.org/zap"
)

// FanoutPolicy decides who hears about new posts and stories.
type FanoutPolicy string

const (
	// FanoutBroadcast announces to every online user.
	FanoutBroadcast FanoutPolicy = "broadcast"
	// FanoutFollowers announces only to the author's online followers.
	FanoutFollowers FanoutPolicy = "followers"
)

// ParseFanoutPolicy accepts "broadcast" or "followers", case-insensitively.
func ParseFanoutPolicy(s string) (FanoutPolicy, error) {
	switch p := FanoutPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case FanoutBroadcast, FanoutFollowers:
		return p, nil
	case "":
		return FanoutBroadcast, nil
	default:
		return "", fmt.Errorf("unknown fanout policy %q", s)
	}
}

// FollowerSource resolves the followers of a user.
type FollowerSource interface {
	FollowerIDs(ctx context.Context, userID string) ([]string, error)
}

// FollowerSourceFunc adapts a function to FollowerSource.
type FollowerSourceFunc func(ctx context.Context, userID string) ([]string, error)

func (f FollowerSourceFunc) FollowerIDs(ctx context.Context, userID string) ([]string, error) {
	return f(ctx, userID)
}

// Notifier is what the CRUD handlers call after committing a change.
// Delivery is at-most-once to currently connected users only.
type Notifier interface {
	Broadcast(ctx context.Context, e Event) int
	SendToUser(ctx context.Context, userID string, e Event) bool
	IsUserOnline(userID string) bool
	GetOnlineUsers() []string

	NotifyNewPost(ctx context.Context, post PostCreated) int
	NotifyPostLiked(ctx context.Context, ownerID string, like PostLiked) bool
	NotifyPostUnliked(ctx context.Context, ownerID string, unlike PostUnliked) bool
	NotifyNewComment(ctx context.Context, postOwnerID string, comment CommentCreated) bool
	NotifyFriendRequest(ctx context.Context, req FriendRequestReceived) bool
	NotifyFriendAccepted(ctx context.Context, req FriendRequestAccepted) bool
	NotifyDirectMessage(ctx context.Context, msg MessageCreated) bool
	NotifyNewStory(ctx context.Context, story StoryCreated) int
	NotifyNotificationCount(ctx context.Context, userID string, unread, unseen int) bool
}

var _ Notifier = (*Hub)(nil)

// NotifyNewPost announces a post according to the configured fanout policy
func (h *Hub) NotifyNewPost(ctx context.Context, post PostCreated) int {
	return h.fanout(ctx, post.AuthorID, post)
}

// NotifyNewStory announces a story according to the configured fanout policy
func (h *Hub) NotifyNewStory(ctx context.Context, story StoryCreated) int {
	return h.fanout(ctx, story.AuthorID, story)
}

// NotifyPostLiked tells the post owner about a like. Self-likes are not
// announced.
func (h *Hub) NotifyPostLiked(ctx context.Context, ownerID string, like PostLiked) bool {
	if ownerID == "" || ownerID == like.User.ID {
		return false
	}
	return h.SendToUser(ctx, ownerID, like)
}

// NotifyPostUnliked tells the post owner a like was withdrawn
func (h *Hub) NotifyPostUnliked(ctx context.Context, ownerID string, unlike PostUnliked) bool {
	if ownerID == "" || ownerID == unlike.User.ID {
		return false
	}
	return h.SendToUser(ctx, ownerID, unlike)
}

// NotifyNewComment tells the post owner about a comment on their post
func (h *Hub) NotifyNewComment(ctx context.Context, postOwnerID string, comment CommentCreated) bool {
	if postOwnerID == "" || postOwnerID == comment.Author.ID {
		return false
	}
	return h.SendToUser(ctx, postOwnerID, comment)
}

// NotifyFriendRequest goes to the user being asked
func (h *Hub) NotifyFriendRequest(ctx context.Context, req FriendRequestReceived) bool {
	return h.SendToUser(ctx, req.To.ID, req)
}

// NotifyFriendAccepted goes back to the user who sent the request
func (h *Hub) NotifyFriendAccepted(ctx context.Context, req FriendRequestAccepted) bool {
	return h.SendToUser(ctx, req.From.ID, req)
}

// NotifyDirectMessage goes to the message recipient
func (h *Hub) NotifyDirectMessage(ctx context.Context, msg MessageCreated) bool {
	return h.SendToUser(ctx, msg.RecipientID, msg)
}

// NotifyNotificationCount sends updated notification counts
func (h *Hub) NotifyNotificationCount(ctx context.Context, userID string, unread, unseen int) bool {
	return h.SendToUser(ctx, userID, NotificationCount{Unread: unread, Unseen: unseen})
}

// fanout routes an author's event under the post fanout policy. With the
// followers policy a failed lookup delivers nothing.
func (h *Hub) fanout(ctx context.Context, authorID string, e Event) int {
	if h.postFanout != FanoutFollowers {
		return h.Broadcast(ctx, e)
	}

	if h.followers == nil {
		h.stats.FanoutLookupFails.Add(1)
		logger.Log.Warn("Followers fanout configured without a follower source",
			logger.WithKind(string(e.Kind())))
		return 0
	}

	followerIDs, err := h.followers.FollowerIDs(ctx, authorID)
	if err != nil {
		h.stats.FanoutLookupFails.Add(1)
		h.metrics.RecordError("follower_lookup", "hub")
		logger.Log.Warn("Follower lookup failed, event not delivered",
			logger.WithUserID(authorID),
			logger.WithKind(string(e.Kind())),
			zap.Error(err))
		return 0
	}

	return h.sendToUsers(ctx, followerIDs, e)
}
