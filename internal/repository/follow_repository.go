package repository

import (
	"context"
	"errors"

	"github.com/zfogg/sidechain/realtime/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidInput = errors.New("invalid input")

// FollowRepository reads the follow graph for post and story fan-out
type FollowRepository interface {
	// FollowerIDs returns the IDs of users following userID, newest first
	FollowerIDs(ctx context.Context, userID string) ([]string, error)
	GetFollowerCount(ctx context.Context, userID string) (int64, error)

	CreateFollow(ctx context.Context, followerID, followingID string) error
	DeleteFollow(ctx context.Context, followerID, followingID string) error
}

type followRepository struct {
	db    *gorm.DB
	limit int
}

// NewFollowRepository creates a follow repository. limit caps how many
// followers one lookup returns; zero or less means no cap.
func NewFollowRepository(db *gorm.DB, limit int) FollowRepository {
	return &followRepository{db: db, limit: limit}
}

func (r *followRepository) FollowerIDs(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}

	ids := []string{}
	query := r.db.WithContext(ctx).
		Model(&models.Follow{}).
		Where("following_id = ?", userID).
		Order("created_at DESC")
	if r.limit > 0 {
		query = query.Limit(r.limit)
	}

	err := query.Pluck("follower_id", &ids).Error
	return ids, err
}

// GetFollowerCount gets follower count for a user
func (r *followRepository) GetFollowerCount(ctx context.Context, userID string) (int64, error) {
	var count int64

	err := r.db.WithContext(ctx).
		Model(&models.Follow{}).
		Where("following_id = ?", userID).
		Count(&count).Error

	return count, err
}

// CreateFollow creates a follow relationship; repeating it is a no-op
func (r *followRepository) CreateFollow(ctx context.Context, followerID, followingID string) error {
	if followerID == "" || followingID == "" || followerID == followingID {
		return ErrInvalidInput
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Follow{FollowerID: followerID, FollowingID: followingID}).Error
}

// DeleteFollow deletes a follow relationship
func (r *followRepository) DeleteFollow(ctx context.Context, followerID, followingID string) error {
	return r.db.WithContext(ctx).
		Where("follower_id = ? AND following_id = ?", followerID, followingID).
		Delete(&models.Follow{}).Error
}
