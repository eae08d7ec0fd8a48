package models

import "time"

// Follow is a directed follow edge: FollowerID follows FollowingID.
// The table is owned by the CRUD services; the gateway only reads it.
type Follow struct {
	FollowerID  string    `gorm:"primaryKey;column:follower_id;type:varchar(64)" json:"follower_id"`
	FollowingID string    `gorm:"primaryKey;column:following_id;type:varchar(64);index:idx_follows_following_created,priority:1" json:"following_id"`
	CreatedAt   time.Time `gorm:"index:idx_follows_following_created,priority:2,sort:desc" json:"created_at"`
}

// TableName keeps the table name shared with the rest of the backend
func (Follow) TableName() string {
	return "follows"
}
