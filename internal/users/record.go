package users

import (
	"strings"
	"time"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
)

// Record is the persisted user profile.
type Record struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Name         string    `gorm:"column:user_name;size:320;not null"`
	Email        string    `gorm:"column:user_email;size:320;uniqueIndex"`
	ProfileImage string    `gorm:"column:profile_image;size:512"`
	LastActiveAt time.Time `gorm:"column:last_active_at"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Record) TableName() string {
	return "chat_users"
}

func (r Record) toUser() chat.User {
	return chat.User{
		ID:           r.UserID,
		Name:         r.Name,
		Email:        r.Email,
		ProfileImage: r.ProfileImage,
	}
}

// normalize value helper used across directory implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
