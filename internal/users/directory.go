package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
)

// ErrInvalidUser indicates the profile did not contain a usable identifier or name.
var ErrInvalidUser = errors.New("users: invalid user")

// DirectoryConfig describes the dependencies required for user lookups.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Directory loads and stores user profiles.
type Directory struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDirectory constructs the user directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Directory{db: cfg.Database, now: clock}, nil
}

// FindUser returns the profile for userID or chat.ErrNotFound.
func (d *Directory) FindUser(ctx context.Context, userID string) (chat.User, error) {
	var record Record
	err := d.db.WithContext(ctx).Where("user_id = ?", normalize(userID)).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.User{}, fmt.Errorf("users: %s: %w", userID, chat.ErrNotFound)
	}
	if err != nil {
		return chat.User{}, err
	}
	return record.toUser(), nil
}

// FindUsers returns the profiles that exist among userIDs in a single query.
func (d *Directory) FindUsers(ctx context.Context, userIDs []string) ([]chat.User, error) {
	if len(userIDs) == 0 {
		return []chat.User{}, nil
	}
	var records []Record
	if err := d.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&records).Error; err != nil {
		return nil, err
	}
	result := make([]chat.User, 0, len(records))
	for _, record := range records {
		result = append(result, record.toUser())
	}
	return result, nil
}

// Upsert creates or updates the profile for user.ID.
func (d *Directory) Upsert(ctx context.Context, user chat.User) error {
	record := Record{
		UserID:       normalize(user.ID),
		Name:         normalize(user.Name),
		Email:        normalize(user.Email),
		ProfileImage: normalize(user.ProfileImage),
		LastActiveAt: d.now().UTC(),
	}
	if record.UserID == "" || record.Name == "" {
		return ErrInvalidUser
	}
	if record.Email == "" {
		record.Email = record.UserID
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_name", "user_email", "profile_image", "last_active_at"}),
	}).Create(&record).Error
}
