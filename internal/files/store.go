package files

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
)

// ErrInvalidFile indicates file metadata without an id or owner.
var ErrInvalidFile = errors.New("files: invalid file")

// Record is the persisted metadata of an uploaded file.
type Record struct {
	FileID       string    `gorm:"column:file_id;primaryKey;size:190;not null"`
	UserID       string    `gorm:"column:user_id;size:190;not null;index"`
	Filename     string    `gorm:"column:filename;size:512;not null"`
	OriginalName string    `gorm:"column:original_name;size:512"`
	MimeType     string    `gorm:"column:mime_type;size:190"`
	Size         int64     `gorm:"column:size_bytes"`
	UploadedAt   time.Time `gorm:"column:uploaded_at"`
}

// TableName exposes the table backing file metadata.
func (Record) TableName() string {
	return "chat_files"
}

// Store reads and writes file metadata.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a file metadata store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("files: database connection required")
	}
	return &Store{db: db}, nil
}

// FindFile returns the metadata for fileID or chat.ErrNotFound.
func (s *Store) FindFile(ctx context.Context, fileID string) (chat.File, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("file_id = ?", fileID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.File{}, fmt.Errorf("files: %s: %w", fileID, chat.ErrNotFound)
	}
	if err != nil {
		return chat.File{}, err
	}
	return chat.File{
		ID:           record.FileID,
		UserID:       record.UserID,
		Filename:     record.Filename,
		OriginalName: record.OriginalName,
		MimeType:     record.MimeType,
		Size:         record.Size,
		UploadedAt:   record.UploadedAt,
	}, nil
}

// Save records metadata for an uploaded file.
func (s *Store) Save(ctx context.Context, file chat.File) error {
	if file.ID == "" || file.UserID == "" {
		return ErrInvalidFile
	}
	uploadedAt := file.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Save(&Record{
		FileID:       file.ID,
		UserID:       file.UserID,
		Filename:     file.Filename,
		OriginalName: file.OriginalName,
		MimeType:     file.MimeType,
		Size:         file.Size,
		UploadedAt:   uploadedAt,
	}).Error
}
