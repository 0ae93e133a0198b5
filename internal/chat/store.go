package chat

import (
	"context"
	"time"
)

// RoomStore persists rooms. Participant mutations are single atomic set operations.
type RoomStore interface {
	FindRoom(ctx context.Context, roomID string) (Room, error)
	AddParticipant(ctx context.Context, roomID, userID string) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error
}

// MessagePage is a page of messages in descending timestamp order.
type MessagePage struct {
	Messages []Message
	HasMore  bool
}

// MessageStore persists messages. Reactions and readers are mutated with set operations only.
type MessageStore interface {
	SaveMessage(ctx context.Context, message Message) error
	FindMessage(ctx context.Context, messageID string) (Message, error)
	FindMessageByFileID(ctx context.Context, fileID string) (Message, error)
	// FindPage returns not-deleted messages of roomID older than before, newest first.
	FindPage(ctx context.Context, roomID string, before time.Time, limit int) (MessagePage, error)
	AddReaction(ctx context.Context, messageID, reaction, userID string) (map[string][]string, error)
	RemoveReaction(ctx context.Context, messageID, reaction, userID string) (map[string][]string, error)
	MarkRead(ctx context.Context, messageIDs []string, userID string) error
}

// MessageSaver is the write side of MessageStore.
type MessageSaver interface {
	SaveMessage(ctx context.Context, message Message) error
}

// UserStore loads user records.
type UserStore interface {
	FindUser(ctx context.Context, userID string) (User, error)
	FindUsers(ctx context.Context, userIDs []string) ([]User, error)
}

// FileStore loads uploaded file metadata.
type FileStore interface {
	FindFile(ctx context.Context, fileID string) (File, error)
}
