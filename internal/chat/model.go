package chat

import (
	"strings"
	"time"
)

// MessageType enumerates the kinds of messages stored in a room.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
	MessageTypeAI     MessageType = "ai"
)

// ParseMessageType validates a client-declared message type. An empty value means text.
func ParseMessageType(value string) (MessageType, bool) {
	switch MessageType(strings.TrimSpace(value)) {
	case MessageTypeText, "":
		return MessageTypeText, true
	case MessageTypeFile:
		return MessageTypeFile, true
	default:
		return "", false
	}
}

// Metadata keys attached to file messages and AI replies.
const (
	MetadataFileType       = "fileType"
	MetadataFileSize       = "fileSize"
	MetadataOriginalName   = "originalName"
	MetadataQuery          = "query"
	MetadataGenerationTime = "generationTime"
)

// Message is a single chat entry. SenderID is empty for system and AI messages.
type Message struct {
	ID        string
	RoomID    string
	SenderID  string
	Content   string
	Type      MessageType
	Timestamp time.Time
	Mentions  []string
	Reactions map[string][]string
	Readers   []string
	Metadata  map[string]any
	FileID    string
	AIType    string
	IsDeleted bool
}

// Room is a chat room with its participant set.
type Room struct {
	ID           string
	Name         string
	CreatorID    string
	Participants []string
	PasswordHash string
	CreatedAt    time.Time
}

// HasParticipant reports whether userID is in the room's participant set.
func (r Room) HasParticipant(userID string) bool {
	for _, participant := range r.Participants {
		if participant == userID {
			return true
		}
	}
	return false
}

// User is the identity shown next to messages and in participant lists.
type User struct {
	ID           string
	Name         string
	Email        string
	ProfileImage string
}

// File describes a previously uploaded attachment.
type File struct {
	ID           string
	UserID       string
	Filename     string
	OriginalName string
	MimeType     string
	Size         int64
	UploadedAt   time.Time
}

// StreamSnapshot describes an AI reply that is still being generated.
type StreamSnapshot struct {
	MessageID string
	RoomID    string
	UserID    string
	AIType    string
	Content   string
	StartedAt time.Time
}
