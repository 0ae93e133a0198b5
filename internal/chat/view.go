package chat

import "time"

// UserView is the public projection of a user.
type UserView struct {
	ID           string `json:"_id"`
	Name         string `json:"name"`
	Email        string `json:"email,omitempty"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// NewUserView projects a user record.
func NewUserView(user User) UserView {
	return UserView{
		ID:           user.ID,
		Name:         user.Name,
		Email:        user.Email,
		ProfileImage: user.ProfileImage,
	}
}

// FileView is the public projection of an attachment.
type FileView struct {
	ID           string `json:"_id"`
	Filename     string `json:"filename"`
	OriginalName string `json:"originalname"`
	MimeType     string `json:"mimetype"`
	Size         int64  `json:"size"`
}

// NewFileView projects a file record.
func NewFileView(file File) *FileView {
	return &FileView{
		ID:           file.ID,
		Filename:     file.Filename,
		OriginalName: file.OriginalName,
		MimeType:     file.MimeType,
		Size:         file.Size,
	}
}

// MessageView is the shape broadcast to clients. Sender is nil for system and AI messages.
type MessageView struct {
	ID        string              `json:"_id"`
	RoomID    string              `json:"room"`
	Content   string              `json:"content"`
	Sender    *UserView           `json:"sender"`
	Type      MessageType         `json:"type"`
	File      *FileView           `json:"file,omitempty"`
	AIType    string              `json:"aiType,omitempty"`
	Mentions  []string            `json:"mentions,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
	Reactions map[string][]string `json:"reactions"`
	Readers   []string            `json:"readers,omitempty"`
	Metadata  map[string]any      `json:"metadata,omitempty"`
}

// NewMessageView projects a message with its resolved sender and file.
func NewMessageView(message Message, sender *UserView, file *FileView) MessageView {
	reactions := message.Reactions
	if reactions == nil {
		reactions = map[string][]string{}
	}
	return MessageView{
		ID:        message.ID,
		RoomID:    message.RoomID,
		Content:   message.Content,
		Sender:    sender,
		Type:      message.Type,
		File:      file,
		AIType:    message.AIType,
		Mentions:  message.Mentions,
		Timestamp: message.Timestamp,
		Reactions: reactions,
		Readers:   message.Readers,
		Metadata:  message.Metadata,
	}
}

// StreamView describes an AI reply still being generated, for late joiners.
type StreamView struct {
	ID          string    `json:"_id"`
	Type        string    `json:"type"`
	AIType      string    `json:"aiType"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	IsStreaming bool      `json:"isStreaming"`
}

// NewStreamView projects an in-flight stream.
func NewStreamView(snapshot StreamSnapshot) StreamView {
	return StreamView{
		ID:          snapshot.MessageID,
		Type:        string(MessageTypeAI),
		AIType:      snapshot.AIType,
		Content:     snapshot.Content,
		Timestamp:   snapshot.StartedAt,
		IsStreaming: true,
	}
}
