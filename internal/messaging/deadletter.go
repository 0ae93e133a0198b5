package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
	"github.com/marha-hwang/ktb-BootcampChat/internal/logging"
)

const defaultDeadLetterSubject = "chat.deadletter.messages"

// SubjectPublisher publishes raw payloads; *nats.Conn satisfies it.
type SubjectPublisher interface {
	Publish(subject string, data []byte) error
}

// DeadLetterPublisher forwards messages that could not be persisted to a
// subject for later replay.
type DeadLetterPublisher struct {
	conn    SubjectPublisher
	subject string
	clock   func() time.Time
	logger  *zap.Logger
}

type deadLetter struct {
	Reason   string         `json:"reason"`
	FailedAt time.Time      `json:"failedAt"`
	TraceID  string         `json:"traceId,omitempty"`
	Message  deadLetterBody `json:"message"`
}

type deadLetterBody struct {
	ID        string         `json:"_id"`
	RoomID    string         `json:"room"`
	SenderID  string         `json:"sender,omitempty"`
	Content   string         `json:"content"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Mentions  []string       `json:"mentions,omitempty"`
	FileID    string         `json:"file,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewDeadLetterPublisher constructs a DeadLetterPublisher.
func NewDeadLetterPublisher(conn SubjectPublisher, subject string, logger *zap.Logger) (*DeadLetterPublisher, error) {
	if conn == nil {
		return nil, errors.New("messaging: dead letter connection required")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = defaultDeadLetterSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterPublisher{conn: conn, subject: subject, clock: time.Now, logger: logger}, nil
}

func (d *DeadLetterPublisher) PersistFailed(ctx context.Context, message chat.Message, cause error) {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	payload, err := json.Marshal(deadLetter{
		Reason:   reason,
		FailedAt: d.clock(),
		TraceID:  logging.TraceID(ctx),
		Message: deadLetterBody{
			ID:        message.ID,
			RoomID:    message.RoomID,
			SenderID:  message.SenderID,
			Content:   message.Content,
			Type:      string(message.Type),
			Timestamp: message.Timestamp,
			Mentions:  message.Mentions,
			FileID:    message.FileID,
			Metadata:  message.Metadata,
		},
	})
	if err == nil {
		err = d.conn.Publish(d.subject, payload)
	}
	if err != nil {
		logging.WithContext(d.logger, ctx).Error("dead letter not published",
			zap.String("operation", "messaging.dead_letter"),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
}
