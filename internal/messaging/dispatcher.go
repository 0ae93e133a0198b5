package messaging

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marha-hwang/ktb-BootcampChat/internal/ai"
	"github.com/marha-hwang/ktb-BootcampChat/internal/auth"
	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
	"github.com/marha-hwang/ktb-BootcampChat/internal/logging"
	"github.com/marha-hwang/ktb-BootcampChat/internal/ratelimit"
	"github.com/marha-hwang/ktb-BootcampChat/internal/realtime"
)

const (
	defaultRateLimit  = 10000
	defaultRateWindow = time.Minute
)

var (
	errMissingSessions  = errors.New("messaging: session validator required")
	errMissingLimiter   = errors.New("messaging: rate limiter required")
	errMissingRooms     = errors.New("messaging: room store required")
	errMissingUsers     = errors.New("messaging: user resolver required")
	errMissingFilter    = errors.New("messaging: banned word filter required")
	errMissingPersist   = errors.New("messaging: persister required")
	errMissingPublisher = errors.New("messaging: publisher required")
	errMissingIDs       = errors.New("messaging: id provider required")
)

// Sessions validates application sessions and records activity.
type Sessions interface {
	Validate(ctx context.Context, userID, sessionID string) (auth.SessionValidation, error)
	TouchLastActivity(ctx context.Context, userID string) error
}

// RateLimiter checks per-user quotas.
type RateLimiter interface {
	Check(ctx context.Context, userID string, limit int, window time.Duration) (ratelimit.Result, error)
}

// Users resolves a single user profile.
type Users interface {
	Get(ctx context.Context, userID string) (chat.User, error)
}

// ContentFilter rejects banned content.
type ContentFilter interface {
	ContainsBannedWord(text string) bool
}

// Queue accepts messages for background persistence.
type Queue interface {
	Enqueue(ctx context.Context, message chat.Message) bool
}

// Streamer starts an AI reply.
type Streamer interface {
	Start(ctx context.Context, request ai.Request) (string, error)
}

// Observer counts dispatch outcomes.
type Observer interface {
	MessageDispatched(messageType string)
	RateLimited()
}

// DispatcherConfig configures a Dispatcher. Files, Streams and Observer are optional.
type DispatcherConfig struct {
	Sessions   Sessions
	Limiter    RateLimiter
	Rooms      chat.RoomStore
	Users      Users
	Files      chat.FileStore
	Filter     ContentFilter
	Persist    Queue
	Publisher  realtime.Publisher
	Streams    Streamer
	Observer   Observer
	IDs        chat.IDProvider
	RateLimit  int
	RateWindow time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Sender identifies the authenticated author of a message.
type Sender struct {
	UserID    string
	SessionID string
}

// FileRef points at a previously uploaded file.
type FileRef struct {
	ID string `json:"_id"`
}

// ChatPayload is the chat-message event body.
type ChatPayload struct {
	Room     string   `json:"room"`
	Type     string   `json:"type"`
	Content  string   `json:"content"`
	FileData *FileRef `json:"fileData,omitempty"`
}

// Status reports what Dispatch did with a valid payload.
type Status string

const (
	StatusSent    Status = "sent"
	StatusSkipped Status = "skipped"
)

// Result is the outcome of a successful Dispatch.
type Result struct {
	Status    Status
	Message   chat.MessageView
	StreamIDs []string
}

// Dispatcher validates, broadcasts and persists chat messages.
type Dispatcher struct {
	sessions   Sessions
	limiter    RateLimiter
	rooms      chat.RoomStore
	users      Users
	files      chat.FileStore
	filter     ContentFilter
	persist    Queue
	publisher  realtime.Publisher
	streams    Streamer
	observer   Observer
	ids        chat.IDProvider
	rateLimit  int
	rateWindow time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

// NewDispatcher validates the configuration and constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, errMissingSessions
	case cfg.Limiter == nil:
		return nil, errMissingLimiter
	case cfg.Rooms == nil:
		return nil, errMissingRooms
	case cfg.Users == nil:
		return nil, errMissingUsers
	case cfg.Filter == nil:
		return nil, errMissingFilter
	case cfg.Persist == nil:
		return nil, errMissingPersist
	case cfg.Publisher == nil:
		return nil, errMissingPublisher
	case cfg.IDs == nil:
		return nil, errMissingIDs
	}
	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	rateWindow := cfg.RateWindow
	if rateWindow <= 0 {
		rateWindow = defaultRateWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sessions:   cfg.Sessions,
		limiter:    cfg.Limiter,
		rooms:      cfg.Rooms,
		users:      cfg.Users,
		files:      cfg.Files,
		filter:     cfg.Filter,
		persist:    cfg.Persist,
		publisher:  cfg.Publisher,
		streams:    cfg.Streams,
		observer:   cfg.Observer,
		ids:        cfg.IDs,
		rateLimit:  rateLimit,
		rateWindow: rateWindow,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Dispatch runs the message pipeline. Each step short-circuits on failure and
// nothing is persisted or broadcast before every check has passed. A text
// message with blank content is silently skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, sender Sender, payload *ChatPayload) (Result, error) {
	logger := logging.WithContext(d.logger, ctx).With(zap.String("user_id", sender.UserID))

	if payload == nil || strings.TrimSpace(payload.Room) == "" {
		return Result{}, chat.NewError(chat.KindValidation, chat.CodeValidation, "Invalid message data", nil)
	}
	roomID := strings.TrimSpace(payload.Room)
	logger = logger.With(zap.String("room_id", roomID))

	validation, err := d.sessions.Validate(ctx, sender.UserID, sender.SessionID)
	if err != nil {
		return Result{}, chat.NewError(chat.KindAuthentication, chat.CodeSessionExpired, "Session could not be verified. Please sign in again.", err)
	}
	if !validation.Valid {
		logger.Warn("message rejected for invalid session", zap.String("reason", validation.Reason))
		return Result{}, chat.NewError(chat.KindAuthentication, chat.CodeSessionExpired, "Your session has expired. Please sign in again.", nil)
	}

	limit, err := d.limiter.Check(ctx, sender.UserID, d.rateLimit, d.rateWindow)
	if err != nil {
		// The limiter fails open so a shared-store outage does not silence chat.
		logger.Warn("rate limit check failed",
			zap.String("operation", "messaging.dispatch"),
			zap.String("reason", "rate_limit_unavailable"),
			zap.Error(err))
	} else if !limit.Allowed {
		if d.observer != nil {
			d.observer.RateLimited()
		}
		logger.Info("message rate limited", zap.Int("retry_after", limit.RetryAfterSeconds))
		return Result{}, chat.RateLimited(limit.RetryAfterSeconds)
	}

	user, err := d.users.Get(ctx, sender.UserID)
	if err != nil {
		return Result{}, chat.NewError(chat.KindNotFound, chat.CodeNotFound, "User not found", err)
	}
	room, err := d.rooms.FindRoom(ctx, roomID)
	if err != nil {
		return Result{}, chat.NewError(chat.KindNotFound, chat.CodeNotFound, "Room not found", err)
	}
	if !room.HasParticipant(sender.UserID) {
		return Result{}, chat.NewError(chat.KindAuthorization, chat.CodeUnauthorized, "You do not have access to this room", nil)
	}

	content := strings.TrimSpace(payload.Content)
	if d.filter.ContainsBannedWord(content) {
		logger.Info("message rejected by content filter")
		return Result{}, chat.NewError(chat.KindContentPolicy, chat.CodeMessageRejected, "The message contains prohibited words", nil)
	}

	messageType, ok := chat.ParseMessageType(payload.Type)
	if !ok {
		return Result{}, chat.NewError(chat.KindValidation, chat.CodeValidation, "Unsupported message type", nil)
	}

	message := chat.Message{
		RoomID:    roomID,
		SenderID:  sender.UserID,
		Content:   content,
		Type:      messageType,
		Reactions: map[string][]string{},
		Metadata:  map[string]any{},
	}
	var fileView *chat.FileView
	switch messageType {
	case chat.MessageTypeFile:
		file, err := d.resolveFile(ctx, sender.UserID, payload.FileData)
		if err != nil {
			return Result{}, err
		}
		message.FileID = file.ID
		message.Metadata[chat.MetadataFileType] = file.MimeType
		message.Metadata[chat.MetadataFileSize] = file.Size
		message.Metadata[chat.MetadataOriginalName] = file.OriginalName
		fileView = chat.NewFileView(file)
	default:
		if content == "" {
			return Result{Status: StatusSkipped}, nil
		}
	}

	messageID, err := d.ids.NewID()
	if err != nil {
		return Result{}, chat.NewError(chat.KindInternal, chat.CodeMessageError, "Failed to send the message", err)
	}
	message.ID = messageID
	message.Timestamp = d.clock()
	message.Mentions = ai.ExtractMentions(content)

	d.persist.Enqueue(ctx, message)

	senderView := chat.NewUserView(user)
	view := chat.NewMessageView(message, &senderView, fileView)
	if err := d.publisher.Publish(ctx, realtime.RoomChannel(roomID), realtime.EventMessage, view); err != nil {
		logger.Error("message broadcast failed",
			zap.String("operation", "messaging.dispatch"),
			zap.String("reason", "broadcast_failed"),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
	if d.observer != nil {
		d.observer.MessageDispatched(string(messageType))
	}

	streamIDs := d.startStreams(ctx, logger, sender.UserID, roomID, content, message.Mentions)

	if err := d.sessions.TouchLastActivity(ctx, sender.UserID); err != nil {
		logger.Warn("last activity not recorded", zap.Error(err))
	}
	logger.Debug("message dispatched", zap.String("message_id", message.ID), zap.String("type", string(messageType)))
	return Result{Status: StatusSent, Message: view, StreamIDs: streamIDs}, nil
}

func (d *Dispatcher) resolveFile(ctx context.Context, userID string, ref *FileRef) (chat.File, error) {
	if ref == nil || strings.TrimSpace(ref.ID) == "" {
		return chat.File{}, chat.NewError(chat.KindValidation, chat.CodeValidation, "File data is required", nil)
	}
	if d.files == nil {
		return chat.File{}, chat.NewError(chat.KindNotFound, chat.CodeNotFound, "File not found", nil)
	}
	file, err := d.files.FindFile(ctx, strings.TrimSpace(ref.ID))
	if err != nil {
		return chat.File{}, chat.NewError(chat.KindNotFound, chat.CodeNotFound, "File not found", err)
	}
	if file.UserID != userID {
		return chat.File{}, chat.NewError(chat.KindAuthorization, chat.CodeUnauthorized, "You do not have access to this file", nil)
	}
	return file, nil
}

func (d *Dispatcher) startStreams(ctx context.Context, logger *zap.Logger, userID, roomID, content string, mentions []string) []string {
	if d.streams == nil || len(mentions) == 0 {
		return nil
	}
	streamIDs := make([]string, 0, len(mentions))
	for _, persona := range mentions {
		streamID, err := d.streams.Start(ctx, ai.Request{
			RoomID:  roomID,
			UserID:  userID,
			Persona: persona,
			Query:   ai.StripMention(content, persona),
		})
		if err != nil {
			logger.Error("ai stream not started",
				zap.String("operation", "messaging.dispatch"),
				zap.String("reason", "stream_start"),
				zap.String("ai_type", persona),
				zap.Error(err))
			continue
		}
		streamIDs = append(streamIDs, streamID)
	}
	return streamIDs
}
