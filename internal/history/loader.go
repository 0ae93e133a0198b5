// Package history pages through a room's stored messages for display.
package history

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
	"github.com/marha-hwang/ktb-BootcampChat/internal/logging"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
)

var (
	errMissingMessages = errors.New("history: message store required")
	errMissingUsers    = errors.New("history: user resolver required")
)

// UserResolver resolves many users at once, cache first.
type UserResolver interface {
	GetMany(ctx context.Context, userIDs []string) (map[string]chat.User, error)
}

// Config configures a Loader.
type Config struct {
	Messages chat.MessageStore
	Users    UserResolver
	Files    chat.FileStore
	PageSize int
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Page is one screen of history in ascending timestamp order.
type Page struct {
	Messages        []chat.MessageView `json:"messages"`
	HasMore         bool               `json:"hasMore"`
	OldestTimestamp *time.Time         `json:"oldestTimestamp"`
}

// Loader implements cursor pagination over a room's history.
type Loader struct {
	messages chat.MessageStore
	users    UserResolver
	files    chat.FileStore
	pageSize int
	clock    func() time.Time
	logger   *zap.Logger
}

// NewLoader validates the configuration and constructs a Loader.
func NewLoader(cfg Config) (*Loader, error) {
	if cfg.Messages == nil {
		return nil, errMissingMessages
	}
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		messages: cfg.Messages,
		users:    cfg.Users,
		files:    cfg.Files,
		pageSize: pageSize,
		clock:    clock,
		logger:   logger,
	}, nil
}

// PageSize reports the default page size.
func (l *Loader) PageSize() int {
	return l.pageSize
}

// LoadMessages returns messages of roomID strictly older than before, oldest
// first. A zero before means now. Every returned message is marked as read by
// requesterID. Internal failures yield an empty page.
func (l *Loader) LoadMessages(ctx context.Context, roomID string, limit int, before time.Time, requesterID string) Page {
	logger := logging.WithContext(l.logger, ctx)
	if limit <= 0 {
		limit = l.pageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if before.IsZero() {
		before = l.clock()
	}

	found, err := l.messages.FindPage(ctx, roomID, before, limit)
	if err != nil {
		logger.Error("history page query failed",
			zap.String("operation", "history.load"),
			zap.String("reason", "find_page"),
			zap.String("room_id", roomID),
			zap.Error(err))
		return Page{Messages: []chat.MessageView{}}
	}

	ordered := make([]chat.Message, len(found.Messages))
	for index, message := range found.Messages {
		ordered[len(found.Messages)-1-index] = message
	}

	senders, err := l.users.GetMany(ctx, senderIDs(ordered))
	if err != nil {
		logger.Error("history sender lookup failed",
			zap.String("operation", "history.load"),
			zap.String("reason", "resolve_senders"),
			zap.String("room_id", roomID),
			zap.Error(err))
		return Page{Messages: []chat.MessageView{}}
	}

	views := make([]chat.MessageView, 0, len(ordered))
	messageIDs := make([]string, 0, len(ordered))
	for _, message := range ordered {
		var sender *chat.UserView
		if user, ok := senders[message.SenderID]; ok && message.SenderID != "" {
			view := chat.NewUserView(user)
			sender = &view
		}
		views = append(views, chat.NewMessageView(message, sender, l.fileView(ctx, message.FileID)))
		messageIDs = append(messageIDs, message.ID)
	}

	if requesterID != "" && len(messageIDs) > 0 {
		if err := l.messages.MarkRead(ctx, messageIDs, requesterID); err != nil {
			logger.Warn("history read receipts not recorded",
				zap.String("operation", "history.load"),
				zap.String("reason", "mark_read"),
				zap.String("room_id", roomID),
				zap.Error(err))
		}
	}

	page := Page{Messages: views, HasMore: found.HasMore}
	if len(ordered) > 0 {
		oldest := ordered[0].Timestamp
		page.OldestTimestamp = &oldest
	}
	return page
}

func (l *Loader) fileView(ctx context.Context, fileID string) *chat.FileView {
	if fileID == "" || l.files == nil {
		return nil
	}
	file, err := l.files.FindFile(ctx, fileID)
	if err != nil {
		return nil
	}
	return chat.NewFileView(file)
}

func senderIDs(messages []chat.Message) []string {
	seen := make(map[string]struct{}, len(messages))
	ids := make([]string, 0, len(messages))
	for _, message := range messages {
		if message.SenderID == "" {
			continue
		}
		if _, ok := seen[message.SenderID]; ok {
			continue
		}
		seen[message.SenderID] = struct{}{}
		ids = append(ids, message.SenderID)
	}
	return ids
}
