package messaging

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
	"github.com/marha-hwang/ktb-BootcampChat/internal/logging"
	"github.com/marha-hwang/ktb-BootcampChat/internal/realtime"
)

const maxReactionLength = 32

var errMissingMessages = errors.New("messaging: message store required")

// ReactionPayload is the message-reaction event body.
type ReactionPayload struct {
	MessageID string `json:"messageId"`
	Type      string `json:"type"`
	Reaction  string `json:"reaction"`
}

// ReadPayload is the mark-messages-as-read event body.
type ReadPayload struct {
	RoomID     string   `json:"roomId,omitempty"`
	MessageIDs []string `json:"messageIds"`
}

// InteractionsConfig configures Interactions.
type InteractionsConfig struct {
	Messages  chat.MessageStore
	Rooms     chat.RoomStore
	Publisher realtime.Publisher
	Logger    *zap.Logger
}

// Interactions applies reactions and read receipts from room participants.
type Interactions struct {
	messages  chat.MessageStore
	rooms     chat.RoomStore
	publisher realtime.Publisher
	logger    *zap.Logger
}

// NewInteractions validates the configuration and constructs Interactions.
func NewInteractions(cfg InteractionsConfig) (*Interactions, error) {
	switch {
	case cfg.Messages == nil:
		return nil, errMissingMessages
	case cfg.Rooms == nil:
		return nil, errMissingRooms
	case cfg.Publisher == nil:
		return nil, errMissingPublisher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interactions{messages: cfg.Messages, rooms: cfg.Rooms, publisher: cfg.Publisher, logger: logger}, nil
}

// React adds or removes userID's reaction and broadcasts the updated reactions.
func (i *Interactions) React(ctx context.Context, userID string, payload ReactionPayload) error {
	reaction := strings.TrimSpace(payload.Reaction)
	if payload.MessageID == "" || !validReaction(reaction) {
		return chat.NewError(chat.KindValidation, chat.CodeReaction, "Invalid reaction", nil)
	}
	if payload.Type != "add" && payload.Type != "remove" {
		return chat.NewError(chat.KindValidation, chat.CodeReaction, "Unsupported reaction type", nil)
	}

	message, err := i.messages.FindMessage(ctx, payload.MessageID)
	if err != nil {
		return chat.NewError(chat.KindNotFound, chat.CodeReaction, "Message not found", err)
	}
	if err := i.requireParticipant(ctx, message.RoomID, userID, chat.CodeReaction); err != nil {
		return err
	}

	var reactions map[string][]string
	if payload.Type == "add" {
		reactions, err = i.messages.AddReaction(ctx, message.ID, reaction, userID)
	} else {
		reactions, err = i.messages.RemoveReaction(ctx, message.ID, reaction, userID)
	}
	if err != nil {
		return chat.NewError(chat.KindPersistence, chat.CodeReaction, "Failed to update the reaction", err)
	}
	if reactions == nil {
		reactions = map[string][]string{}
	}

	i.publish(ctx, message.RoomID, realtime.EventReactionUpdate, map[string]any{
		"messageId": message.ID,
		"reactions": reactions,
	})
	return nil
}

// MarkRead records userID as a reader of messageIDs. The room is taken from
// the first message; every id is expected to belong to it.
func (i *Interactions) MarkRead(ctx context.Context, userID string, payload ReadPayload) error {
	messageIDs := compact(payload.MessageIDs)
	if len(messageIDs) == 0 {
		return nil
	}
	first, err := i.messages.FindMessage(ctx, messageIDs[0])
	if err != nil {
		return chat.NewError(chat.KindNotFound, chat.CodeReadStatus, "Message not found", err)
	}
	roomID := first.RoomID
	if err := i.requireParticipant(ctx, roomID, userID, chat.CodeReadStatus); err != nil {
		return err
	}
	if err := i.messages.MarkRead(ctx, messageIDs, userID); err != nil {
		return chat.NewError(chat.KindPersistence, chat.CodeReadStatus, "Failed to update the read status", err)
	}

	i.publish(ctx, roomID, realtime.EventMessagesRead, map[string]any{
		"userId":     userID,
		"messageIds": messageIDs,
	})
	return nil
}

func (i *Interactions) requireParticipant(ctx context.Context, roomID, userID, code string) error {
	room, err := i.rooms.FindRoom(ctx, roomID)
	if err != nil {
		return chat.NewError(chat.KindNotFound, code, "Room not found", err)
	}
	if !room.HasParticipant(userID) {
		return chat.NewError(chat.KindAuthorization, code, "You do not have access to this room", nil)
	}
	return nil
}

func (i *Interactions) publish(ctx context.Context, roomID, event string, data any) {
	if err := i.publisher.Publish(ctx, realtime.RoomChannel(roomID), event, data); err != nil {
		logging.WithContext(i.logger, ctx).Warn("interaction event not published",
			zap.String("event", event),
			zap.String("room_id", roomID),
			zap.Error(err))
	}
}

// validReaction rejects values unusable as document field names.
func validReaction(reaction string) bool {
	if reaction == "" || utf8.RuneCountInString(reaction) > maxReactionLength {
		return false
	}
	return !strings.ContainsAny(reaction, ".\x00") && !strings.HasPrefix(reaction, "$")
}

func compact(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	return result
}
