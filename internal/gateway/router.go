package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
	"github.com/marha-hwang/ktb-BootcampChat/internal/history"
	"github.com/marha-hwang/ktb-BootcampChat/internal/logging"
	"github.com/marha-hwang/ktb-BootcampChat/internal/messaging"
	"github.com/marha-hwang/ktb-BootcampChat/internal/presence"
	"github.com/marha-hwang/ktb-BootcampChat/internal/realtime"
	"github.com/marha-hwang/ktb-BootcampChat/internal/rooms"
)

var (
	errMissingDispatcher   = errors.New("gateway: dispatcher required")
	errMissingInteractions = errors.New("gateway: interactions required")
	errMissingHistory      = errors.New("gateway: history loader required")
)

// Dispatcher handles chat-message events.
type Dispatcher interface {
	Dispatch(ctx context.Context, sender messaging.Sender, payload *messaging.ChatPayload) (messaging.Result, error)
}

// Interactions handles reactions and read receipts.
type Interactions interface {
	React(ctx context.Context, userID string, payload messaging.ReactionPayload) error
	MarkRead(ctx context.Context, userID string, payload messaging.ReadPayload) error
}

// RoomAccess joins, leaves and checks room participation.
type RoomAccess interface {
	Rooms
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)
}

// History loads pages of earlier messages.
type History interface {
	LoadMessages(ctx context.Context, roomID string, limit int, before time.Time, requesterID string) history.Page
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Dispatcher   Dispatcher
	Interactions Interactions
	Rooms        RoomAccess
	History      History
	IDs          chat.IDProvider
	Logger       *zap.Logger
}

// Session is an authenticated connection events are routed for.
type Session struct {
	Descriptor presence.ConnectionDescriptor
	Conn       realtime.Conn
}

// Router decodes inbound frames and invokes the matching component. Errors
// are reported to the originating connection only.
type Router struct {
	dispatcher   Dispatcher
	interactions Interactions
	rooms        RoomAccess
	history      History
	ids          chat.IDProvider
	logger       *zap.Logger
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type fetchPreviousPayload struct {
	RoomID string `json:"roomId"`
	Limit  int    `json:"limit"`
	Before cursor `json:"before"`
}

// cursor accepts epoch milliseconds or an RFC 3339 timestamp.
type cursor struct {
	time.Time
}

func (c *cursor) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return err
		}
		c.Time = parsed
		return nil
	}
	var millis float64
	if err := json.Unmarshal(data, &millis); err != nil {
		return err
	}
	c.Time = time.UnixMilli(int64(millis)).UTC()
	return nil
}

// NewRouter validates the configuration and constructs a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	switch {
	case cfg.Dispatcher == nil:
		return nil, errMissingDispatcher
	case cfg.Interactions == nil:
		return nil, errMissingInteractions
	case cfg.Rooms == nil:
		return nil, errMissingRooms
	case cfg.History == nil:
		return nil, errMissingHistory
	}
	ids := cfg.IDs
	if ids == nil {
		ids = chat.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		dispatcher:   cfg.Dispatcher,
		interactions: cfg.Interactions,
		rooms:        cfg.Rooms,
		history:      cfg.History,
		ids:          ids,
		logger:       logger,
	}, nil
}

// Handle processes one raw inbound frame under a fresh trace id.
func (r *Router) Handle(ctx context.Context, session Session, raw []byte) {
	if traceID, err := r.ids.NewID(); err == nil {
		ctx = logging.ContextWithTraceID(ctx, traceID)
	}
	logger := logging.WithContext(r.logger, ctx).With(
		zap.String("user_id", session.Descriptor.UserID),
		zap.String("socket_id", session.Descriptor.SocketID),
	)

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		r.sendError(session, chat.NewError(chat.KindValidation, chat.CodeValidation, "Malformed event", err))
		return
	}
	logger = logger.With(zap.String("event", frame.Event))
	logger.Debug("event received")

	switch frame.Event {
	case realtime.EventChatMessage:
		r.handleChatMessage(ctx, logger, session, frame.Data)
	case realtime.EventFetchPrevious:
		r.handleFetchPrevious(ctx, logger, session, frame.Data)
	case realtime.EventMessageReaction:
		var payload messaging.ReactionPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			r.sendError(session, chat.NewError(chat.KindValidation, chat.CodeReaction, "Invalid reaction", err))
			return
		}
		r.report(logger, session, r.interactions.React(ctx, session.Descriptor.UserID, payload))
	case realtime.EventMarkAsRead:
		var payload messaging.ReadPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			r.sendError(session, chat.NewError(chat.KindValidation, chat.CodeReadStatus, "Invalid read receipt", err))
			return
		}
		r.report(logger, session, r.interactions.MarkRead(ctx, session.Descriptor.UserID, payload))
	case realtime.EventJoinRoom:
		r.handleJoinRoom(ctx, logger, session, frame.Data)
	case realtime.EventLeaveRoom:
		roomID, err := decodeRoomID(frame.Data)
		if err != nil {
			r.sendError(session, chat.NewError(chat.KindValidation, chat.CodeLeaveRoom, "Room id is required", err))
			return
		}
		r.report(logger, session, r.rooms.LeaveRoom(ctx, r.caller(session), roomID))
	default:
		r.sendError(session, chat.NewError(chat.KindValidation, chat.CodeValidation, "Unsupported event", nil))
	}
}

func (r *Router) handleChatMessage(ctx context.Context, logger *zap.Logger, session Session, data json.RawMessage) {
	var payload messaging.ChatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		r.sendError(session, chat.NewError(chat.KindValidation, chat.CodeValidation, "Malformed message", err))
		return
	}
	sender := messaging.Sender{UserID: session.Descriptor.UserID, SessionID: session.Descriptor.AuthSessionID}
	result, err := r.dispatcher.Dispatch(ctx, sender, &payload)
	if err != nil {
		r.report(logger, session, err)
		return
	}
	logger.Debug("message dispatched", zap.String("status", string(result.Status)), zap.String("message_id", result.Message.ID))
}

func (r *Router) handleFetchPrevious(ctx context.Context, logger *zap.Logger, session Session, data json.RawMessage) {
	var payload fetchPreviousPayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.RoomID) == "" {
		r.sendError(session, chat.NewError(chat.KindValidation, chat.CodeLoad, "Room id is required", err))
		return
	}
	userID := session.Descriptor.UserID
	member, err := r.rooms.IsParticipant(ctx, payload.RoomID, userID)
	if err != nil {
		r.report(logger, session, chat.NewError(chat.KindNotFound, chat.CodeLoad, "Failed to load messages", err))
		return
	}
	if !member {
		r.sendError(session, chat.NewError(chat.KindAuthorization, chat.CodeLoad, "You do not have access to this room", nil))
		return
	}

	session.Conn.Send(realtime.Frame{Event: realtime.EventMessageLoadStart, Data: map[string]any{}})
	page := r.history.LoadMessages(ctx, payload.RoomID, payload.Limit, payload.Before.Time, userID)
	session.Conn.Send(realtime.Frame{Event: realtime.EventPreviousLoaded, Data: page})
}

func (r *Router) handleJoinRoom(ctx context.Context, logger *zap.Logger, session Session, data json.RawMessage) {
	roomID, err := decodeRoomID(data)
	if err != nil {
		session.Conn.Send(realtime.Frame{Event: realtime.EventJoinRoomError, Data: map[string]string{"message": "Room id is required"}})
		return
	}
	result, err := r.rooms.JoinRoom(ctx, r.caller(session), roomID)
	if err != nil {
		classified := chat.AsError(err)
		logger.Info("join room rejected",
			zap.String("operation", "gateway.join_room"),
			zap.String("room_id", roomID),
			zap.String("reason", classified.Code),
			zap.Error(err))
		session.Conn.Send(realtime.Frame{Event: realtime.EventJoinRoomError, Data: map[string]string{"message": classified.Message}})
		return
	}
	if result.AlreadyMember {
		session.Conn.Send(realtime.Frame{Event: realtime.EventJoinRoomSuccess, Data: map[string]string{"roomId": result.RoomID}})
		return
	}
	session.Conn.Send(realtime.Frame{Event: realtime.EventJoinRoomSuccess, Data: result})
}

func (r *Router) caller(session Session) rooms.Caller {
	return rooms.Caller{UserID: session.Descriptor.UserID, Conn: session.Conn}
}

func (r *Router) report(logger *zap.Logger, session Session, err error) {
	if err == nil {
		return
	}
	classified := chat.AsError(err)
	switch classified.Kind {
	case chat.KindInternal, chat.KindPersistence:
		logger.Error("event failed",
			zap.String("operation", "gateway.route"),
			zap.String("reason", classified.Code),
			zap.Error(err))
	default:
		logger.Info("event rejected",
			zap.String("operation", "gateway.route"),
			zap.String("reason", classified.Code),
			zap.Error(err))
	}
	r.sendError(session, classified)
}

func (r *Router) sendError(session Session, classified *chat.Error) {
	session.Conn.Send(realtime.Frame{Event: realtime.EventError, Data: errorPayload(classified)})
}

func errorPayload(classified *chat.Error) map[string]any {
	payload := map[string]any{
		"code":    classified.Code,
		"message": classified.Message,
	}
	if classified.RetryAfterSeconds > 0 {
		payload["retryAfter"] = classified.RetryAfterSeconds
	}
	return payload
}

// decodeRoomID accepts a bare room id string or an object carrying roomId.
func decodeRoomID(data json.RawMessage) (string, error) {
	var roomID string
	if err := json.Unmarshal(data, &roomID); err != nil {
		var wrapped struct {
			RoomID string `json:"roomId"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return "", err
		}
		roomID = wrapped.RoomID
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", errors.New("gateway: empty room id")
	}
	return roomID, nil
}
