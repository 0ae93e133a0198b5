// Package rooms coordinates joining and leaving chat rooms.
//
// Join and leave each mutate the room's participant set and the user's
// membership index as independent atomic steps. The participant set is
// mutated first, so an interrupted join leaves only the index behind and a
// repeated join repairs it.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
	"github.com/marha-hwang/ktb-BootcampChat/internal/history"
	"github.com/marha-hwang/ktb-BootcampChat/internal/logging"
	"github.com/marha-hwang/ktb-BootcampChat/internal/realtime"
)

var (
	errMissingRooms      = errors.New("rooms: room store required")
	errMissingMessages   = errors.New("rooms: message saver required")
	errMissingUsers      = errors.New("rooms: user resolver required")
	errMissingMembership = errors.New("rooms: membership index required")
	errMissingHub        = errors.New("rooms: subscription hub required")
	errMissingPublisher  = errors.New("rooms: publisher required")
	errMissingHistory    = errors.New("rooms: history loader required")
	errMissingIDs        = errors.New("rooms: id provider required")
)

// Users resolves user profiles.
type Users interface {
	Get(ctx context.Context, userID string) (chat.User, error)
	GetMany(ctx context.Context, userIDs []string) (map[string]chat.User, error)
}

// Membership tracks the rooms each user has joined.
type Membership interface {
	Contains(ctx context.Context, userID, roomID string) (bool, error)
	Add(ctx context.Context, userID, roomID string) (bool, error)
	Remove(ctx context.Context, userID, roomID string) error
}

// Subscriptions attaches live connections to broadcast channels on this node.
type Subscriptions interface {
	Join(channel string, conn realtime.Conn)
	Leave(channel, connID string)
}

// History loads the first page of a room for a joining user.
type History interface {
	LoadMessages(ctx context.Context, roomID string, limit int, before time.Time, requesterID string) history.Page
}

// Streams exposes the AI replies in flight.
type Streams interface {
	ActiveStreams(roomID string) []chat.StreamSnapshot
	CancelFor(roomID, userID string) int
}

// Config configures a Coordinator. Streams is optional.
type Config struct {
	Rooms      chat.RoomStore
	Messages   chat.MessageSaver
	Users      Users
	Membership Membership
	Hub        Subscriptions
	Publisher  realtime.Publisher
	History    History
	Streams    Streams
	IDs        chat.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Caller is the user and live connection a join or leave acts for.
type Caller struct {
	UserID string
	Conn   realtime.Conn
}

// JoinResult is the join-room-success payload.
type JoinResult struct {
	RoomID        string             `json:"roomId"`
	Participants  []chat.UserView    `json:"participants"`
	Messages      []chat.MessageView `json:"messages"`
	HasMore       bool               `json:"hasMore"`
	ActiveStreams []chat.StreamView  `json:"activeStreams"`
	// AlreadyMember is set when the join only reattached the connection.
	AlreadyMember bool `json:"-"`
}

// Coordinator implements idempotent join and leave.
type Coordinator struct {
	rooms      chat.RoomStore
	messages   chat.MessageSaver
	users      Users
	membership Membership
	hub        Subscriptions
	publisher  realtime.Publisher
	history    History
	streams    Streams
	ids        chat.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewCoordinator validates the configuration and constructs a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Rooms == nil:
		return nil, errMissingRooms
	case cfg.Messages == nil:
		return nil, errMissingMessages
	case cfg.Users == nil:
		return nil, errMissingUsers
	case cfg.Membership == nil:
		return nil, errMissingMembership
	case cfg.Hub == nil:
		return nil, errMissingHub
	case cfg.Publisher == nil:
		return nil, errMissingPublisher
	case cfg.History == nil:
		return nil, errMissingHistory
	case cfg.IDs == nil:
		return nil, errMissingIDs
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		rooms:      cfg.Rooms,
		messages:   cfg.Messages,
		users:      cfg.Users,
		membership: cfg.Membership,
		hub:        cfg.Hub,
		publisher:  cfg.Publisher,
		history:    cfg.History,
		streams:    cfg.Streams,
		ids:        cfg.IDs,
		clock:      clock,
		logger:     logger,
	}, nil
}

// IsParticipant reports whether userID is in the room's participant set.
func (c *Coordinator) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	room, err := c.rooms.FindRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	return room.HasParticipant(userID), nil
}

// JoinRoom adds the caller to roomID. A caller already in the room only has
// its connection reattached.
func (c *Coordinator) JoinRoom(ctx context.Context, caller Caller, roomID string) (JoinResult, error) {
	logger := logging.WithContext(c.logger, ctx).With(zap.String("room_id", roomID), zap.String("user_id", caller.UserID))
	if caller.UserID == "" || caller.Conn == nil {
		return JoinResult{}, chat.NewError(chat.KindAuthentication, chat.CodeUnauthorized, "Unauthorized", nil)
	}

	user, err := c.users.Get(ctx, caller.UserID)
	if err != nil {
		return JoinResult{}, joinError("User not found", err)
	}
	if _, err := c.rooms.FindRoom(ctx, roomID); err != nil {
		return JoinResult{}, joinError("Room not found", err)
	}

	member, err := c.membership.Contains(ctx, caller.UserID, roomID)
	if err != nil {
		return JoinResult{}, joinError("Failed to join the room", err)
	}
	if member {
		c.hub.Join(realtime.RoomChannel(roomID), caller.Conn)
		logger.Debug("connection reattached to room")
		return JoinResult{RoomID: roomID, AlreadyMember: true}, nil
	}

	if err := c.rooms.AddParticipant(ctx, roomID, caller.UserID); err != nil {
		return JoinResult{}, joinError("Failed to join the room", err)
	}
	c.hub.Join(realtime.RoomChannel(roomID), caller.Conn)
	added, err := c.membership.Add(ctx, caller.UserID, roomID)
	if err != nil {
		// The participant set already holds the user; a retried join repairs the index.
		logger.Error("membership index not updated",
			zap.String("operation", "rooms.join"),
			zap.String("reason", "membership_add"),
			zap.Error(err))
	} else if !added {
		// A concurrent join recorded the membership first and announced it.
		logger.Debug("connection attached after concurrent join")
		return JoinResult{RoomID: roomID, AlreadyMember: true}, nil
	}

	notice, noticeErr := c.systemMessage(ctx, roomID, fmt.Sprintf("%s joined the room.", user.Name))
	if noticeErr != nil {
		logger.Error("join notice not persisted",
			zap.String("operation", "rooms.join"),
			zap.String("reason", "system_message"),
			zap.Error(noticeErr))
	}

	page := c.history.LoadMessages(ctx, roomID, 0, time.Time{}, caller.UserID)

	participants, err := c.participants(ctx, roomID)
	if err != nil {
		return JoinResult{}, joinError("Room not found", err)
	}

	if noticeErr == nil {
		c.publish(ctx, roomID, realtime.EventMessage, chat.NewMessageView(notice, nil, nil))
	}
	c.publish(ctx, roomID, realtime.EventParticipantsUpdate, participants)
	logger.Info("user joined room", zap.Int("messages", len(page.Messages)), zap.Bool("has_more", page.HasMore))

	return JoinResult{
		RoomID:        roomID,
		Participants:  participants,
		Messages:      page.Messages,
		HasMore:       page.HasMore,
		ActiveStreams: c.activeStreams(roomID),
	}, nil
}

// LeaveRoom removes the caller from roomID. Leaving a room the caller is not
// a member of changes nothing and broadcasts nothing.
func (c *Coordinator) LeaveRoom(ctx context.Context, caller Caller, roomID string) error {
	logger := logging.WithContext(c.logger, ctx).With(zap.String("room_id", roomID), zap.String("user_id", caller.UserID))
	if caller.UserID == "" {
		return chat.NewError(chat.KindAuthentication, chat.CodeUnauthorized, "Unauthorized", nil)
	}

	member, err := c.membership.Contains(ctx, caller.UserID, roomID)
	if err != nil {
		return leaveError(err)
	}
	if !member {
		logger.Debug("leave ignored for non-member")
		return nil
	}

	user, err := c.users.Get(ctx, caller.UserID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			logger.Warn("leave ignored for unknown user")
			return nil
		}
		return leaveError(err)
	}
	if _, err := c.rooms.FindRoom(ctx, roomID); err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			logger.Warn("leave ignored for unknown room")
			return nil
		}
		return leaveError(err)
	}

	if err := c.rooms.RemoveParticipant(ctx, roomID, caller.UserID); err != nil {
		return leaveError(err)
	}
	if c.streams != nil {
		if cancelled := c.streams.CancelFor(roomID, caller.UserID); cancelled > 0 {
			logger.Info("cancelled ai streams on leave", zap.Int("streams", cancelled))
		}
	}
	if caller.Conn != nil {
		c.hub.Leave(realtime.RoomChannel(roomID), caller.Conn.ID())
	}
	if err := c.membership.Remove(ctx, caller.UserID, roomID); err != nil {
		logger.Error("membership index not updated",
			zap.String("operation", "rooms.leave"),
			zap.String("reason", "membership_remove"),
			zap.Error(err))
	}

	if notice, err := c.systemMessage(ctx, roomID, fmt.Sprintf("%s left the room.", user.Name)); err != nil {
		logger.Error("leave notice not persisted",
			zap.String("operation", "rooms.leave"),
			zap.String("reason", "system_message"),
			zap.Error(err))
	} else {
		c.publish(ctx, roomID, realtime.EventMessage, chat.NewMessageView(notice, nil, nil))
	}

	participants, err := c.participants(ctx, roomID)
	if err != nil {
		logger.Warn("participant list not refreshed", zap.Error(err))
	} else if len(participants) > 0 {
		c.publish(ctx, roomID, realtime.EventParticipantsUpdate, participants)
	}
	c.publish(ctx, roomID, realtime.EventUserLeft, map[string]string{
		"userId":   caller.UserID,
		"userName": user.Name,
	})
	logger.Info("user left room")
	return nil
}

func (c *Coordinator) systemMessage(ctx context.Context, roomID, content string) (chat.Message, error) {
	messageID, err := c.ids.NewID()
	if err != nil {
		return chat.Message{}, err
	}
	message := chat.Message{
		ID:        messageID,
		RoomID:    roomID,
		Content:   content,
		Type:      chat.MessageTypeSystem,
		Timestamp: c.clock(),
		Reactions: map[string][]string{},
		Metadata:  map[string]any{},
	}
	if err := c.messages.SaveMessage(ctx, message); err != nil {
		return chat.Message{}, err
	}
	return message, nil
}

// participants re-reads the room and resolves its participants in stored order.
func (c *Coordinator) participants(ctx context.Context, roomID string) ([]chat.UserView, error) {
	room, err := c.rooms.FindRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	resolved, err := c.users.GetMany(ctx, room.Participants)
	if err != nil {
		return nil, err
	}
	views := make([]chat.UserView, 0, len(room.Participants))
	for _, participantID := range room.Participants {
		if user, ok := resolved[participantID]; ok {
			views = append(views, chat.NewUserView(user))
		}
	}
	return views, nil
}

func (c *Coordinator) activeStreams(roomID string) []chat.StreamView {
	views := make([]chat.StreamView, 0)
	if c.streams == nil {
		return views
	}
	for _, snapshot := range c.streams.ActiveStreams(roomID) {
		views = append(views, chat.NewStreamView(snapshot))
	}
	return views
}

func (c *Coordinator) publish(ctx context.Context, roomID, event string, data any) {
	if err := c.publisher.Publish(ctx, realtime.RoomChannel(roomID), event, data); err != nil {
		logging.WithContext(c.logger, ctx).Warn("room event not published",
			zap.String("operation", "rooms.publish"),
			zap.String("event", event),
			zap.String("room_id", roomID),
			zap.Error(err))
	}
}

func joinError(message string, cause error) error {
	return chat.NewError(chat.KindJoinRoom, chat.CodeJoinRoom, message, cause)
}

func leaveError(cause error) error {
	return chat.NewError(chat.KindLeaveRoom, chat.CodeLeaveRoom, "Failed to leave the room", cause)
}
