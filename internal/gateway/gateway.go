// Package gateway authenticates websocket connections and routes their events
// to the chat components.
package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marha-hwang/ktb-BootcampChat/internal/auth"
	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
	"github.com/marha-hwang/ktb-BootcampChat/internal/logging"
	"github.com/marha-hwang/ktb-BootcampChat/internal/presence"
	"github.com/marha-hwang/ktb-BootcampChat/internal/realtime"
	"github.com/marha-hwang/ktb-BootcampChat/internal/rooms"
)

const (
	defaultDuplicateLoginGrace = 10 * time.Second

	duplicateLoginNotice  = "new_login_attempt"
	sessionEndedReason    = "duplicate_login"
	sessionEndedMessage   = "Your session was ended because you signed in from another device."
	missingCredentials    = "Authentication credentials are required"
	invalidCredentials    = "Invalid or expired token"
	invalidSessionMessage = "Your session has expired. Please sign in again."
	unknownUserMessage    = "User not found"
)

var (
	errMissingTokens     = errors.New("gateway: token validator required")
	errMissingSessions   = errors.New("gateway: session store required")
	errMissingUsers      = errors.New("gateway: user lookup required")
	errMissingRegistry   = errors.New("gateway: connection registry required")
	errMissingMembership = errors.New("gateway: membership index required")
	errMissingRooms      = errors.New("gateway: room coordinator required")
	errMissingHub        = errors.New("gateway: hub required")
	errMissingPublisher  = errors.New("gateway: publisher required")
)

// TokenValidator extracts the user id from a bearer token.
type TokenValidator interface {
	ExtractUserID(token string) (string, error)
}

// Sessions validates application sessions.
type Sessions interface {
	Validate(ctx context.Context, userID, sessionID string) (auth.SessionValidation, error)
}

// Users resolves a user record.
type Users interface {
	Get(ctx context.Context, userID string) (chat.User, error)
}

// Registry holds the connection descriptor of each user.
type Registry interface {
	Get(ctx context.Context, userID string) (presence.ConnectionDescriptor, bool, error)
	Set(ctx context.Context, descriptor presence.ConnectionDescriptor) error
	RemoveIfMatch(ctx context.Context, userID, socketID string) (bool, error)
}

// Membership lists the rooms a user belongs to.
type Membership interface {
	Rooms(ctx context.Context, userID string) ([]string, error)
}

// Rooms joins and leaves rooms on behalf of a connection.
type Rooms interface {
	JoinRoom(ctx context.Context, caller rooms.Caller, roomID string) (rooms.JoinResult, error)
	LeaveRoom(ctx context.Context, caller rooms.Caller, roomID string) error
}

// Subscriptions manages this node's channel subscriptions.
type Subscriptions interface {
	Join(channel string, conn realtime.Conn)
	LeaveAll(connID string)
}

// Observer is notified about connection lifecycle events.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	DuplicateLogin()
}

// Config configures a Gateway. IDs, Observer and the grace period are optional.
type Config struct {
	Tokens              TokenValidator
	Sessions            Sessions
	Users               Users
	Registry            Registry
	Membership          Membership
	Rooms               Rooms
	Hub                 Subscriptions
	Publisher           realtime.Publisher
	IDs                 chat.IDProvider
	Observer            Observer
	DuplicateLoginGrace time.Duration
	Clock               func() time.Time
	Logger              *zap.Logger
}

// Handshake carries the credentials presented when a socket connects.
type Handshake struct {
	Token      string
	SessionID  string
	DeviceInfo string
	IPAddress  string
}

type graceTimer struct {
	timer *time.Timer
}

// Gateway owns the connect and disconnect lifecycle of every socket.
type Gateway struct {
	tokens     TokenValidator
	sessions   Sessions
	users      Users
	registry   Registry
	membership Membership
	rooms      Rooms
	hub        Subscriptions
	publisher  realtime.Publisher
	ids        chat.IDProvider
	observer   Observer
	grace      time.Duration
	clock      func() time.Time
	logger     *zap.Logger

	mu     sync.Mutex
	timers map[string]*graceTimer
}

// New validates the configuration and constructs a Gateway.
func New(cfg Config) (*Gateway, error) {
	switch {
	case cfg.Tokens == nil:
		return nil, errMissingTokens
	case cfg.Sessions == nil:
		return nil, errMissingSessions
	case cfg.Users == nil:
		return nil, errMissingUsers
	case cfg.Registry == nil:
		return nil, errMissingRegistry
	case cfg.Membership == nil:
		return nil, errMissingMembership
	case cfg.Rooms == nil:
		return nil, errMissingRooms
	case cfg.Hub == nil:
		return nil, errMissingHub
	case cfg.Publisher == nil:
		return nil, errMissingPublisher
	}
	ids := cfg.IDs
	if ids == nil {
		ids = chat.NewUUIDProvider()
	}
	grace := cfg.DuplicateLoginGrace
	if grace <= 0 {
		grace = defaultDuplicateLoginGrace
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		tokens:     cfg.Tokens,
		sessions:   cfg.Sessions,
		users:      cfg.Users,
		registry:   cfg.Registry,
		membership: cfg.Membership,
		rooms:      cfg.Rooms,
		hub:        cfg.Hub,
		publisher:  cfg.Publisher,
		ids:        ids,
		observer:   cfg.Observer,
		grace:      grace,
		clock:      clock,
		logger:     logger,
		timers:     make(map[string]*graceTimer),
	}, nil
}

// Authenticate verifies the handshake and returns the descriptor of the new
// connection with a fresh socket id.
func (g *Gateway) Authenticate(ctx context.Context, handshake Handshake) (presence.ConnectionDescriptor, error) {
	logger := logging.WithContext(g.logger, ctx)
	token := strings.TrimSpace(handshake.Token)
	sessionID := strings.TrimSpace(handshake.SessionID)
	if token == "" || sessionID == "" {
		return presence.ConnectionDescriptor{}, chat.NewError(chat.KindAuthentication, chat.CodeUnauthorized, missingCredentials, nil)
	}

	userID, err := g.tokens.ExtractUserID(token)
	if err != nil {
		logger.Info("handshake token rejected",
			zap.String("operation", "gateway.authenticate"),
			zap.String("reason", "invalid_token"),
			zap.Error(err))
		return presence.ConnectionDescriptor{}, chat.NewError(chat.KindAuthentication, chat.CodeUnauthorized, invalidCredentials, err)
	}

	validation, err := g.sessions.Validate(ctx, userID, sessionID)
	if err != nil {
		logger.Error("session validation failed",
			zap.String("operation", "gateway.authenticate"),
			zap.String("reason", "session_store_error"),
			zap.String("user_id", userID),
			zap.Error(err))
		return presence.ConnectionDescriptor{}, chat.NewError(chat.KindAuthentication, chat.CodeSessionExpired, invalidSessionMessage, err)
	}
	if !validation.Valid {
		logger.Info("handshake session rejected",
			zap.String("operation", "gateway.authenticate"),
			zap.String("reason", validation.Reason),
			zap.String("user_id", userID))
		return presence.ConnectionDescriptor{}, chat.NewError(chat.KindAuthentication, chat.CodeSessionExpired, invalidSessionMessage, nil)
	}

	user, err := g.users.Get(ctx, userID)
	if err != nil {
		return presence.ConnectionDescriptor{}, chat.NewError(chat.KindAuthentication, chat.CodeUnauthorized, unknownUserMessage, err)
	}

	socketID, err := g.ids.NewID()
	if err != nil {
		return presence.ConnectionDescriptor{}, chat.NewError(chat.KindInternal, chat.CodeMessageError, "Failed to open the connection", err)
	}
	return presence.ConnectionDescriptor{
		UserID:        user.ID,
		DisplayName:   user.Name,
		AuthSessionID: sessionID,
		SocketID:      socketID,
	}, nil
}

// OnConnect registers conn as the user's current connection. A previous
// connection of the same user is told about the new login and, after the
// grace period, that its session ended. Room subscriptions are restored from
// the membership index.
func (g *Gateway) OnConnect(ctx context.Context, descriptor presence.ConnectionDescriptor, conn realtime.Conn, handshake Handshake) error {
	logger := logging.WithContext(g.logger, ctx).With(zap.String("user_id", descriptor.UserID), zap.String("socket_id", descriptor.SocketID))

	existing, found, err := g.registry.Get(ctx, descriptor.UserID)
	if err != nil {
		logger.Warn("connection registry lookup failed", zap.String("operation", "gateway.connect"), zap.Error(err))
	}
	if found && existing.SocketID != descriptor.SocketID {
		g.noticeDuplicateLogin(ctx, logger, descriptor, handshake)
	}

	if err := g.registry.Set(ctx, descriptor); err != nil {
		logger.Error("connection not registered",
			zap.String("operation", "gateway.connect"),
			zap.String("reason", "registry_write_failed"),
			zap.Error(err))
		return chat.NewError(chat.KindInternal, chat.CodeMessageError, "Failed to register the connection", err)
	}

	g.hub.Join(realtime.UserChannel(descriptor.UserID), conn)
	g.hub.Join(realtime.RoomListChannel, conn)
	if g.observer != nil {
		g.observer.ConnectionOpened()
	}

	roomIDs, err := g.membership.Rooms(ctx, descriptor.UserID)
	if err != nil {
		logger.Warn("room memberships not restored", zap.String("operation", "gateway.connect"), zap.Error(err))
		return nil
	}
	caller := rooms.Caller{UserID: descriptor.UserID, Conn: conn}
	for _, roomID := range roomIDs {
		if _, err := g.rooms.JoinRoom(ctx, caller, roomID); err != nil {
			logger.Warn("room membership not restored",
				zap.String("operation", "gateway.connect"),
				zap.String("room_id", roomID),
				zap.Error(err))
		}
	}
	logger.Info("connection established", zap.Int("rooms", len(roomIDs)))
	return nil
}

// OnDisconnect releases conn. Unlike an unconditional leave, rooms are left
// only while conn is still the user's registered connection: a superseded
// socket closing after a reconnect keeps the successor's room memberships.
func (g *Gateway) OnDisconnect(ctx context.Context, descriptor presence.ConnectionDescriptor, conn realtime.Conn) {
	logger := logging.WithContext(g.logger, ctx).With(zap.String("user_id", descriptor.UserID), zap.String("socket_id", descriptor.SocketID))

	current, found, err := g.registry.Get(ctx, descriptor.UserID)
	if err != nil {
		logger.Warn("connection registry lookup failed", zap.String("operation", "gateway.disconnect"), zap.Error(err))
	}
	if found && current.SocketID == descriptor.SocketID {
		roomIDs, err := g.membership.Rooms(ctx, descriptor.UserID)
		if err != nil {
			logger.Warn("room memberships not released", zap.String("operation", "gateway.disconnect"), zap.Error(err))
		}
		caller := rooms.Caller{UserID: descriptor.UserID, Conn: conn}
		for _, roomID := range roomIDs {
			if err := g.rooms.LeaveRoom(ctx, caller, roomID); err != nil {
				logger.Warn("room not left on disconnect",
					zap.String("operation", "gateway.disconnect"),
					zap.String("room_id", roomID),
					zap.Error(err))
			}
		}
	}

	g.hub.LeaveAll(conn.ID())
	if _, err := g.registry.RemoveIfMatch(ctx, descriptor.UserID, descriptor.SocketID); err != nil {
		logger.Warn("connection not unregistered", zap.String("operation", "gateway.disconnect"), zap.Error(err))
	}
	if g.observer != nil {
		g.observer.ConnectionClosed()
	}
	logger.Info("connection closed")
}

// Shutdown cancels every pending session-ended notice.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for userID, pending := range g.timers {
		pending.timer.Stop()
		delete(g.timers, userID)
	}
}

func (g *Gateway) noticeDuplicateLogin(ctx context.Context, logger *zap.Logger, descriptor presence.ConnectionDescriptor, handshake Handshake) {
	if g.observer != nil {
		g.observer.DuplicateLogin()
	}
	notice := map[string]any{
		"type":       duplicateLoginNotice,
		"deviceInfo": handshake.DeviceInfo,
		"ipAddress":  handshake.IPAddress,
		"timestamp":  g.clock().UnixMilli(),
	}
	if err := g.publisher.Publish(ctx, realtime.UserChannel(descriptor.UserID), realtime.EventDuplicateLogin, notice); err != nil {
		logger.Warn("duplicate login notice not published", zap.String("operation", "gateway.connect"), zap.Error(err))
	}
	g.scheduleSessionEnded(logging.TraceID(ctx), descriptor)
}

// scheduleSessionEnded replaces any pending notice for the user, so only the
// latest connection survives a burst of reconnects.
func (g *Gateway) scheduleSessionEnded(traceID string, descriptor presence.ConnectionDescriptor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if pending, ok := g.timers[descriptor.UserID]; ok {
		pending.timer.Stop()
	}
	entry := &graceTimer{}
	entry.timer = time.AfterFunc(g.grace, func() {
		g.mu.Lock()
		if g.timers[descriptor.UserID] != entry {
			g.mu.Unlock()
			return
		}
		delete(g.timers, descriptor.UserID)
		g.mu.Unlock()

		ctx := logging.ContextWithTraceID(context.Background(), traceID)
		logger := logging.WithContext(g.logger, ctx).With(zap.String("user_id", descriptor.UserID))
		// Another node may have registered a newer connection since this timer
		// was armed; the registry entry is the one that survives.
		current, found, err := g.registry.Get(ctx, descriptor.UserID)
		if err != nil {
			logger.Warn("session ended notice skipped",
				zap.String("operation", "gateway.session_ended"),
				zap.String("reason", "registry_unavailable"),
				zap.Error(err))
			return
		}
		if !found {
			logger.Debug("session ended notice skipped", zap.String("reason", "no_registered_connection"))
			return
		}
		err = g.publisher.PublishExcept(ctx, realtime.UserChannel(descriptor.UserID), current.SocketID, realtime.EventSessionEnded, map[string]any{
			"reason":  sessionEndedReason,
			"message": sessionEndedMessage,
		})
		if err != nil {
			logger.Warn("session ended notice not published",
				zap.String("operation", "gateway.session_ended"),
				zap.Error(err))
		}
	})
	g.timers[descriptor.UserID] = entry
}

func (g *Gateway) pendingSessionEnds() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}
