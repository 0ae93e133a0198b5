package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
	"github.com/marha-hwang/ktb-BootcampChat/internal/logging"
	"github.com/marha-hwang/ktb-BootcampChat/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var (
	errMissingGateway = errors.New("gateway: gateway required")
	errMissingRouter  = errors.New("gateway: router required")
)

// wsConn adapts a websocket to realtime.Conn. Frames are written by a single
// pump goroutine; Send never blocks.
type wsConn struct {
	id     string
	socket *websocket.Conn
	send   chan realtime.Frame
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newWSConn(id string, socket *websocket.Conn, logger *zap.Logger) *wsConn {
	return &wsConn{
		id:     id,
		socket: socket,
		send:   make(chan realtime.Frame, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) Send(frame realtime.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn("outbound frame dropped", zap.String("event", frame.Event), zap.String("reason", "send_buffer_full"))
		return false
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.socket.Close()
	})
}

// readPump delivers inbound messages to handle in arrival order until the
// socket fails or is closed.
func (c *wsConn) readPump(handle func([]byte)) {
	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Info("websocket read failed", zap.Error(err))
			}
			return
		}
		handle(message)
	}
}

// writePump serializes outbound frames and keeps the connection alive with
// pings. The socket is closed after a session-ended frame.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(frame); err != nil {
				c.logger.Info("websocket write failed", zap.String("event", frame.Event), zap.Error(err))
				return
			}
			if frame.Event == realtime.EventSessionEnded {
				_ = c.socket.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session ended"),
					time.Now().Add(writeWait))
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandlerConfig configures the websocket endpoint.
type HandlerConfig struct {
	Gateway        *Gateway
	Router         *Router
	AllowedOrigins []string
	IDs            chat.IDProvider
	Logger         *zap.Logger
}

// Handler upgrades authenticated requests to websockets and runs their pumps.
type Handler struct {
	gateway  *Gateway
	router   *Router
	upgrader websocket.Upgrader
	ids      chat.IDProvider
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[string]*wsConn
}

// NewHandler constructs the websocket endpoint.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	if cfg.Router == nil {
		return nil, errMissingRouter
	}
	ids := cfg.IDs
	if ids == nil {
		ids = chat.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		gateway: cfg.Gateway,
		router:  cfg.Router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		ids:    ids,
		logger: logger,
		conns:  make(map[string]*wsConn),
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handshake := handshakeFromRequest(r)
	ctx := r.Context()
	if traceID, err := h.ids.NewID(); err == nil {
		ctx = logging.ContextWithTraceID(ctx, traceID)
	}

	descriptor, err := h.gateway.Authenticate(ctx, handshake)
	if err != nil {
		writeError(w, http.StatusUnauthorized, chat.AsError(err))
		return
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WithContext(h.logger, ctx).Info("websocket upgrade failed", zap.Error(err))
		return
	}

	logger := h.logger.With(zap.String("user_id", descriptor.UserID), zap.String("socket_id", descriptor.SocketID))
	conn := newWSConn(descriptor.SocketID, socket, logger)
	h.track(conn)
	defer h.untrack(conn)
	go conn.writePump()

	// Cleanup must run even after the request context is cancelled.
	connCtx := context.WithoutCancel(ctx)
	if err := h.gateway.OnConnect(connCtx, descriptor, conn, handshake); err != nil {
		_ = socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, chat.AsError(err).Message),
			time.Now().Add(writeWait))
		conn.close()
		return
	}

	session := Session{Descriptor: descriptor, Conn: conn}
	conn.readPump(func(raw []byte) {
		h.router.Handle(connCtx, session, raw)
	})

	conn.close()
	h.gateway.OnDisconnect(connCtx, descriptor, conn)
}

// Shutdown closes every open websocket, which runs their disconnect handling.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		conn.close()
	}
	h.gateway.Shutdown()
}

func (h *Handler) track(conn *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.id] = conn
}

func (h *Handler) untrack(conn *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn.id)
}

func writeError(w http.ResponseWriter, status int, classified *chat.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorPayload(classified))
}

func handshakeFromRequest(r *http.Request) Handshake {
	query := r.URL.Query()
	token := firstNonEmpty(query.Get("token"), r.Header.Get("x-auth-token"))
	if token == "" {
		token = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	}
	return Handshake{
		Token:      token,
		SessionID:  firstNonEmpty(query.Get("sessionId"), r.Header.Get("x-session-id")),
		DeviceInfo: r.UserAgent(),
		IPAddress:  clientIP(r),
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func originChecker(allowed []string) func(*http.Request) bool {
	origins := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			origins[origin] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := origins[origin]
		return ok
	}
}
