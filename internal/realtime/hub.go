package realtime

import (
	"context"
	"sync"
)

const (
	userChannelPrefix = "user:"
	roomChannelPrefix = "room:"
	// RoomListChannel receives room directory updates for every connected socket.
	RoomListChannel = "room-list"
)

// UserChannel is the private channel of every socket owned by userID.
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// RoomChannel is the broadcast channel of a room.
func RoomChannel(roomID string) string {
	return roomChannelPrefix + roomID
}

// Frame is one outbound event.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Conn is a live socket able to receive frames. Send must not block; it reports
// false when the frame was dropped.
type Conn interface {
	ID() string
	Send(frame Frame) bool
}

// Publisher fans events out to every socket subscribed to a channel, on any node.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, data any) error
	// PublishExcept skips the socket identified by exceptConnID.
	PublishExcept(ctx context.Context, channel, exceptConnID, event string, data any) error
}

// Hub tracks this node's socket subscriptions per channel.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]Conn
	joined   map[string]map[string]struct{}
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]map[string]Conn),
		joined:   make(map[string]map[string]struct{}),
	}
}

// Join subscribes conn to channel. Joining twice is a no-op.
func (h *Hub) Join(channel string, conn Conn) {
	if channel == "" || conn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[string]Conn)
	}
	h.channels[channel][conn.ID()] = conn
	if _, ok := h.joined[conn.ID()]; !ok {
		h.joined[conn.ID()] = make(map[string]struct{})
	}
	h.joined[conn.ID()][channel] = struct{}{}
}

// Leave unsubscribes connID from channel.
func (h *Hub) Leave(channel, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(channel, connID)
}

// LeaveAll unsubscribes connID from every channel.
func (h *Hub) LeaveAll(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel := range h.joined[connID] {
		h.leaveLocked(channel, connID)
	}
	delete(h.joined, connID)
}

func (h *Hub) leaveLocked(channel, connID string) {
	subscribers := h.channels[channel]
	if subscribers != nil {
		delete(subscribers, connID)
		if len(subscribers) == 0 {
			delete(h.channels, channel)
		}
	}
	if channels := h.joined[connID]; channels != nil {
		delete(channels, channel)
		if len(channels) == 0 {
			delete(h.joined, connID)
		}
	}
}

// Subscribed reports whether connID is subscribed to channel.
func (h *Hub) Subscribed(channel, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[channel][connID]
	return ok
}

// Deliver sends frame to the local subscribers of channel, skipping exceptConnID,
// and returns how many accepted it.
func (h *Hub) Deliver(channel string, frame Frame, exceptConnID string) int {
	if channel == "" || frame.Event == "" {
		return 0
	}
	h.mu.RLock()
	subscribers := h.channels[channel]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return 0
	}
	copies := make([]Conn, 0, len(subscribers))
	for id, conn := range subscribers {
		if id == exceptConnID {
			continue
		}
		copies = append(copies, conn)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range copies {
		if conn.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// Publish delivers locally. It satisfies Publisher for single-node deployments.
func (h *Hub) Publish(_ context.Context, channel, event string, data any) error {
	h.Deliver(channel, Frame{Event: event, Data: data}, "")
	return nil
}

func (h *Hub) PublishExcept(_ context.Context, channel, exceptConnID, event string, data any) error {
	h.Deliver(channel, Frame{Event: event, Data: data}, exceptConnID)
	return nil
}
