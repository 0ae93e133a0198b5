package realtime

import (
	"context"
	"sync"
	"testing"
)

type recordingConn struct {
	id     string
	mu     sync.Mutex
	frames []Frame
	reject bool
}

func (c *recordingConn) ID() string {
	return c.id
}

func (c *recordingConn) Send(frame Frame) bool {
	if c.reject {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return true
}

func (c *recordingConn) received() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

func TestHubDeliversToChannelSubscribers(t *testing.T) {
	hub := NewHub()
	first := &recordingConn{id: "socket-1"}
	second := &recordingConn{id: "socket-2"}
	outsider := &recordingConn{id: "socket-3"}

	hub.Join(RoomChannel("room-1"), first)
	hub.Join(RoomChannel("room-1"), second)
	hub.Join(RoomChannel("room-2"), outsider)

	if err := hub.Publish(context.Background(), RoomChannel("room-1"), "message", map[string]string{"content": "hi"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(first.received()) != 1 || len(second.received()) != 1 {
		t.Fatalf("expected both room subscribers to receive the frame")
	}
	if len(outsider.received()) != 0 {
		t.Fatalf("did not expect frame for another room")
	}
	if first.received()[0].Event != "message" {
		t.Fatalf("unexpected event %s", first.received()[0].Event)
	}
}

func TestHubPublishExceptSkipsConnection(t *testing.T) {
	hub := NewHub()
	oldSocket := &recordingConn{id: "socket-old"}
	newSocket := &recordingConn{id: "socket-new"}
	hub.Join(UserChannel("user-1"), oldSocket)
	hub.Join(UserChannel("user-1"), newSocket)

	_ = hub.PublishExcept(context.Background(), UserChannel("user-1"), "socket-new", "session-ended", nil)

	if len(oldSocket.received()) != 1 {
		t.Fatalf("expected old socket to be notified")
	}
	if len(newSocket.received()) != 0 {
		t.Fatalf("did not expect new socket to be notified")
	}
}

func TestHubLeaveAllRemovesEverySubscription(t *testing.T) {
	hub := NewHub()
	conn := &recordingConn{id: "socket-1"}
	hub.Join(RoomChannel("room-1"), conn)
	hub.Join(RoomChannel("room-1"), conn)
	hub.Join(UserChannel("user-1"), conn)
	hub.Join(RoomListChannel, conn)

	hub.Leave(RoomChannel("room-1"), "socket-1")
	if hub.Subscribed(RoomChannel("room-1"), "socket-1") {
		t.Fatalf("expected room subscription to be removed")
	}
	if !hub.Subscribed(UserChannel("user-1"), "socket-1") {
		t.Fatalf("expected user subscription to remain")
	}

	hub.LeaveAll("socket-1")
	if hub.Deliver(UserChannel("user-1"), Frame{Event: "x"}, "") != 0 {
		t.Fatalf("expected no subscribers after LeaveAll")
	}
	if hub.Deliver(RoomListChannel, Frame{Event: "x"}, "") != 0 {
		t.Fatalf("expected no room-list subscribers after LeaveAll")
	}
}

func TestHubCountsOnlyAcceptedFrames(t *testing.T) {
	hub := NewHub()
	hub.Join("room:a", &recordingConn{id: "ok"})
	hub.Join("room:a", &recordingConn{id: "full", reject: true})

	if delivered := hub.Deliver("room:a", Frame{Event: "message"}, ""); delivered != 1 {
		t.Fatalf("expected one accepted delivery, got %d", delivered)
	}
	if hub.Deliver("room:a", Frame{}, "") != 0 {
		t.Fatalf("expected frames without an event to be ignored")
	}
}
