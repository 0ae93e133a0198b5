package realtime

import (
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBridgeHandleMessageDeliversLocally(t *testing.T) {
	hub := NewHub()
	sender := &recordingConn{id: "socket-1"}
	receiver := &recordingConn{id: "socket-2"}
	hub.Join(RoomChannel("room-1"), sender)
	hub.Join(RoomChannel("room-1"), receiver)

	bridge := &NATSBridge{hub: hub, prefix: defaultSubjectPrefix, logger: zap.NewNop()}
	data, err := json.Marshal(envelope{
		Channel: RoomChannel("room-1"),
		Except:  "socket-1",
		Event:   "message",
		Payload: json.RawMessage(`{"content":"hi"}`),
	})
	require.NoError(t, err)

	bridge.handleMessage(&nats.Msg{Subject: bridge.subject(RoomChannel("room-1")), Data: data})

	require.Empty(t, sender.received())
	frames := receiver.received()
	require.Len(t, frames, 1)
	require.Equal(t, "message", frames[0].Event)

	encoded, err := json.Marshal(frames[0])
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"message","data":{"content":"hi"}}`, string(encoded))
}

func TestBridgeIgnoresMalformedEnvelope(t *testing.T) {
	hub := NewHub()
	conn := &recordingConn{id: "socket-1"}
	hub.Join(RoomChannel("room-1"), conn)

	bridge := &NATSBridge{hub: hub, prefix: defaultSubjectPrefix, logger: zap.NewNop()}
	bridge.handleMessage(&nats.Msg{Subject: "chat.fanout.x", Data: []byte("not-json")})

	require.Empty(t, conn.received())
}

func TestSubjectTokenEscapesWildcards(t *testing.T) {
	require.Equal(t, "room:a_b_c", subjectToken("room:a.b*c"))
	require.Equal(t, "user:1", subjectToken("user:1"))

	bridge := &NATSBridge{prefix: "chat.fanout"}
	require.Equal(t, "chat.fanout.room-list", bridge.subject(RoomListChannel))
}

func TestNewNATSBridgeRequiresDependencies(t *testing.T) {
	_, err := NewNATSBridge(BridgeConfig{Hub: NewHub()})
	require.ErrorIs(t, err, errMissingConn)

	_, err = ConnectNATS(NATSConfig{})
	require.Error(t, err)
}
