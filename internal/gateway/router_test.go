package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
	"github.com/marha-hwang/ktb-BootcampChat/internal/history"
	"github.com/marha-hwang/ktb-BootcampChat/internal/logging"
	"github.com/marha-hwang/ktb-BootcampChat/internal/messaging"
	"github.com/marha-hwang/ktb-BootcampChat/internal/presence"
	"github.com/marha-hwang/ktb-BootcampChat/internal/realtime"
	"github.com/marha-hwang/ktb-BootcampChat/internal/rooms"
)

type fakeDispatcher struct {
	err      error
	payloads []messaging.ChatPayload
	senders  []messaging.Sender
	traceIDs []string
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, sender messaging.Sender, payload *messaging.ChatPayload) (messaging.Result, error) {
	d.payloads = append(d.payloads, *payload)
	d.senders = append(d.senders, sender)
	d.traceIDs = append(d.traceIDs, logging.TraceID(ctx))
	if d.err != nil {
		return messaging.Result{}, d.err
	}
	return messaging.Result{Status: messaging.StatusSent}, nil
}

type fakeInteractions struct {
	reactions []messaging.ReactionPayload
	reads     []messaging.ReadPayload
	err       error
}

func (f *fakeInteractions) React(_ context.Context, _ string, payload messaging.ReactionPayload) error {
	f.reactions = append(f.reactions, payload)
	return f.err
}

func (f *fakeInteractions) MarkRead(_ context.Context, _ string, payload messaging.ReadPayload) error {
	f.reads = append(f.reads, payload)
	return f.err
}

type historyCall struct {
	roomID string
	limit  int
	before time.Time
}

type fakeHistory struct {
	calls []historyCall
	page  history.Page
}

func (f *fakeHistory) LoadMessages(_ context.Context, roomID string, limit int, before time.Time, _ string) history.Page {
	f.calls = append(f.calls, historyCall{roomID: roomID, limit: limit, before: before})
	return f.page
}

type routerFixture struct {
	router       *Router
	dispatcher   *fakeDispatcher
	interactions *fakeInteractions
	rooms        *fakeRooms
	history      *fakeHistory
	conn         *recordingConn
	session      Session
}

func newRouterFixture(t *testing.T) routerFixture {
	t.Helper()
	dispatcher := &fakeDispatcher{}
	interactions := &fakeInteractions{}
	roomsFake := &fakeRooms{participants: map[string]bool{"room-1/user-1": true}}
	historyFake := &fakeHistory{page: history.Page{Messages: []chat.MessageView{}, HasMore: true}}
	router, err := NewRouter(RouterConfig{
		Dispatcher:   dispatcher,
		Interactions: interactions,
		Rooms:        roomsFake,
		History:      historyFake,
		IDs:          &countingIDs{prefix: "trace"},
	})
	require.NoError(t, err)
	conn := &recordingConn{id: "socket-1"}
	return routerFixture{
		router:       router,
		dispatcher:   dispatcher,
		interactions: interactions,
		rooms:        roomsFake,
		history:      historyFake,
		conn:         conn,
		session: Session{
			Descriptor: presence.ConnectionDescriptor{UserID: "user-1", AuthSessionID: "session-1", SocketID: "socket-1"},
			Conn:       conn,
		},
	}
}

func (f routerFixture) handle(raw string) {
	f.router.Handle(context.Background(), f.session, []byte(raw))
}

func TestHandleChatMessageTracesAndReportsErrorsToOrigin(t *testing.T) {
	f := newRouterFixture(t)

	f.handle(`{"event":"chat-message","data":{"room":"room-1","type":"text","content":"hi"}}`)
	require.Empty(t, f.conn.events())
	require.Equal(t, messaging.Sender{UserID: "user-1", SessionID: "session-1"}, f.dispatcher.senders[0])
	require.Equal(t, "hi", f.dispatcher.payloads[0].Content)
	require.Equal(t, "trace-1", f.dispatcher.traceIDs[0])

	f.dispatcher.err = chat.RateLimited(42)
	f.handle(`{"event":"chat-message","data":{"room":"room-1","content":"again"}}`)
	require.Equal(t, []string{realtime.EventError}, f.conn.events())
	require.Equal(t, map[string]any{
		"code":       chat.CodeRateLimited,
		"message":    chat.RateLimited(42).Message,
		"retryAfter": 42,
	}, f.conn.last().Data)
	require.Equal(t, "trace-2", f.dispatcher.traceIDs[1])
}

func TestHandleRejectsMalformedAndUnknownEvents(t *testing.T) {
	f := newRouterFixture(t)

	f.handle(`not json`)
	f.handle(`{"event":"teleport","data":{}}`)

	require.Equal(t, []string{realtime.EventError, realtime.EventError}, f.conn.events())
	require.Equal(t, chat.CodeValidation, f.conn.last().Data.(map[string]any)["code"])
	require.Empty(t, f.dispatcher.payloads)
}

func TestHandleFetchPreviousMessages(t *testing.T) {
	f := newRouterFixture(t)

	f.handle(`{"event":"fetch-previous-messages","data":{"roomId":"room-1","limit":20,"before":1717236000000}}`)
	f.handle(`{"event":"fetch-previous-messages","data":{"roomId":"room-1","before":"2024-06-01T10:00:00Z"}}`)
	f.handle(`{"event":"fetch-previous-messages","data":{"roomId":"room-1"}}`)

	require.Equal(t, []string{
		realtime.EventMessageLoadStart, realtime.EventPreviousLoaded,
		realtime.EventMessageLoadStart, realtime.EventPreviousLoaded,
		realtime.EventMessageLoadStart, realtime.EventPreviousLoaded,
	}, f.conn.events())
	cursor := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	require.Len(t, f.history.calls, 3)
	require.Equal(t, 20, f.history.calls[0].limit)
	require.True(t, cursor.Equal(f.history.calls[0].before))
	require.True(t, cursor.Equal(f.history.calls[1].before))
	require.True(t, f.history.calls[2].before.IsZero())
	require.Equal(t, f.history.page, f.conn.last().Data)
}

func TestHandleFetchPreviousRejectsNonParticipant(t *testing.T) {
	f := newRouterFixture(t)

	f.handle(`{"event":"fetch-previous-messages","data":{"roomId":"room-9"}}`)

	require.Equal(t, []string{realtime.EventError}, f.conn.events())
	require.Equal(t, chat.CodeLoad, f.conn.last().Data.(map[string]any)["code"])
	require.Empty(t, f.history.calls)
}

func TestHandleJoinRoomResponses(t *testing.T) {
	f := newRouterFixture(t)
	f.rooms.result = rooms.JoinResult{HasMore: true}

	f.handle(`{"event":"join-room","data":"room-1"}`)
	require.Equal(t, realtime.EventJoinRoomSuccess, f.conn.last().Event)
	full := f.conn.last().Data.(rooms.JoinResult)
	require.Equal(t, "room-1", full.RoomID)
	require.True(t, full.HasMore)

	f.rooms.result = rooms.JoinResult{AlreadyMember: true}
	f.handle(`{"event":"join-room","data":{"roomId":"room-1"}}`)
	require.Equal(t, realtime.EventJoinRoomSuccess, f.conn.last().Event)
	require.Equal(t, map[string]string{"roomId": "room-1"}, f.conn.last().Data)

	f.rooms.joinErr = chat.NewError(chat.KindJoinRoom, chat.CodeJoinRoom, "Room not found", nil)
	f.handle(`{"event":"join-room","data":"room-2"}`)
	require.Equal(t, realtime.EventJoinRoomError, f.conn.last().Event)
	require.Equal(t, map[string]string{"message": "Room not found"}, f.conn.last().Data)

	f.handle(`{"event":"join-room","data":""}`)
	require.Equal(t, realtime.EventJoinRoomError, f.conn.last().Event)
	require.Equal(t, []string{"user-1@room-1", "user-1@room-1", "user-1@room-2"}, f.rooms.joined())
}

func TestHandleLeaveReactionAndReadEvents(t *testing.T) {
	f := newRouterFixture(t)

	f.handle(`{"event":"leave-room","data":{"roomId":"room-1"}}`)
	f.handle(`{"event":"message-reaction","data":{"messageId":"m1","type":"add","reaction":"👍"}}`)
	f.handle(`{"event":"mark-messages-as-read","data":{"roomId":"room-1","messageIds":["m1","m2"]}}`)

	require.Empty(t, f.conn.events())
	require.Equal(t, []string{"user-1@room-1"}, f.rooms.left())
	require.Equal(t, []messaging.ReactionPayload{{MessageID: "m1", Type: "add", Reaction: "👍"}}, f.interactions.reactions)
	require.Equal(t, []string{"m1", "m2"}, f.interactions.reads[0].MessageIDs)

	f.interactions.err = chat.NewError(chat.KindAuthorization, chat.CodeReaction, "You do not have access to this room", nil)
	f.handle(`{"event":"message-reaction","data":{"messageId":"m1","type":"add","reaction":"x"}}`)
	require.Equal(t, chat.CodeReaction, f.conn.last().Data.(map[string]any)["code"])
}
