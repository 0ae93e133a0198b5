package realtime

// Event names exchanged with clients.
const (
	EventChatMessage     = "chat-message"
	EventFetchPrevious   = "fetch-previous-messages"
	EventMessageReaction = "message-reaction"
	EventMarkAsRead      = "mark-messages-as-read"
	EventJoinRoom        = "join-room"
	EventLeaveRoom       = "leave-room"

	EventMessage            = "message"
	EventError              = "error"
	EventJoinRoomSuccess    = "join-room-success"
	EventJoinRoomError      = "join-room-error"
	EventParticipantsUpdate = "participants-update"
	EventUserLeft           = "user-left"
	EventDuplicateLogin     = "duplicate-login"
	EventSessionEnded       = "session-ended"
	EventMessageLoadStart   = "message-load-start"
	EventPreviousLoaded     = "previous-messages-loaded"
	EventMessagesRead       = "messages-read"
	EventReactionUpdate     = "message-reaction-update"
)
