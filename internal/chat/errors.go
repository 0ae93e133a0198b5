package chat

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("chat: not found")

// Kind classifies failures surfaced to connections.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindValidation     Kind = "validation"
	KindRateLimit      Kind = "rate_limit"
	KindContentPolicy  Kind = "content_policy"
	KindNotFound       Kind = "not_found"
	KindJoinRoom       Kind = "join_room"
	KindLeaveRoom      Kind = "leave_room"
	KindStreaming      Kind = "streaming"
	KindPersistence    Kind = "persistence"
	KindInternal       Kind = "internal"
)

// Wire codes sent in error events.
const (
	CodeMessageError    = "MESSAGE_ERROR"
	CodeSessionExpired  = "SESSION_EXPIRED"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeRateLimited     = "RATE_LIMIT_EXCEEDED"
	CodeMessageRejected = "MESSAGE_REJECTED"
	CodeValidation      = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeJoinRoom        = "JOIN_ROOM_ERROR"
	CodeLeaveRoom       = "LEAVE_ROOM_ERROR"
	CodeLoad            = "LOAD_ERROR"
	CodeReaction        = "REACTION_ERROR"
	CodeReadStatus      = "READ_STATUS_ERROR"
)

// Error is a classified failure carrying a user-safe message.
type Error struct {
	Kind              Kind
	Code              string
	Message           string
	RetryAfterSeconds int
	Err               error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error.
func NewError(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

// RateLimited builds the error returned when a sender exceeds its quota.
func RateLimited(retryAfterSeconds int) *Error {
	return &Error{
		Kind:              KindRateLimit,
		Code:              CodeRateLimited,
		Message:           "too many messages, please try again later",
		RetryAfterSeconds: retryAfterSeconds,
	}
}

// AsError converts any error into a classified one, defaulting to an internal message error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return &Error{Kind: KindInternal, Code: CodeMessageError, Message: "failed to process the request", Err: err}
}

// IsKind reports whether err is a classified error of the given kind.
func IsKind(err error, kind Kind) bool {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind == kind
	}
	return false
}
