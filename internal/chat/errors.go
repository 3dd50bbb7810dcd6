package chat

import "errors"

var (
	// ErrNotFound is returned when the requested message does not exist.
	ErrNotFound = errors.New("chat: message not found")

	// ErrNotAuthorized is returned when a recall request comes from a client
	// that did not send the message and is not an admin.
	ErrNotAuthorized = errors.New("chat: not authorized to recall message")

	// ErrRateLimited is returned when the sender exceeded the message rate
	// limit.
	ErrRateLimited = errors.New("chat: message rate limit exceeded")
)
