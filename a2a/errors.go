package a2a

import "errors"

// Agent card validation errors.
var (
	ErrMissingName    = errors.New("agent card: missing name")
	ErrMissingURL     = errors.New("agent card: missing url")
	ErrMissingVersion = errors.New("agent card: missing version")
)

// Protocol errors.
var (
	// ErrAgentNotFound indicates the target agent is unknown.
	ErrAgentNotFound = errors.New("a2a: agent not found")
	// ErrInvalidMessage indicates a malformed message or payload.
	ErrInvalidMessage = errors.New("a2a: invalid message format")
	// ErrUnexpectedReply indicates a reply of the wrong type or correlation.
	ErrUnexpectedReply = errors.New("a2a: unexpected reply")
)

// Message validation errors.
var (
	ErrMessageMissingID        = errors.New("a2a message: missing id")
	ErrMessageInvalidType      = errors.New("a2a message: invalid type")
	ErrMessageMissingFrom      = errors.New("a2a message: missing from")
	ErrMessageMissingTo        = errors.New("a2a message: missing to")
	ErrMessageMissingTimestamp = errors.New("a2a message: missing timestamp")
)
