package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
	ErrAlreadyBound     = errors.New("connection is bound to another identity")
)

// Registry-related errors
var (
	ErrNilConnection          = errors.New("connection cannot be nil")
	ErrConnectionNotAnnounced = errors.New("connection must announce an identity before registration")
)
