package websocket

import "errors"

// Connection errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout after 5 seconds")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry errors
var (
	ErrNilConnection     = errors.New("connection cannot be nil")
	ErrNotRegistered     = errors.New("connection is not registered")
	ErrDuplicateRegister = errors.New("connection already registered")
)

// Handler errors
var (
	ErrInvalidParameters = errors.New("invalid connection parameters")
	ErrMalformedFrame    = errors.New("malformed event frame")
)
