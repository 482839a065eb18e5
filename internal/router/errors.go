package router

import "errors"

var (
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrSenderNotConnected = errors.New("sender not connected")
	ErrSenderNotInRoom    = errors.New("sender has not joined the room")
	ErrPersistFailed      = errors.New("failed to persist message")
)
