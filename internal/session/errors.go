package session

import "errors"

var (
	ErrSessionClosed  = errors.New("room session closed")
	ErrNoActiveRoom   = errors.New("no room selected")
	ErrHistoryTimeout = errors.New("history request timed out")
)
