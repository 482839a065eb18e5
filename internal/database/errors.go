package database

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrClosed       = errors.New("message repository is closed")
	ErrWriteTimeout = errors.New("write operation timeout")
	ErrConstraint   = errors.New("constraint violation")
)

// isConstraint reports sqlite constraint failures, which a retry cannot fix.
func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
