package directory

import "errors"

var (
	ErrRequestFailed = errors.New("directory request failed")
	ErrNotFound      = errors.New("directory entry not found")
	ErrMissingToken  = errors.New("directory token is required")
	ErrNoProfessor   = errors.New("subject has no professor assigned")
)
