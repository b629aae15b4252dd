package typeset

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("typeset: no store configured")
	ErrStoreClosed     = errors.New("typeset: store closed")
	ErrMigrationFailed = errors.New("typeset: migration failed")

	// Not found errors.
	ErrJobNotFound    = errors.New("typeset: job not found")
	ErrSourceNotFound = errors.New("typeset: source reference not found")

	// Submission errors.
	ErrJobAlreadyExists = errors.New("typeset: job already exists")
	ErrJobAlreadyActive = errors.New("typeset: owner already has an active job")
	ErrInvalidKind      = errors.New("typeset: invalid compilation kind")

	// State errors.
	ErrAlreadyTerminal   = errors.New("typeset: job already in a terminal state")
	ErrInvalidTransition = errors.New("typeset: invalid state transition")
)
