package app

import "errors"

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrUnknownAgent       = errors.New("unknown agent")
	ErrEmptyMessage       = errors.New("message text or image is required")
	// ErrArchiveDisabled is returned when no object store is configured.
	ErrArchiveDisabled = errors.New("backup archive is not configured")
	ErrJobsDisabled    = errors.New("background jobs are not configured")
	ErrJobNotFound     = errors.New("job not found")
)
