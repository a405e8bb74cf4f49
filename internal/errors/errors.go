package errors

import "errors"

// Client errors.
var (
	ErrInvalidToken   = errors.New("invalid or expired token")
	ErrMediumNotFound = errors.New("medium not found")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
	ErrWatchClosed = errors.New("medium watch closed")
)
