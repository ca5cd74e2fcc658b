package errors

import "errors"

// Client errors.
var (
	ErrInvalidToken  = errors.New("invalid or expired session token")
	ErrGroupNotFound = errors.New("group not found")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
