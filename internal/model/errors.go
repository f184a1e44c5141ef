package model

import "errors"

var (
	ErrAuth             = errors.New("authentication failed")
	ErrNotAvailable     = errors.New("not available")
	ErrInvalidTarget    = errors.New("invalid target")
	ErrSessionNotFound  = errors.New("session not found")
	ErrNotAuthorized    = errors.New("not authorized")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrRoutingMiss      = errors.New("no live connection for identity")
	ErrBadRequest       = errors.New("bad request")
)

// Code maps an error onto the short code sent to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrNotAvailable):
		return "not-available"
	case errors.Is(err, ErrInvalidTarget):
		return "invalid-target"
	case errors.Is(err, ErrSessionNotFound):
		return "session-not-found"
	case errors.Is(err, ErrNotAuthorized):
		return "not-authorized"
	case errors.Is(err, ErrStoreUnavailable):
		return "store-unavailable"
	case errors.Is(err, ErrRoutingMiss):
		return "routing-miss"
	case errors.Is(err, ErrBadRequest):
		return "bad-request"
	default:
		return "internal"
	}
}

// Expected reports whether err is a race or validation outcome rather than
// an infrastructure failure.
func Expected(err error) bool {
	return errors.Is(err, ErrNotAvailable) ||
		errors.Is(err, ErrInvalidTarget) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrRoutingMiss) ||
		errors.Is(err, ErrBadRequest)
}
