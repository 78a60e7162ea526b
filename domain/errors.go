package domain

import "errors"

// Failure vocabulary shared across the collaboration core. None of these is
// fatal to a connection; each is reported to the origin as an error envelope.
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrNotInRoom              = errors.New("not in a room")
	ErrAccessDenied           = errors.New("access denied")
	ErrNotFound               = errors.New("not found")
	ErrInvalidRange           = errors.New("position out of range")
	ErrConcurrentModification = errors.New("concurrent board modification")
	ErrStorageUnavailable     = errors.New("storage unavailable")
)

// ErrorCode maps a failure to the wire code carried by error envelopes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return "auth-required"
	case errors.Is(err, ErrNotInRoom):
		return "not-in-room"
	case errors.Is(err, ErrAccessDenied):
		return "access-denied"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrInvalidRange):
		return "invalid-range"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage-unavailable"
	default:
		return "internal"
	}
}
