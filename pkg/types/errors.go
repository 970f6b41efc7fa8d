package types

import "errors"

// Error taxonomy shared by every component. Components wrap these sentinels
// with fmt.Errorf("%w: ...") so the wire reason can be recovered with KindOf.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrValidation     = errors.New("validation failed")
	ErrRateLimit      = errors.New("rate limit exceeded")
	ErrAuthorization  = errors.New("not authorized")
	ErrNotFound       = errors.New("not found")
	ErrPersistence    = errors.New("persistence failure")
)

// ErrorKind is the reason string sent to clients in rejection events.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "AuthenticationError"
	KindValidation     ErrorKind = "ValidationError"
	KindRateLimit      ErrorKind = "RateLimitError"
	KindAuthorization  ErrorKind = "AuthorizationError"
	KindNotFound       ErrorKind = "NotFoundError"
	KindPersistence    ErrorKind = "PersistenceError"
)

// KindOf classifies an error chain. Anything unknown is reported as a
// persistence failure so that internal details never reach the client.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrRateLimit):
		return KindRateLimit
	case errors.Is(err, ErrAuthorization):
		return KindAuthorization
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindPersistence
	}
}

// PublicMessage returns the text that may be shown to the originating client.
// Persistence failures are reduced to a generic sentence.
func PublicMessage(err error) string {
	if KindOf(err) == KindPersistence {
		return "message could not be saved, please retry"
	}
	return err.Error()
}
