package hub

import (
	"errors"
	"fmt"

	"chatrelay/pkg/types"
)

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
)

// Event errors reported to clients.
var (
	ErrMalformedEvent   = fmt.Errorf("%w: malformed event", types.ErrValidation)
	ErrUnknownEvent     = fmt.Errorf("%w: unknown event type", types.ErrValidation)
	ErrAnnounceRequired = fmt.Errorf("%w: announce an identity first", types.ErrAuthentication)
	ErrIdentityMismatch = fmt.Errorf("%w: claimed identity does not match the connection", types.ErrAuthentication)
)
