package router

import (
	"fmt"

	"chatrelay/pkg/types"
)

var (
	ErrRateLimitExceeded = fmt.Errorf("%w: too many messages, slow down", types.ErrRateLimit)
	ErrNotAnnounced      = fmt.Errorf("%w: connection has not announced an identity", types.ErrAuthentication)
)
