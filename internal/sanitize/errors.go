package sanitize

import (
	"fmt"

	"chatrelay/pkg/types"
)

var (
	ErrEmptyBody   = fmt.Errorf("%w: message body is empty", types.ErrValidation)
	ErrBodyTooLong = fmt.Errorf("%w: message body is too long", types.ErrValidation)
)
