package conversation

import (
	"fmt"

	"chatrelay/pkg/types"
)

var (
	ErrInvalidConversationID = fmt.Errorf("%w: conversation id must be a UUID", types.ErrValidation)
	ErrNotMember             = fmt.Errorf("%w: not a member of this conversation", types.ErrAuthorization)
	ErrGuardUnavailable      = fmt.Errorf("%w: membership could not be verified", types.ErrAuthorization)
	ErrTooFewMembers         = fmt.Errorf("%w: a conversation needs at least two distinct members", types.ErrValidation)
	ErrInvalidMember         = fmt.Errorf("%w: member ids must be UUIDs", types.ErrValidation)
)
