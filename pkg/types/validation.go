package types

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// validate is shared by every payload checked through ValidateStruct.
var validate = validator.New(validator.WithRequiredStructEnabled())

// IsValidIdentity checks the identifier shape of a user identity: the
// canonical 36 character UUID form.
func IsValidIdentity(identity string) bool {
	if len(identity) != 36 {
		return false
	}
	_, err := uuid.Parse(identity)
	return err == nil
}

// IsValidConversationID checks the identifier shape of a conversation id.
func IsValidConversationID(conversationID string) bool {
	return IsValidIdentity(conversationID)
}

// ValidateStruct runs the struct tag rules of a payload. Failures wrap
// ErrValidation and name the first offending field.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("%w: field %s failed '%s'", ErrValidation, fe.Field(), fe.Tag())
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}
