package validation

import (
	"errors"
	"fmt"
)

// Error is a field-attributed validation failure. Handlers surface it
// as a 400 with the offending field named, so client UIs can highlight
// the input that caused it.
type Error struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewError(field, format string, args ...interface{}) Error {
	return Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

func IsValidationError(err error) bool {
	var ve Error
	return errors.As(err, &ve)
}

func AsValidationError(err error) (Error, bool) {
	var ve Error
	if errors.As(err, &ve) {
		return ve, true
	}
	return Error{}, false
}
