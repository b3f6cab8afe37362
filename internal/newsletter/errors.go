package newsletter

import (
	"errors"
	"fmt"
)

// ErrNoRecipients is returned when a campaign with no attached lists is
// asked to start running.
var ErrNoRecipients = errors.New("campaign has no attached lists")

// ErrNotFound is returned for lookups of entities that do not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition reports an illegal campaign status move.
type ErrInvalidTransition struct {
	From string
	To   string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid campaign transition %s -> %s", e.From, e.To)
}

// ValidationError reports bad input shape. It maps to a 400 and is never
// retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
