// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	ErrLockHeld           = errors.New("another instance is running")
	ErrUnknownJobType     = errors.New("unknown job type")
	ErrUnknownActionType  = errors.New("unknown action type")
	ErrInvalidPhone       = errors.New("invalid phone number")
	ErrTooManyRecipients  = errors.New("too many recipients")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAlreadyDelivered   = errors.New("item already delivered")
	ErrMalformedCondition = errors.New("malformed rule condition")
	ErrValidation         = errors.New("validation failed")

	// ErrPermanent marks failures that retrying cannot fix.
	ErrPermanent = errors.New("permanent failure")
)

// NotFoundError is returned by repositories when a row does not exist.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %d not found", e.Entity, e.ID)
}

// Helper constructors
func NewCampaignNotFound(id int64) error {
	return &NotFoundError{Entity: "campaign", ID: id}
}

func NewJobNotFound(id int64) error {
	return &NotFoundError{Entity: "job", ID: id}
}

func NewEventNotFound(id int64) error {
	return &NotFoundError{Entity: "event", ID: id}
}

func NewRuleNotFound(id int64) error {
	return &NotFoundError{Entity: "rule", ID: id}
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Permanent wraps err so that errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrPermanent) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// InvalidPhoneError lists the raw numbers that failed normalization.
type InvalidPhoneError struct {
	Numbers []string
}

func (e *InvalidPhoneError) Error() string {
	return fmt.Sprintf("invalid phone numbers: %v", e.Numbers)
}

func (e *InvalidPhoneError) Unwrap() error { return ErrInvalidPhone }
