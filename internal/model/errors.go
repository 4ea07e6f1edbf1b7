package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrPublishFailed      = errors.New("publish failed")
	ErrPoisonEvent        = errors.New("poison event")
	// ErrTerminalStatus is returned when a transition is attempted on a queued or failed order.
	ErrTerminalStatus = errors.New("order status is terminal")
)

// ValidationError reports user input that can never succeed on retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid order: " + e.Reason
	}
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Reason)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("nonblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
	})
	return validate
}

// Validate checks the order shape before any write is attempted.
func (o Order) Validate() error {
	err := validatorInstance().Struct(o)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fe.Namespace(), Reason: reasonFor(fe)}
	}
	return &ValidationError{Reason: err.Error()}
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must not be empty"
	case "nonblank":
		return "must not be blank"
	case "gt":
		return "must be greater than " + fe.Param()
	case "max":
		return "is too long"
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

// ValidateEvent is the schema check the consumer applies to decoded events.
func ValidateEvent(ev Event) error {
	if ev.EventID == "" {
		return fmt.Errorf("%w: missing eventId", ErrPoisonEvent)
	}
	if ev.OrderID == "" || ev.OrderID != ev.Payload.OrderID {
		return fmt.Errorf("%w: orderId mismatch", ErrPoisonEvent)
	}
	if len(ev.Payload.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrPoisonEvent)
	}
	for _, it := range ev.Payload.Items {
		if it.Name == "" || it.Quantity <= 0 {
			return fmt.Errorf("%w: bad line item", ErrPoisonEvent)
		}
	}
	return nil
}
