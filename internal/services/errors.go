package services

import (
	"errors"
	"fmt"
)

// Business-rule errors. Handlers map these to HTTP statuses so the UI
// can always tell the user which invariant was violated.
var (
	ErrInsufficientCredits          = errors.New("insufficient storage credits")
	ErrInsufficientListingInventory = errors.New("listing no longer has enough storage available")
	ErrSelfTradeNotAllowed          = errors.New("cannot purchase your own listing")
	ErrAlreadyCompleted             = errors.New("purchase already completed")
	ErrPriceMismatch                = errors.New("charged amount does not match quoted price")
	ErrPaymentNotConfirmed          = errors.New("payment not yet confirmed")
	ErrSettlementExpired            = errors.New("settlement confirmation window expired")
	ErrListingNotActive             = errors.New("listing is not active")
	ErrNotListingOwner              = errors.New("only the listing owner may cancel it")
	ErrExternalServiceUnavailable   = errors.New("external service unavailable")
	ErrCompensationFailed           = errors.New("compensation failed, manual reconciliation required")
)

// ValidationError rejects bad input before any mutation happens.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
