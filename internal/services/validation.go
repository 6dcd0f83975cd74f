package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	if validationErr != nil {
		errorResp.Details = make(map[string]string)
		for _, err := range validationErr.(validator.ValidationErrors) {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// SendBusinessError maps a ledger/marketplace error to an HTTP status
// and writes it as JSON, keeping the violated invariant visible to the
// caller instead of collapsing everything into a generic failure.
func SendBusinessError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.Is(err, ErrInsufficientCredits),
		errors.Is(err, ErrInsufficientListingInventory),
		errors.Is(err, ErrSelfTradeNotAllowed),
		errors.Is(err, ErrPriceMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrAlreadyCompleted):
		status = http.StatusConflict
	case errors.Is(err, ErrPaymentNotConfirmed):
		status = http.StatusPaymentRequired
	case errors.Is(err, ErrSettlementExpired),
		errors.Is(err, ErrListingNotActive):
		status = http.StatusGone
	case errors.Is(err, ErrNotListingOwner):
		status = http.StatusForbidden
	case errors.Is(err, ErrExternalServiceUnavailable):
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
}
