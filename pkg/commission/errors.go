package commission

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the commission service.
var (
	ErrNeedsOnboarding        = errors.New("payout account not ready")
	ErrNoFunds                = errors.New("no redeemable funds")
	ErrBelowMinimum           = errors.New("amount below redemption minimum")
	ErrHasDebt                = errors.New("outstanding debt blocks redemption")
	ErrCurrencyMismatch       = errors.New("settlement currency mismatch")
	ErrAlreadyProcessing      = errors.New("redemption already in flight")
	ErrRaceLost               = errors.New("balance changed concurrently")
	ErrProviderTransfer       = errors.New("provider transfer failed")
	ErrTransferOutcomeUnknown = errors.New("provider transfer outcome unknown")
	ErrDuplicateInvoice       = errors.New("duplicate source invoice")
	ErrUnknownInvoice         = errors.New("unknown source invoice")
	ErrUnknownAffiliate       = errors.New("unknown affiliate")
	ErrUnknownRedemption      = errors.New("unknown redemption")
	ErrEntryTransitioned      = errors.New("commission entry already transitioned")
	ErrRedemptionClosed       = errors.New("redemption already closed")

	ErrInvalidAffiliateID      = errors.New("invalid affiliate id")
	ErrInvalidInvoiceID        = errors.New("invalid invoice id")
	ErrInvalidCurrency         = errors.New("invalid currency")
	ErrInvalidAmountCents      = errors.New("invalid amount cents")
	ErrInvalidEntryStatus      = errors.New("invalid entry status")
	ErrInvalidRedemptionStatus = errors.New("invalid redemption status")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidPaymentEvent     = errors.New("invalid payment event")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// ReasonForError maps a domain error to its stable outcome code.
func ReasonForError(err error) ReasonCode {
	switch {
	case errors.Is(err, ErrNeedsOnboarding):
		return ReasonNeedsOnboarding
	case errors.Is(err, ErrNoFunds):
		return ReasonNoFunds
	case errors.Is(err, ErrBelowMinimum):
		return ReasonBelowMinimum
	case errors.Is(err, ErrHasDebt):
		return ReasonHasDebt
	case errors.Is(err, ErrCurrencyMismatch):
		return ReasonCurrencyMismatch
	case errors.Is(err, ErrAlreadyProcessing):
		return ReasonAlreadyProcessing
	case errors.Is(err, ErrRaceLost):
		return ReasonRaceCondition
	case errors.Is(err, ErrProviderTransfer):
		return ReasonProviderError
	case errors.Is(err, ErrTransferOutcomeUnknown):
		return ReasonNeedsReview
	default:
		return ReasonInternalError
	}
}

// IsEligibilityError reports whether err is a client-correctable rejection
// that occurred before any mutation.
func IsEligibilityError(err error) bool {
	return errors.Is(err, ErrNeedsOnboarding) ||
		errors.Is(err, ErrNoFunds) ||
		errors.Is(err, ErrBelowMinimum) ||
		errors.Is(err, ErrHasDebt) ||
		errors.Is(err, ErrCurrencyMismatch)
}

// IsConcurrencyConflict reports whether err means the request lost a race
// and is safe to retry after a delay.
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrAlreadyProcessing) || errors.Is(err, ErrRaceLost)
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
