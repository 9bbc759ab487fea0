package commission

import (
	"errors"
	"fmt"
	"testing"
)

func TestReasonForError(test *testing.T) {
	test.Parallel()
	cases := map[error]ReasonCode{
		ErrNeedsOnboarding:        ReasonNeedsOnboarding,
		ErrNoFunds:                ReasonNoFunds,
		ErrBelowMinimum:           ReasonBelowMinimum,
		ErrHasDebt:                ReasonHasDebt,
		ErrCurrencyMismatch:       ReasonCurrencyMismatch,
		ErrAlreadyProcessing:      ReasonAlreadyProcessing,
		ErrRaceLost:               ReasonRaceCondition,
		ErrProviderTransfer:       ReasonProviderError,
		ErrTransferOutcomeUnknown: ReasonNeedsReview,
		errors.New("anything"):    ReasonInternalError,
	}
	for err, want := range cases {
		if got := ReasonForError(err); got != want {
			test.Fatalf("reason for %v: expected %s, got %s", err, want, got)
		}
	}
}

func TestReasonForErrorSeesThroughWrapping(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("redeem", "balance", "decrement", fmt.Errorf("query: %w", ErrRaceLost))
	if got := ReasonForError(wrapped); got != ReasonRaceCondition {
		test.Fatalf("expected race_condition through wrapping, got %s", got)
	}
}

func TestOperationErrorAccessors(test *testing.T) {
	test.Parallel()
	cause := errors.New("boom")
	err := WrapError("redeem", "redemption", "create", cause)
	var operationError OperationError
	if !errors.As(err, &operationError) {
		test.Fatalf("expected OperationError, got %T", err)
	}
	if operationError.Operation() != "redeem" || operationError.Subject() != "redemption" || operationError.Code() != "create" {
		test.Fatalf("unexpected segments: %s %s %s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	if !errors.Is(err, cause) {
		test.Fatalf("expected unwrap to reach the cause")
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError("redeem", "redemption", "create", nil) != nil {
		test.Fatalf("wrapping nil must stay nil")
	}
}

func TestConflictClassifiers(test *testing.T) {
	test.Parallel()
	if !IsConcurrencyConflict(ErrAlreadyProcessing) || !IsConcurrencyConflict(ErrRaceLost) {
		test.Fatalf("expected conflicts to classify")
	}
	if IsConcurrencyConflict(ErrNoFunds) {
		test.Fatalf("eligibility errors are not conflicts")
	}
	if !IsEligibilityError(ErrBelowMinimum) || IsEligibilityError(ErrRaceLost) {
		test.Fatalf("eligibility classification broken")
	}
}
