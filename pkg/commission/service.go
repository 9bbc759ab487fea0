package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Policy holds the accrual and redemption parameters.
type Policy struct {
	// CommissionRate is the share of a first gross payment accrued to the
	// affiliate, e.g. 0.5 for 50%.
	CommissionRate decimal.Decimal
	// HoldingWindow delays maturation to cover refund/chargeback exposure.
	HoldingWindow time.Duration
	// MinRedeemCents is the per-currency redemption floor.
	MinRedeemCents map[Currency]AmountCents
}

// MinimumFor returns the redemption floor for a currency (zero when unset).
func (policy Policy) MinimumFor(currency Currency) AmountCents {
	return policy.MinRedeemCents[currency]
}

// CommissionFor computes the accrued cents for a gross payment, rounded down.
func (policy Policy) CommissionFor(gross AmountCents) AmountCents {
	cents := decimal.NewFromInt(gross.Int64()).Mul(policy.CommissionRate).IntPart()
	return AmountCents(cents)
}

// Service contains the commission ledger and redemption logic over a Store,
// a Locker, and the external PayoutProvider.
type Service struct {
	store    Store
	locker   Locker
	provider PayoutProvider
	policy   Policy
	nowFn    func() int64
	newIDFn  func() string
	logger   OperationLogger
}

// NewService wires a Service.
func NewService(store Store, locker Locker, provider PayoutProvider, policy Policy, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if locker == nil {
		return nil, fmt.Errorf("%w: locker dependency is nil", ErrInvalidServiceConfig)
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: provider dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if policy.CommissionRate.IsNegative() || policy.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: commission rate outside [0,1]", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:    store,
		locker:   locker,
		provider: provider,
		policy:   policy,
		nowFn:    now,
		newIDFn:  uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// RequestRedemption validates eligibility, serializes concurrent requests per
// (affiliate, currency), atomically moves funds, and calls the payout
// provider with a deterministic idempotency key. requested == 0 redeems the
// full available balance as read while holding the lock.
func (service *Service) RequestRedemption(ctx context.Context, affiliateID AffiliateID, currency Currency, requested AmountCents, clientToken ClientToken) (RedemptionReceipt, error) {
	if requested < 0 {
		return RedemptionReceipt{}, fmt.Errorf("%w: negative requested amount", ErrInvalidAmountCents)
	}

	unlock, err := service.locker.Acquire(ctx, affiliateID, currency)
	if err != nil {
		return RedemptionReceipt{}, service.finishRedemption(ctx, affiliateID, currency, 0, "", err)
	}
	defer func() {
		if releaseErr := unlock(context.WithoutCancel(ctx)); releaseErr != nil && service.logger != nil {
			service.logger.LogOperation(ctx, OperationLog{
				Operation:   operationRedeem,
				AffiliateID: affiliateID,
				Currency:    currency,
				Status:      operationStatusError,
				Error:       releaseErr,
			})
		}
	}()

	amount, destination, err := service.checkEligibility(ctx, affiliateID, currency, requested)
	if err != nil {
		return RedemptionReceipt{}, service.finishRedemption(ctx, affiliateID, currency, amount, "", err)
	}

	redemption := Redemption{
		RedemptionID:   service.newIDFn(),
		AffiliateID:    affiliateID.String(),
		Currency:       currency,
		AmountCents:    amount,
		Status:         RedemptionStatusProcessing,
		CreatedUnixUTC: service.nowFn(),
	}
	if err := service.store.CreateRedemption(ctx, redemption); err != nil {
		return RedemptionReceipt{}, service.finishRedemption(ctx, affiliateID, currency, amount, redemption.RedemptionID, err)
	}

	if err := service.store.DecrementAvailable(ctx, affiliateID, currency, amount); err != nil {
		if errors.Is(err, ErrRaceLost) {
			if rejectErr := service.store.UpdateRedemptionStatus(ctx, redemption.RedemptionID, RedemptionStatusProcessing, RedemptionStatusRejected, "", ReasonRaceCondition); rejectErr != nil {
				err = errors.Join(err, rejectErr)
			}
		}
		return RedemptionReceipt{}, service.finishRedemption(ctx, affiliateID, currency, amount, redemption.RedemptionID, err)
	}

	transferKey, err := deriveTransferKey(affiliateID, currency, amount, clientToken, redemption.RedemptionID)
	if err != nil {
		err = service.compensate(ctx, redemption.RedemptionID, affiliateID, currency, amount, err)
		return RedemptionReceipt{}, service.finishRedemption(ctx, affiliateID, currency, amount, redemption.RedemptionID, err)
	}

	transfer, err := service.provider.CreateTransfer(ctx, TransferInstruction{
		AmountCents:          amount,
		Currency:             currency,
		DestinationAccountID: destination,
	}, transferKey)
	if err != nil {
		if errors.Is(err, ErrTransferOutcomeUnknown) {
			// The transfer may have been applied. Crediting the funds back
			// here could double-pay, so the redemption stays processing and
			// is parked for reconciliation.
			if flagErr := service.store.FlagRedemption(ctx, redemption.RedemptionID, ReasonNeedsReview); flagErr != nil {
				err = errors.Join(err, flagErr)
			}
			return RedemptionReceipt{}, service.finishRedemption(ctx, affiliateID, currency, amount, redemption.RedemptionID, err)
		}
		err = fmt.Errorf("%w: %w", ErrProviderTransfer, err)
		err = service.compensate(ctx, redemption.RedemptionID, affiliateID, currency, amount, err)
		return RedemptionReceipt{}, service.finishRedemption(ctx, affiliateID, currency, amount, redemption.RedemptionID, err)
	}

	settleErr := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.UpdateRedemptionStatus(ctx, redemption.RedemptionID, RedemptionStatusProcessing, RedemptionStatusPaid, transfer.TransferID, ""); err != nil {
			return err
		}
		return txStore.ConsumeAvailableEntries(ctx, affiliateID, currency, amount)
	})
	if settleErr != nil {
		// Funds already left through the provider; never re-credit. Park for
		// reconciliation instead.
		if flagErr := service.store.FlagRedemption(ctx, redemption.RedemptionID, ReasonNeedsReview); flagErr != nil {
			settleErr = errors.Join(settleErr, flagErr)
		}
		return RedemptionReceipt{}, service.finishRedemption(ctx, affiliateID, currency, amount, redemption.RedemptionID, settleErr)
	}

	_ = service.finishRedemption(ctx, affiliateID, currency, amount, redemption.RedemptionID, nil)
	return RedemptionReceipt{
		RedemptionID: redemption.RedemptionID,
		TransferID:   transfer.TransferID,
		Currency:     currency,
		AmountCents:  amount,
	}, nil
}

// checkEligibility runs every short-circuiting precondition before any
// mutation and resolves the redemption amount under the held lock.
func (service *Service) checkEligibility(ctx context.Context, affiliateID AffiliateID, currency Currency, requested AmountCents) (AmountCents, string, error) {
	affiliate, err := service.store.GetOrCreateAffiliate(ctx, affiliateID)
	if err != nil {
		return 0, "", err
	}
	if affiliate.PayoutAccountID == "" {
		return 0, "", ErrNeedsOnboarding
	}
	accountStatus, err := service.provider.GetAccountStatus(ctx, affiliate.PayoutAccountID)
	if err != nil {
		return 0, "", err
	}
	if !accountStatus.PayoutsEnabled {
		return 0, "", ErrNeedsOnboarding
	}

	counters, err := service.store.GetCounters(ctx, affiliateID, currency)
	if err != nil {
		return 0, "", err
	}
	if counters.AvailableCents <= 0 {
		return 0, "", ErrNoFunds
	}
	amount := requested
	if amount == 0 {
		amount = counters.AvailableCents
	}
	if amount < service.policy.MinimumFor(currency) {
		return amount, "", ErrBelowMinimum
	}
	if counters.DebtCents > 0 {
		return amount, "", ErrHasDebt
	}
	if accountStatus.SettlementCurrency != currency {
		return amount, "", ErrCurrencyMismatch
	}
	return amount, affiliate.PayoutAccountID, nil
}

// compensate credits the decremented amount back and rejects the redemption.
// When even the compensating credit fails the redemption stays processing,
// flagged for manual reconciliation.
func (service *Service) compensate(ctx context.Context, redemptionID string, affiliateID AffiliateID, currency Currency, amount AmountCents, cause error) error {
	if creditErr := service.store.AddAvailable(ctx, affiliateID, currency, amount); creditErr != nil {
		if flagErr := service.store.FlagRedemption(ctx, redemptionID, ReasonNeedsReview); flagErr != nil {
			creditErr = errors.Join(creditErr, flagErr)
		}
		return errors.Join(cause, creditErr)
	}
	if rejectErr := service.store.UpdateRedemptionStatus(ctx, redemptionID, RedemptionStatusProcessing, RedemptionStatusRejected, "", ReasonForError(cause)); rejectErr != nil {
		return errors.Join(cause, rejectErr)
	}
	return cause
}

func (service *Service) finishRedemption(ctx context.Context, affiliateID AffiliateID, currency Currency, amount AmountCents, redemptionID string, operationError error) error {
	entry := OperationLog{
		Operation:    operationRedeem,
		AffiliateID:  affiliateID,
		Currency:     currency,
		Amount:       amount,
		RedemptionID: redemptionID,
		Error:        operationError,
	}
	if operationError != nil {
		entry.Reason = ReasonForError(operationError)
	}
	service.logOperation(ctx, entry)
	return operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// deriveTransferKey builds the deterministic provider idempotency key. It is
// identical across retries of the same logical request, so a network retry
// cannot create a second transfer.
func deriveTransferKey(affiliateID AffiliateID, currency Currency, amount AmountCents, clientToken ClientToken, redemptionID string) (IdempotencyKey, error) {
	token := clientToken.String()
	if clientToken.IsZero() {
		token = redemptionID
	}
	combined := fmt.Sprintf("%s%s%s%s%s%s%d%s%s",
		idempotencyKeyPrefix, idempotencyKeyDelimiter,
		affiliateID.String(), idempotencyKeyDelimiter,
		currency.String(), idempotencyKeyDelimiter,
		amount.Int64(), idempotencyKeyDelimiter,
		token,
	)
	return NewIdempotencyKey(combined)
}
