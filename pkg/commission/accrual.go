package commission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// RecordPayment accrues a pending commission for a confirmed referred
// payment. Only first payments accrue; renewals are ignored. Reprocessing
// the same source invoice is a no-op.
func (service *Service) RecordPayment(ctx context.Context, event PaymentConfirmed) error {
	if event.GrossAmountCents <= 0 {
		return fmt.Errorf("%w: gross amount must be positive", ErrInvalidPaymentEvent)
	}
	if !event.IsFirstPayment {
		service.logOperation(ctx, OperationLog{
			Operation:   operationAccrue,
			AffiliateID: event.AffiliateID,
			Currency:    event.Currency,
			InvoiceID:   event.SourceInvoiceID,
			Status:      operationStatusSkipped,
		})
		return nil
	}
	amount := service.policy.CommissionFor(event.GrossAmountCents)
	if amount <= 0 {
		service.logOperation(ctx, OperationLog{
			Operation:   operationAccrue,
			AffiliateID: event.AffiliateID,
			Currency:    event.Currency,
			InvoiceID:   event.SourceInvoiceID,
			Status:      operationStatusSkipped,
		})
		return nil
	}

	nowUnixUTC := service.nowFn()
	metadata, err := json.Marshal(map[string]any{
		"subscription_id":    event.SubscriptionID,
		"gross_amount_cents": event.GrossAmountCents.Int64(),
		"commission_rate":    service.policy.CommissionRate.String(),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPaymentEvent, err)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		affiliate, err := txStore.GetOrCreateAffiliate(ctx, event.AffiliateID)
		if err != nil {
			return err
		}
		return txStore.InsertCommissionEntry(ctx, CommissionEntry{
			EntryID:              service.newIDFn(),
			AffiliateID:          affiliate.AffiliateID,
			Currency:             event.Currency,
			AmountCents:          amount,
			Status:               EntryStatusPending,
			SourceInvoiceID:      event.SourceInvoiceID.String(),
			SourceSubscriptionID: event.SubscriptionID,
			MetadataJSON:         string(metadata),
			MaturesAtUnixUTC:     nowUnixUTC + int64(service.policy.HoldingWindow.Seconds()),
			CreatedUnixUTC:       nowUnixUTC,
		})
	})
	if errors.Is(operationError, ErrDuplicateInvoice) {
		service.logOperation(ctx, OperationLog{
			Operation:   operationAccrue,
			AffiliateID: event.AffiliateID,
			Currency:    event.Currency,
			Amount:      amount,
			InvoiceID:   event.SourceInvoiceID,
			Status:      operationStatusSkipped,
		})
		return nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:   operationAccrue,
		AffiliateID: event.AffiliateID,
		Currency:    event.Currency,
		Amount:      amount,
		InvoiceID:   event.SourceInvoiceID,
		Error:       operationError,
	})
	return operationError
}
