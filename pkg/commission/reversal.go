package commission

import "context"

// ReversePayment applies a refund or chargeback referencing a source
// invoice. A pending entry is reversed in place; an available entry also
// debits the available counter, clamped at zero with the shortfall booked as
// debt; an entry already consumed by a paid redemption books the full amount
// as debt. Reversing an already-reversed invoice is a no-op; a transition
// lost to a concurrent sweep returns ErrEntryTransitioned so the event can
// be redelivered.
func (service *Service) ReversePayment(ctx context.Context, invoiceID InvoiceID) error {
	var affiliateID AffiliateID
	var currency Currency
	var amount AmountCents
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		entry, err := txStore.GetCommissionEntryByInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		reversedAffiliateID, err := NewAffiliateID(entry.AffiliateID)
		if err != nil {
			return err
		}
		affiliateID = reversedAffiliateID
		currency = entry.Currency
		amount = entry.AmountCents

		switch entry.Status {
		case EntryStatusPending:
			return txStore.UpdateEntryStatus(ctx, entry.EntryID, EntryStatusPending, EntryStatusReversed, reversalReasonRefund)
		case EntryStatusAvailable:
			if err := txStore.UpdateEntryStatus(ctx, entry.EntryID, EntryStatusAvailable, EntryStatusReversed, reversalReasonRefund); err != nil {
				return err
			}
			debited, err := txStore.DebitAvailableClamped(ctx, affiliateID, currency, entry.AmountCents)
			if err != nil {
				return err
			}
			if shortfall := entry.AmountCents - debited; shortfall > 0 {
				return txStore.AddDebt(ctx, affiliateID, currency, shortfall, entry.EntryID)
			}
			return nil
		case EntryStatusPaid:
			if err := txStore.UpdateEntryStatus(ctx, entry.EntryID, EntryStatusPaid, EntryStatusReversed, reversalReasonRefund); err != nil {
				return err
			}
			return txStore.AddDebt(ctx, affiliateID, currency, entry.AmountCents, entry.EntryID)
		case EntryStatusReversed, EntryStatusCanceled:
			return nil
		default:
			return ErrInvalidEntryStatus
		}
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationReverse,
		AffiliateID: affiliateID,
		Currency:    currency,
		Amount:      amount,
		InvoiceID:   invoiceID,
		Error:       operationError,
	})
	return operationError
}
