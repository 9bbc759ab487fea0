package commission

import (
	"context"
	"errors"
	"testing"
)

func newAccrualFixture(test *testing.T) (*stubStore, *Service) {
	test.Helper()
	store := newStubStore(test)
	service := mustNewService(test, store, &stubLocker{}, &stubProvider{}, testNowUnixUTC)
	return store, service
}

func firstPayment(test *testing.T, invoiceID string, grossCents int64) PaymentConfirmed {
	test.Helper()
	return PaymentConfirmed{
		SourceInvoiceID:  mustInvoiceID(test, invoiceID),
		SubscriptionID:   "sub-1",
		AffiliateID:      mustAffiliateID(test, "aff-1"),
		GrossAmountCents: mustAmountCents(test, grossCents),
		Currency:         CurrencyBRL,
		IsFirstPayment:   true,
	}
}

func TestRecordPaymentAccruesPendingCommission(test *testing.T) {
	test.Parallel()
	store, service := newAccrualFixture(test)

	if err := service.RecordPayment(context.Background(), firstPayment(test, "inv-1", 9_900)); err != nil {
		test.Fatalf("record payment: %v", err)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 entry, got %d", len(store.entries))
	}
	entry := store.entries[0]
	if entry.Status != EntryStatusPending {
		test.Fatalf("expected pending entry, got %s", entry.Status)
	}
	if entry.AmountCents != 4_950 {
		test.Fatalf("expected half of gross, got %d", entry.AmountCents)
	}
	wantMaturesAt := testNowUnixUTC + 7*24*3600
	if entry.MaturesAtUnixUTC != wantMaturesAt {
		test.Fatalf("expected maturation at %d, got %d", wantMaturesAt, entry.MaturesAtUnixUTC)
	}
	if entry.MetadataJSON == "" {
		test.Fatalf("expected audit metadata on the entry")
	}
}

func TestRecordPaymentRoundsCommissionDown(test *testing.T) {
	test.Parallel()
	store, service := newAccrualFixture(test)

	if err := service.RecordPayment(context.Background(), firstPayment(test, "inv-odd", 99)); err != nil {
		test.Fatalf("record payment: %v", err)
	}
	if store.entries[0].AmountCents != 49 {
		test.Fatalf("expected floor(99*0.5)=49, got %d", store.entries[0].AmountCents)
	}
}

func TestRecordPaymentIgnoresRenewals(test *testing.T) {
	test.Parallel()
	store, service := newAccrualFixture(test)
	event := firstPayment(test, "inv-renewal", 9_900)
	event.IsFirstPayment = false

	if err := service.RecordPayment(context.Background(), event); err != nil {
		test.Fatalf("record payment: %v", err)
	}
	if len(store.entries) != 0 {
		test.Fatalf("renewal must not accrue, got %d entries", len(store.entries))
	}
}

func TestRecordPaymentDuplicateInvoiceIsNoOp(test *testing.T) {
	test.Parallel()
	store, service := newAccrualFixture(test)
	event := firstPayment(test, "inv-dup", 9_900)

	if err := service.RecordPayment(context.Background(), event); err != nil {
		test.Fatalf("first record: %v", err)
	}
	if err := service.RecordPayment(context.Background(), event); err != nil {
		test.Fatalf("replay must be a no-op, got %v", err)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 entry after replay, got %d", len(store.entries))
	}
}

func TestRecordPaymentRejectsNonPositiveGross(test *testing.T) {
	test.Parallel()
	_, service := newAccrualFixture(test)
	event := firstPayment(test, "inv-zero", 100)
	event.GrossAmountCents = 0

	if err := service.RecordPayment(context.Background(), event); !errors.Is(err, ErrInvalidPaymentEvent) {
		test.Fatalf("expected ErrInvalidPaymentEvent, got %v", err)
	}
}
