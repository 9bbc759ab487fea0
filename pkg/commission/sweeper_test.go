package commission

import (
	"context"
	"testing"
)

func TestMatureDuePromotesAndCredits(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.entries = append(store.entries,
		&CommissionEntry{EntryID: "due-1", AffiliateID: "aff-1", Currency: CurrencyUSD, AmountCents: 1_000, Status: EntryStatusPending, MaturesAtUnixUTC: testNowUnixUTC - 10},
		&CommissionEntry{EntryID: "due-2", AffiliateID: "aff-1", Currency: CurrencyUSD, AmountCents: 2_000, Status: EntryStatusPending, MaturesAtUnixUTC: testNowUnixUTC},
		&CommissionEntry{EntryID: "later", AffiliateID: "aff-1", Currency: CurrencyUSD, AmountCents: 4_000, Status: EntryStatusPending, MaturesAtUnixUTC: testNowUnixUTC + 60},
	)
	service := mustNewService(test, store, &stubLocker{}, &stubProvider{}, testNowUnixUTC)

	matured, err := service.MatureDue(context.Background(), 100)
	if err != nil {
		test.Fatalf("mature: %v", err)
	}
	if matured != 2 {
		test.Fatalf("expected 2 matured, got %d", matured)
	}
	counters, _ := store.GetCounters(context.Background(), mustAffiliateID(test, "aff-1"), CurrencyUSD)
	if counters.AvailableCents != 3_000 {
		test.Fatalf("expected 3000 available, got %d", counters.AvailableCents)
	}
	if store.entries[2].Status != EntryStatusPending {
		test.Fatalf("future entry must stay pending, got %s", store.entries[2].Status)
	}
}

func TestMatureDueSecondSweepIsNoOp(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.entries = append(store.entries,
		&CommissionEntry{EntryID: "due-1", AffiliateID: "aff-1", Currency: CurrencyUSD, AmountCents: 1_000, Status: EntryStatusPending, MaturesAtUnixUTC: testNowUnixUTC},
	)
	service := mustNewService(test, store, &stubLocker{}, &stubProvider{}, testNowUnixUTC)

	if _, err := service.MatureDue(context.Background(), 100); err != nil {
		test.Fatalf("first sweep: %v", err)
	}
	matured, err := service.MatureDue(context.Background(), 100)
	if err != nil {
		test.Fatalf("second sweep: %v", err)
	}
	if matured != 0 {
		test.Fatalf("second sweep must mature nothing, got %d", matured)
	}
	counters, _ := store.GetCounters(context.Background(), mustAffiliateID(test, "aff-1"), CurrencyUSD)
	if counters.AvailableCents != 1_000 {
		test.Fatalf("double sweep must not double-credit, got %d", counters.AvailableCents)
	}
}

func TestMatureDueSkipsConcurrentlyTransitionedEntry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.entries = append(store.entries,
		&CommissionEntry{EntryID: "due-1", AffiliateID: "aff-1", Currency: CurrencyUSD, AmountCents: 1_000, Status: EntryStatusPending, MaturesAtUnixUTC: testNowUnixUTC},
	)
	service := mustNewService(test, store, &stubLocker{}, &stubProvider{}, testNowUnixUTC)

	// Simulate a concurrent reversal between listing and the CAS: the sweep
	// sees a stale pending snapshot while the row is already reversed.
	store.staleDue = []CommissionEntry{*store.entries[0]}
	store.entries[0].Status = EntryStatusReversed

	matured, err := service.MatureDue(context.Background(), 100)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if matured != 0 {
		test.Fatalf("transitioned entry must be skipped, got %d matured", matured)
	}
}
