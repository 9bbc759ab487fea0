package commission

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

const testNowUnixUTC = int64(1_700_000_000)

func newRedemptionFixture(test *testing.T, availableCents int64) (*stubStore, *stubLocker, *stubProvider, *Service) {
	test.Helper()
	store := newStubStore(test)
	store.affiliates["aff-1"] = Affiliate{AffiliateID: "aff-1", PayoutAccountID: "acct-1"}
	if availableCents > 0 {
		store.counters[counterKey{"aff-1", CurrencyUSD}] = &Counters{AvailableCents: AmountCents(availableCents)}
	}
	locker := &stubLocker{}
	provider := &stubProvider{
		accountStatus: AccountStatus{PayoutsEnabled: true, SettlementCurrency: CurrencyUSD},
		transfer:      Transfer{TransferID: "tr-1"},
	}
	service := mustNewService(test, store, locker, provider, testNowUnixUTC)
	return store, locker, provider, service
}

func TestRequestRedemptionFullBalance(test *testing.T) {
	test.Parallel()
	store, locker, provider, service := newRedemptionFixture(test, 10_000)
	affiliateID := mustAffiliateID(test, "aff-1")

	receipt, err := service.RequestRedemption(context.Background(), affiliateID, CurrencyUSD, 0, ClientToken{})
	if err != nil {
		test.Fatalf("redeem: %v", err)
	}
	if receipt.AmountCents != 10_000 {
		test.Fatalf("expected full balance redeemed, got %d", receipt.AmountCents)
	}
	if receipt.TransferID != "tr-1" {
		test.Fatalf("unexpected transfer id %q", receipt.TransferID)
	}

	redemption := store.mustRedemption(test, receipt.RedemptionID)
	if redemption.Status != RedemptionStatusPaid {
		test.Fatalf("expected paid redemption, got %s", redemption.Status)
	}
	if redemption.ProviderTransferID != "tr-1" {
		test.Fatalf("transfer id not recorded: %q", redemption.ProviderTransferID)
	}
	counters, _ := store.GetCounters(context.Background(), affiliateID, CurrencyUSD)
	if counters.AvailableCents != 0 {
		test.Fatalf("expected drained balance, got %d", counters.AvailableCents)
	}
	if len(provider.instructions) != 1 || provider.instructions[0].DestinationAccountID != "acct-1" {
		test.Fatalf("unexpected transfer instructions: %+v", provider.instructions)
	}
	if locker.releases != 1 {
		test.Fatalf("lock released %d times", locker.releases)
	}
}

func TestRequestRedemptionPartialAmountConsumesEntries(test *testing.T) {
	test.Parallel()
	store, _, _, service := newRedemptionFixture(test, 10_000)
	store.entries = append(store.entries,
		&CommissionEntry{EntryID: "e-1", AffiliateID: "aff-1", Currency: CurrencyUSD, AmountCents: 6_000, Status: EntryStatusAvailable, CreatedUnixUTC: 1},
		&CommissionEntry{EntryID: "e-2", AffiliateID: "aff-1", Currency: CurrencyUSD, AmountCents: 4_000, Status: EntryStatusAvailable, CreatedUnixUTC: 2},
	)

	receipt, err := service.RequestRedemption(context.Background(), mustAffiliateID(test, "aff-1"), CurrencyUSD, 6_000, ClientToken{})
	if err != nil {
		test.Fatalf("redeem: %v", err)
	}
	if receipt.AmountCents != 6_000 {
		test.Fatalf("expected 6000 redeemed, got %d", receipt.AmountCents)
	}
	if store.entries[0].Status != EntryStatusPaid {
		test.Fatalf("oldest entry not consumed: %s", store.entries[0].Status)
	}
	if store.entries[1].Status != EntryStatusAvailable {
		test.Fatalf("second entry should stay available: %s", store.entries[1].Status)
	}
}

func TestRequestRedemptionEligibilityRejections(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		prepare func(test *testing.T, store *stubStore, provider *stubProvider)
		amount  int64
		wantErr error
	}{
		{
			name: "needs onboarding without payout account",
			prepare: func(_ *testing.T, store *stubStore, _ *stubProvider) {
				store.affiliates["aff-1"] = Affiliate{AffiliateID: "aff-1"}
			},
			wantErr: ErrNeedsOnboarding,
		},
		{
			name: "needs onboarding when payouts disabled",
			prepare: func(_ *testing.T, _ *stubStore, provider *stubProvider) {
				provider.accountStatus.PayoutsEnabled = false
			},
			wantErr: ErrNeedsOnboarding,
		},
		{
			name: "no funds on empty balance",
			prepare: func(_ *testing.T, store *stubStore, _ *stubProvider) {
				store.counters[counterKey{"aff-1", CurrencyUSD}] = &Counters{}
			},
			wantErr: ErrNoFunds,
		},
		{
			name:    "below minimum",
			amount:  4_999,
			wantErr: ErrBelowMinimum,
		},
		{
			name: "debt blocks redemption",
			prepare: func(_ *testing.T, store *stubStore, _ *stubProvider) {
				store.counters[counterKey{"aff-1", CurrencyUSD}].DebtCents = 100
			},
			wantErr: ErrHasDebt,
		},
		{
			name: "settlement currency mismatch",
			prepare: func(_ *testing.T, _ *stubStore, provider *stubProvider) {
				provider.accountStatus.SettlementCurrency = CurrencyEUR
			},
			wantErr: ErrCurrencyMismatch,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store, _, provider, service := newRedemptionFixture(test, 10_000)
			if testCase.prepare != nil {
				testCase.prepare(test, store, provider)
			}
			_, err := service.RequestRedemption(context.Background(), mustAffiliateID(test, "aff-1"), CurrencyUSD, AmountCents(testCase.amount), ClientToken{})
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			if !IsEligibilityError(err) {
				test.Fatalf("expected eligibility error, got %v", err)
			}
			if len(store.redemptions) != 0 {
				test.Fatalf("eligibility rejection must not create a redemption")
			}
			if len(provider.instructions) != 0 {
				test.Fatalf("eligibility rejection must not call the provider")
			}
		})
	}
}

func TestRequestRedemptionLockContention(test *testing.T) {
	test.Parallel()
	store, locker, _, service := newRedemptionFixture(test, 10_000)
	locker.held = true

	_, err := service.RequestRedemption(context.Background(), mustAffiliateID(test, "aff-1"), CurrencyUSD, 0, ClientToken{})
	if !errors.Is(err, ErrAlreadyProcessing) {
		test.Fatalf("expected ErrAlreadyProcessing, got %v", err)
	}
	if !IsConcurrencyConflict(err) {
		test.Fatalf("expected concurrency conflict classification")
	}
	if len(store.redemptions) != 0 {
		test.Fatalf("contended request must not create a redemption")
	}
}

func TestRequestRedemptionDecrementRaceRejects(test *testing.T) {
	test.Parallel()
	store, _, provider, service := newRedemptionFixture(test, 10_000)
	store.decrementErr = ErrRaceLost

	_, err := service.RequestRedemption(context.Background(), mustAffiliateID(test, "aff-1"), CurrencyUSD, 0, ClientToken{})
	if !errors.Is(err, ErrRaceLost) {
		test.Fatalf("expected ErrRaceLost, got %v", err)
	}
	redemption := store.onlyRedemption(test)
	if redemption.Status != RedemptionStatusRejected {
		test.Fatalf("expected rejected redemption, got %s", redemption.Status)
	}
	if redemption.ReasonCode != ReasonRaceCondition {
		test.Fatalf("expected race_condition reason, got %s", redemption.ReasonCode)
	}
	if len(provider.instructions) != 0 {
		test.Fatalf("lost race must not reach the provider")
	}
}

func TestRequestRedemptionProviderRejectionCompensates(test *testing.T) {
	test.Parallel()
	store, _, provider, service := newRedemptionFixture(test, 10_000)
	provider.transferErr = errors.New("destination closed")
	affiliateID := mustAffiliateID(test, "aff-1")

	_, err := service.RequestRedemption(context.Background(), affiliateID, CurrencyUSD, 0, ClientToken{})
	if !errors.Is(err, ErrProviderTransfer) {
		test.Fatalf("expected ErrProviderTransfer, got %v", err)
	}
	counters, _ := store.GetCounters(context.Background(), affiliateID, CurrencyUSD)
	if counters.AvailableCents != 10_000 {
		test.Fatalf("compensation must restore the balance, got %d", counters.AvailableCents)
	}
	redemption := store.onlyRedemption(test)
	if redemption.Status != RedemptionStatusRejected {
		test.Fatalf("expected rejected redemption, got %s", redemption.Status)
	}
	if redemption.ReasonCode != ReasonProviderError {
		test.Fatalf("expected provider_error reason, got %s", redemption.ReasonCode)
	}
}

func TestRequestRedemptionAmbiguousOutcomeParksRedemption(test *testing.T) {
	test.Parallel()
	store, _, provider, service := newRedemptionFixture(test, 10_000)
	provider.transferErr = fmt.Errorf("%w: connection reset", ErrTransferOutcomeUnknown)
	affiliateID := mustAffiliateID(test, "aff-1")

	_, err := service.RequestRedemption(context.Background(), affiliateID, CurrencyUSD, 0, ClientToken{})
	if !errors.Is(err, ErrTransferOutcomeUnknown) {
		test.Fatalf("expected ErrTransferOutcomeUnknown, got %v", err)
	}
	counters, _ := store.GetCounters(context.Background(), affiliateID, CurrencyUSD)
	if counters.AvailableCents != 0 {
		test.Fatalf("ambiguous outcome must not re-credit, got %d", counters.AvailableCents)
	}
	redemption := store.onlyRedemption(test)
	if redemption.Status != RedemptionStatusProcessing {
		test.Fatalf("expected parked processing redemption, got %s", redemption.Status)
	}
	if redemption.ReasonCode != ReasonNeedsReview {
		test.Fatalf("expected needs_review flag, got %s", redemption.ReasonCode)
	}
}

func TestRequestRedemptionDeterministicTransferKey(test *testing.T) {
	test.Parallel()
	_, _, provider, service := newRedemptionFixture(test, 10_000)

	_, err := service.RequestRedemption(context.Background(), mustAffiliateID(test, "aff-1"), CurrencyUSD, 6_000, NewClientToken("retry-42"))
	if err != nil {
		test.Fatalf("redeem: %v", err)
	}
	if len(provider.keys) != 1 {
		test.Fatalf("expected 1 transfer call, got %d", len(provider.keys))
	}
	expected := "redeem:aff-1:USD:6000:retry-42"
	if provider.keys[0].String() != expected {
		test.Fatalf("expected key %q, got %q", expected, provider.keys[0])
	}
}

func TestRequestRedemptionNegativeAmount(test *testing.T) {
	test.Parallel()
	_, _, _, service := newRedemptionFixture(test, 10_000)

	_, err := service.RequestRedemption(context.Background(), mustAffiliateID(test, "aff-1"), CurrencyUSD, -1, ClientToken{})
	if !errors.Is(err, ErrInvalidAmountCents) {
		test.Fatalf("expected ErrInvalidAmountCents, got %v", err)
	}
}
