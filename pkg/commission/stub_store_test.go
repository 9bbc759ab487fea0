package commission

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type counterKey struct {
	affiliateID string
	currency    Currency
}

// stubStore is an in-memory Store with the same conditional-transition
// semantics as the real implementations.
type stubStore struct {
	affiliates  map[string]Affiliate
	entries     []*CommissionEntry
	redemptions map[string]*Redemption
	counters    map[counterKey]*Counters
	debtByEntry map[string]int64

	insertErr    error
	decrementErr error
	consumeErr   error
	creditErr    error
	staleDue     []CommissionEntry
	rebuildCalls int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		affiliates:  make(map[string]Affiliate),
		redemptions: make(map[string]*Redemption),
		counters:    make(map[counterKey]*Counters),
		debtByEntry: make(map[string]int64),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateAffiliate(_ context.Context, affiliateID AffiliateID) (Affiliate, error) {
	if affiliate, ok := store.affiliates[affiliateID.String()]; ok {
		return affiliate, nil
	}
	affiliate := Affiliate{AffiliateID: affiliateID.String()}
	store.affiliates[affiliateID.String()] = affiliate
	return affiliate, nil
}

func (store *stubStore) InsertCommissionEntry(_ context.Context, entry CommissionEntry) error {
	if store.insertErr != nil {
		return store.insertErr
	}
	for _, existing := range store.entries {
		if existing.SourceInvoiceID == entry.SourceInvoiceID {
			return ErrDuplicateInvoice
		}
	}
	stored := entry
	store.entries = append(store.entries, &stored)
	return nil
}

func (store *stubStore) GetCommissionEntryByInvoice(_ context.Context, invoiceID InvoiceID) (CommissionEntry, error) {
	for _, entry := range store.entries {
		if entry.SourceInvoiceID == invoiceID.String() {
			return *entry, nil
		}
	}
	return CommissionEntry{}, ErrUnknownInvoice
}

func (store *stubStore) UpdateEntryStatus(_ context.Context, entryID string, from, to EntryStatus, reason string) error {
	for _, entry := range store.entries {
		if entry.EntryID != entryID {
			continue
		}
		if entry.Status != from {
			return ErrEntryTransitioned
		}
		entry.Status = to
		if reason != "" {
			entry.ReversedReason = reason
		}
		return nil
	}
	return ErrEntryTransitioned
}

func (store *stubStore) ListDueEntries(_ context.Context, nowUnixUTC int64, limit int) ([]CommissionEntry, error) {
	if store.staleDue != nil {
		return store.staleDue, nil
	}
	var due []CommissionEntry
	for _, entry := range store.entries {
		if entry.Status == EntryStatusPending && entry.MaturesAtUnixUTC <= nowUnixUTC {
			due = append(due, *entry)
		}
		if limit > 0 && len(due) == limit {
			break
		}
	}
	return due, nil
}

func (store *stubStore) ConsumeAvailableEntries(_ context.Context, affiliateID AffiliateID, currency Currency, amount AmountCents) error {
	if store.consumeErr != nil {
		return store.consumeErr
	}
	consumed := int64(0)
	for _, entry := range store.entries {
		if consumed >= amount.Int64() {
			break
		}
		if entry.AffiliateID != affiliateID.String() || entry.Currency != currency || entry.Status != EntryStatusAvailable {
			continue
		}
		entry.Status = EntryStatusPaid
		consumed += entry.AmountCents.Int64()
	}
	return nil
}

func (store *stubStore) AddAvailable(_ context.Context, affiliateID AffiliateID, currency Currency, amount AmountCents) error {
	if store.creditErr != nil {
		return store.creditErr
	}
	store.mutableCounters(affiliateID, currency).AvailableCents += amount
	return nil
}

func (store *stubStore) DecrementAvailable(_ context.Context, affiliateID AffiliateID, currency Currency, amount AmountCents) error {
	if store.decrementErr != nil {
		return store.decrementErr
	}
	counters := store.mutableCounters(affiliateID, currency)
	if counters.AvailableCents < amount {
		return ErrRaceLost
	}
	counters.AvailableCents -= amount
	return nil
}

func (store *stubStore) DebitAvailableClamped(_ context.Context, affiliateID AffiliateID, currency Currency, amount AmountCents) (AmountCents, error) {
	counters := store.mutableCounters(affiliateID, currency)
	debited := min(counters.AvailableCents, amount)
	counters.AvailableCents -= debited
	return debited, nil
}

func (store *stubStore) AddDebt(_ context.Context, affiliateID AffiliateID, currency Currency, amount AmountCents, sourceEntryID string) error {
	store.mutableCounters(affiliateID, currency).DebtCents += amount
	store.debtByEntry[sourceEntryID] += amount.Int64()
	return nil
}

func (store *stubStore) GetCounters(_ context.Context, affiliateID AffiliateID, currency Currency) (Counters, error) {
	if counters, ok := store.counters[counterKey{affiliateID.String(), currency}]; ok {
		return *counters, nil
	}
	return Counters{}, nil
}

func (store *stubStore) AllCounters(_ context.Context, affiliateID AffiliateID) (map[Currency]Counters, error) {
	all := make(map[Currency]Counters)
	for key, counters := range store.counters {
		if key.affiliateID == affiliateID.String() {
			all[key.currency] = *counters
		}
	}
	return all, nil
}

func (store *stubStore) PendingByCurrency(_ context.Context, affiliateID AffiliateID) (map[Currency]PendingTotal, error) {
	totals := make(map[Currency]PendingTotal)
	for _, entry := range store.entries {
		if entry.AffiliateID != affiliateID.String() || entry.Status != EntryStatusPending {
			continue
		}
		total := totals[entry.Currency]
		total.PendingCents += entry.AmountCents
		if total.NextMatureAtUnixUTC == 0 || entry.MaturesAtUnixUTC < total.NextMatureAtUnixUTC {
			total.NextMatureAtUnixUTC = entry.MaturesAtUnixUTC
		}
		totals[entry.Currency] = total
	}
	return totals, nil
}

func (store *stubStore) CreateRedemption(_ context.Context, redemption Redemption) error {
	stored := redemption
	store.redemptions[redemption.RedemptionID] = &stored
	return nil
}

func (store *stubStore) UpdateRedemptionStatus(_ context.Context, redemptionID string, from, to RedemptionStatus, transferID string, reason ReasonCode) error {
	redemption, ok := store.redemptions[redemptionID]
	if !ok || redemption.Status != from {
		return ErrRedemptionClosed
	}
	redemption.Status = to
	if transferID != "" {
		redemption.ProviderTransferID = transferID
	}
	if reason != "" {
		redemption.ReasonCode = reason
	}
	return nil
}

func (store *stubStore) FlagRedemption(_ context.Context, redemptionID string, reason ReasonCode) error {
	redemption, ok := store.redemptions[redemptionID]
	if !ok {
		return ErrUnknownRedemption
	}
	redemption.ReasonCode = reason
	return nil
}

func (store *stubStore) ListHistory(_ context.Context, affiliateID AffiliateID, beforeUnixUTC int64, limit int) ([]HistoryItem, error) {
	var items []HistoryItem
	for _, entry := range store.entries {
		if entry.AffiliateID != affiliateID.String() || entry.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		items = append(items, HistoryItem{
			Kind:           HistoryKindCommission,
			ID:             entry.EntryID,
			Currency:       entry.Currency,
			AmountCents:    entry.AmountCents,
			Status:         entry.Status.String(),
			ReasonCode:     entry.ReversedReason,
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	for _, redemption := range store.redemptions {
		if redemption.AffiliateID != affiliateID.String() || redemption.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		items = append(items, HistoryItem{
			Kind:           HistoryKindRedemption,
			ID:             redemption.RedemptionID,
			Currency:       redemption.Currency,
			AmountCents:    redemption.AmountCents,
			Status:         redemption.Status.String(),
			ReasonCode:     redemption.ReasonCode.String(),
			CreatedUnixUTC: redemption.CreatedUnixUTC,
		})
	}
	sort.SliceStable(items, func(left, right int) bool {
		return items[left].CreatedUnixUTC > items[right].CreatedUnixUTC
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (store *stubStore) RebuildCounters(_ context.Context, _ AffiliateID) error {
	store.rebuildCalls++
	return nil
}

func (store *stubStore) mutableCounters(affiliateID AffiliateID, currency Currency) *Counters {
	key := counterKey{affiliateID.String(), currency}
	if counters, ok := store.counters[key]; ok {
		return counters
	}
	counters := &Counters{}
	store.counters[key] = counters
	return counters
}

func (store *stubStore) mustRedemption(test *testing.T, redemptionID string) Redemption {
	test.Helper()
	redemption, ok := store.redemptions[redemptionID]
	if !ok {
		test.Fatalf("redemption %s not found", redemptionID)
	}
	return *redemption
}

func (store *stubStore) onlyRedemption(test *testing.T) Redemption {
	test.Helper()
	if len(store.redemptions) != 1 {
		test.Fatalf("expected 1 redemption, got %d", len(store.redemptions))
	}
	for _, redemption := range store.redemptions {
		return *redemption
	}
	return Redemption{}
}

// stubLocker hands out non-queuing locks and records releases.
type stubLocker struct {
	acquireErr error
	held       bool
	releases   int
}

func (locker *stubLocker) Acquire(_ context.Context, _ AffiliateID, _ Currency) (Unlock, error) {
	if locker.acquireErr != nil {
		return nil, locker.acquireErr
	}
	if locker.held {
		return nil, ErrAlreadyProcessing
	}
	locker.held = true
	return func(context.Context) error {
		locker.held = false
		locker.releases++
		return nil
	}, nil
}

// stubProvider records transfer calls and returns configured outcomes.
type stubProvider struct {
	accountStatus AccountStatus
	statusErr     error
	transfer      Transfer
	transferErr   error
	instructions  []TransferInstruction
	keys          []IdempotencyKey
}

func (provider *stubProvider) GetAccountStatus(_ context.Context, _ string) (AccountStatus, error) {
	if provider.statusErr != nil {
		return AccountStatus{}, provider.statusErr
	}
	return provider.accountStatus, nil
}

func (provider *stubProvider) CreateTransfer(_ context.Context, instruction TransferInstruction, idempotencyKey IdempotencyKey) (Transfer, error) {
	provider.instructions = append(provider.instructions, instruction)
	provider.keys = append(provider.keys, idempotencyKey)
	if provider.transferErr != nil {
		return Transfer{}, provider.transferErr
	}
	return provider.transfer, nil
}

func mustAffiliateID(test *testing.T, raw string) AffiliateID {
	test.Helper()
	affiliateID, err := NewAffiliateID(raw)
	if err != nil {
		test.Fatalf("affiliate id %q: %v", raw, err)
	}
	return affiliateID
}

func mustInvoiceID(test *testing.T, raw string) InvoiceID {
	test.Helper()
	invoiceID, err := NewInvoiceID(raw)
	if err != nil {
		test.Fatalf("invoice id %q: %v", raw, err)
	}
	return invoiceID
}

func mustAmountCents(test *testing.T, raw int64) AmountCents {
	test.Helper()
	amount, err := NewAmountCents(raw)
	if err != nil {
		test.Fatalf("amount %d: %v", raw, err)
	}
	return amount
}

func mustRate(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("rate %q: %v", raw, err)
	}
	return rate
}

func testPolicy(test *testing.T) Policy {
	test.Helper()
	return Policy{
		CommissionRate: mustRate(test, "0.5"),
		HoldingWindow:  7 * 24 * time.Hour,
		MinRedeemCents: map[Currency]AmountCents{
			CurrencyBRL: 5000,
			CurrencyUSD: 5000,
			CurrencyEUR: 5000,
			CurrencyGBP: 5000,
		},
	}
}

func mustNewService(test *testing.T, store Store, locker Locker, provider PayoutProvider, now int64) *Service {
	test.Helper()
	service, err := NewService(store, locker, provider, testPolicy(test), func() int64 { return now })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}
