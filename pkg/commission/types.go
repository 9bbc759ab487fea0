package commission

import (
	"context"
	"fmt"
	"strings"
)

// AmountCents is an integer currency amount in cents.
type AmountCents int64

// AffiliateID identifies a referral affiliate account.
type AffiliateID struct {
	value string
}

// InvoiceID identifies the billing invoice a commission accrued from.
// It scopes duplicate detection for accrual.
type InvoiceID struct {
	value string
}

// ClientToken is the caller-supplied retry token for a redemption request.
// The zero value is valid and means "derive from the redemption id".
type ClientToken struct {
	value string
}

// IdempotencyKey is the deterministic token sent with a provider transfer.
type IdempotencyKey struct {
	value string
}

// Currency is a validated, exhaustive settlement currency code.
type Currency string

const (
	CurrencyBRL Currency = "BRL"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
)

// Currencies lists every supported settlement currency.
func Currencies() []Currency {
	return []Currency{CurrencyBRL, CurrencyUSD, CurrencyEUR, CurrencyGBP}
}

// ParseCurrency validates and normalizes a currency code.
func ParseCurrency(raw string) (Currency, error) {
	normalized := Currency(strings.ToUpper(strings.TrimSpace(raw)))
	for _, currency := range Currencies() {
		if normalized == currency {
			return currency, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
}

// String returns the currency code.
func (currency Currency) String() string {
	return string(currency)
}

// EntryStatus defines the commission entry lifecycle.
type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusAvailable EntryStatus = "available"
	EntryStatusPaid      EntryStatus = "paid"
	EntryStatusCanceled  EntryStatus = "canceled"
	EntryStatusReversed  EntryStatus = "reversed"
)

// ParseEntryStatus validates a stored entry status.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	switch EntryStatus(raw) {
	case EntryStatusPending, EntryStatusAvailable, EntryStatusPaid, EntryStatusCanceled, EntryStatusReversed:
		return EntryStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
}

// String returns the status literal.
func (status EntryStatus) String() string {
	return string(status)
}

// RedemptionStatus defines the redemption lifecycle. Paid and rejected are terminal.
type RedemptionStatus string

const (
	RedemptionStatusProcessing RedemptionStatus = "processing"
	RedemptionStatusPaid       RedemptionStatus = "paid"
	RedemptionStatusRejected   RedemptionStatus = "rejected"
)

// ParseRedemptionStatus validates a stored redemption status.
func ParseRedemptionStatus(raw string) (RedemptionStatus, error) {
	switch RedemptionStatus(raw) {
	case RedemptionStatusProcessing, RedemptionStatusPaid, RedemptionStatusRejected:
		return RedemptionStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRedemptionStatus, raw)
}

// String returns the status literal.
func (status RedemptionStatus) String() string {
	return string(status)
}

// ReasonCode is the stable machine-readable outcome code surfaced to callers.
type ReasonCode string

const (
	ReasonNeedsOnboarding   ReasonCode = "needs_onboarding"
	ReasonNoFunds           ReasonCode = "no_funds"
	ReasonBelowMinimum      ReasonCode = "below_min"
	ReasonHasDebt           ReasonCode = "has_debt"
	ReasonCurrencyMismatch  ReasonCode = "currency_mismatch"
	ReasonAlreadyProcessing ReasonCode = "already_processing"
	ReasonRaceCondition     ReasonCode = "race_condition"
	ReasonProviderError     ReasonCode = "provider_error"
	ReasonNeedsReview       ReasonCode = "needs_review"
	ReasonInternalError     ReasonCode = "internal_error"
)

// String returns the code literal.
func (code ReasonCode) String() string {
	return string(code)
}

// NewAffiliateID validates and normalizes an affiliate id.
func NewAffiliateID(raw string) (AffiliateID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AffiliateID{}, fmt.Errorf("%w: empty value", ErrInvalidAffiliateID)
	}
	return AffiliateID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AffiliateID) String() string {
	return id.value
}

// NewInvoiceID validates and normalizes an invoice id.
func NewInvoiceID(raw string) (InvoiceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return InvoiceID{}, fmt.Errorf("%w: empty value", ErrInvalidInvoiceID)
	}
	return InvoiceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id InvoiceID) String() string {
	return id.value
}

// NewClientToken normalizes a client token. Empty input yields the zero token.
func NewClientToken(raw string) ClientToken {
	return ClientToken{value: strings.TrimSpace(raw)}
}

// IsZero reports whether the caller supplied no token.
func (token ClientToken) IsZero() bool {
	return token.value == ""
}

// String returns the normalized token.
func (token ClientToken) String() string {
	return token.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewAmountCents validates an amount and ensures it is strictly positive.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw cent amount.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// Affiliate is the stored affiliate account with its payout destination.
type Affiliate struct {
	AffiliateID     string
	PayoutAccountID string
	CreatedUnixUTC  int64
}

// CommissionEntry is one immutable affiliate earning event. Only its status
// and reversal reason follow the lifecycle transitions.
type CommissionEntry struct {
	EntryID              string
	AffiliateID          string
	Currency             Currency
	AmountCents          AmountCents
	Status               EntryStatus
	SourceInvoiceID      string
	SourceSubscriptionID string
	ReversedReason       string
	MetadataJSON         string
	MaturesAtUnixUTC     int64
	// MaturedAtUnixUTC records when the sweeper actually credited the
	// entry; zero for entries that never matured.
	MaturedAtUnixUTC int64
	CreatedUnixUTC   int64
}

// Redemption is one payout attempt against the available balance.
type Redemption struct {
	RedemptionID       string
	AffiliateID        string
	Currency           Currency
	AmountCents        AmountCents
	Status             RedemptionStatus
	ProviderTransferID string
	ReasonCode         ReasonCode
	CreatedUnixUTC     int64
}

// Counters is the materialized (affiliate, currency) balance projection.
// Both values are never negative.
type Counters struct {
	AvailableCents AmountCents
	DebtCents      AmountCents
}

// PendingTotal aggregates not-yet-matured entries for one currency.
type PendingTotal struct {
	PendingCents        AmountCents
	NextMatureAtUnixUTC int64
}

// CurrencySummary is the read-only per-currency view consumed by the UI.
type CurrencySummary struct {
	Currency            Currency
	AvailableCents      AmountCents
	PendingCents        AmountCents
	DebtCents           AmountCents
	NextMatureAtUnixUTC int64
	MinRedeemCents      AmountCents
}

// HistoryKind discriminates merged history records.
type HistoryKind string

const (
	HistoryKindCommission HistoryKind = "commission"
	HistoryKindRedemption HistoryKind = "redemption"
)

// HistoryItem is one row of the merged commission/redemption feed.
type HistoryItem struct {
	Kind           HistoryKind
	ID             string
	Currency       Currency
	AmountCents    AmountCents
	Status         string
	ReasonCode     string
	CreatedUnixUTC int64
}

// RedemptionReceipt is returned to the caller after a paid redemption.
type RedemptionReceipt struct {
	RedemptionID string
	TransferID   string
	Currency     Currency
	AmountCents  AmountCents
}

// PaymentConfirmed is the inbound billing event that accrues a commission.
type PaymentConfirmed struct {
	SourceInvoiceID  InvoiceID
	SubscriptionID   string
	AffiliateID      AffiliateID
	GrossAmountCents AmountCents
	Currency         Currency
	IsFirstPayment   bool
}

// Store is the persistence contract used by Service. Balance counters are a
// rebuildable projection of the entry log; every counter write goes through
// the conditional primitives below.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAffiliate(ctx context.Context, affiliateID AffiliateID) (Affiliate, error)
	InsertCommissionEntry(ctx context.Context, entry CommissionEntry) error
	GetCommissionEntryByInvoice(ctx context.Context, invoiceID InvoiceID) (CommissionEntry, error)
	// UpdateEntryStatus transitions entryID from one status to another and
	// fails with ErrEntryTransitioned when the entry is no longer in `from`.
	UpdateEntryStatus(ctx context.Context, entryID string, from, to EntryStatus, reason string) error
	ListDueEntries(ctx context.Context, nowUnixUTC int64, limit int) ([]CommissionEntry, error)
	// ConsumeAvailableEntries marks oldest available entries paid until the
	// consumed total covers amount.
	ConsumeAvailableEntries(ctx context.Context, affiliateID AffiliateID, currency Currency, amount AmountCents) error
	AddAvailable(ctx context.Context, affiliateID AffiliateID, currency Currency, amount AmountCents) error
	// DecrementAvailable subtracts amount only while available >= amount and
	// fails with ErrRaceLost when the guard rejects the write.
	DecrementAvailable(ctx context.Context, affiliateID AffiliateID, currency Currency, amount AmountCents) error
	// DebitAvailableClamped subtracts up to amount, clamping at zero, and
	// returns the amount actually debited.
	DebitAvailableClamped(ctx context.Context, affiliateID AffiliateID, currency Currency, amount AmountCents) (AmountCents, error)
	// AddDebt books a debt against the counters, linked to the reversed
	// entry so the counters stay rebuildable from the log.
	AddDebt(ctx context.Context, affiliateID AffiliateID, currency Currency, amount AmountCents, sourceEntryID string) error
	GetCounters(ctx context.Context, affiliateID AffiliateID, currency Currency) (Counters, error)
	AllCounters(ctx context.Context, affiliateID AffiliateID) (map[Currency]Counters, error)
	PendingByCurrency(ctx context.Context, affiliateID AffiliateID) (map[Currency]PendingTotal, error)
	CreateRedemption(ctx context.Context, redemption Redemption) error
	// UpdateRedemptionStatus transitions a redemption and fails with
	// ErrRedemptionClosed when it is no longer in `from`.
	UpdateRedemptionStatus(ctx context.Context, redemptionID string, from, to RedemptionStatus, transferID string, reason ReasonCode) error
	// FlagRedemption records a reason code without changing status, used to
	// park a redemption for manual reconciliation.
	FlagRedemption(ctx context.Context, redemptionID string, reason ReasonCode) error
	ListHistory(ctx context.Context, affiliateID AffiliateID, beforeUnixUTC int64, limit int) ([]HistoryItem, error)
	// RebuildCounters replays the commission log and paid redemptions into
	// fresh balance counters for one affiliate.
	RebuildCounters(ctx context.Context, affiliateID AffiliateID) error
}
