package commission

import (
	"context"
	"sort"
)

// Summary returns the per-currency balance view: available and debt
// counters, not-yet-matured totals, the next maturation time, and the
// configured redemption floor. Currencies with no activity are omitted.
func (service *Service) Summary(ctx context.Context, affiliateID AffiliateID) ([]CurrencySummary, error) {
	counters, err := service.store.AllCounters(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	pending, err := service.store.PendingByCurrency(ctx, affiliateID)
	if err != nil {
		return nil, err
	}

	seen := make(map[Currency]struct{}, len(counters)+len(pending))
	for currency := range counters {
		seen[currency] = struct{}{}
	}
	for currency := range pending {
		seen[currency] = struct{}{}
	}

	summaries := make([]CurrencySummary, 0, len(seen))
	for currency := range seen {
		summary := CurrencySummary{
			Currency:       currency,
			MinRedeemCents: service.policy.MinimumFor(currency),
		}
		if row, ok := counters[currency]; ok {
			summary.AvailableCents = row.AvailableCents
			summary.DebtCents = row.DebtCents
		}
		if row, ok := pending[currency]; ok {
			summary.PendingCents = row.PendingCents
			summary.NextMatureAtUnixUTC = row.NextMatureAtUnixUTC
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(left, right int) bool {
		return summaries[left].Currency < summaries[right].Currency
	})
	return summaries, nil
}

// History lists the merged commission/redemption feed for an affiliate,
// newest first, before a cutoff time.
func (service *Service) History(ctx context.Context, affiliateID AffiliateID, beforeUnixUTC int64, limit int) ([]HistoryItem, error) {
	return service.store.ListHistory(ctx, affiliateID, beforeUnixUTC, limit)
}

// RepairCounters rebuilds the balance counters for one affiliate from the
// commission log. Counters are a projection; the log is the source of truth.
func (service *Service) RepairCounters(ctx context.Context, affiliateID AffiliateID) error {
	return service.store.RebuildCounters(ctx, affiliateID)
}
