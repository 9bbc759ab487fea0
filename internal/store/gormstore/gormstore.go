package gormstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/MarkoPoloResearchLab/commission/pkg/commission"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintSourceInvoice = "uniq_commission_source_invoice"
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	clampRetryAttempts      = 3
	errorOperationStore     = "store"
	errorSubjectAffiliate   = "affiliate"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectRedemption  = "redemption"
	errorSubjectHistory     = "history"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdateStatus   = "update_status"
	errorCodeIncrement      = "increment"
	errorCodeDecrement      = "decrement"
	errorCodeRebuild        = "rebuild"
)

// Store implements commission.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore commission.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAffiliate(ctx context.Context, affiliateID commission.AffiliateID) (commission.Affiliate, error) {
	var affiliate Affiliate
	err := store.db.WithContext(ctx).
		Where(Affiliate{AffiliateID: affiliateID.String()}).
		Attrs(Affiliate{CreatedAt: time.Now().UTC()}).
		FirstOrCreate(&affiliate).Error
	if err != nil {
		return commission.Affiliate{}, wrapStoreError(errorSubjectAffiliate, errorCodeLookup, err)
	}
	return commission.Affiliate{
		AffiliateID:     affiliate.AffiliateID,
		PayoutAccountID: affiliate.PayoutAccountID,
		CreatedUnixUTC:  affiliate.CreatedAt.Unix(),
	}, nil
}

// SetPayoutAccount attaches the provider payout destination to an affiliate.
func (store *Store) SetPayoutAccount(ctx context.Context, affiliateID commission.AffiliateID, payoutAccountID string) error {
	result := store.db.WithContext(ctx).
		Model(&Affiliate{}).
		Where("affiliate_id = ?", affiliateID.String()).
		Update("payout_account_id", payoutAccountID)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAffiliate, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAffiliate, errorCodeUpdateStatus, commission.ErrUnknownAffiliate)
	}
	return nil
}

func (store *Store) InsertCommissionEntry(ctx context.Context, entry commission.CommissionEntry) error {
	model := CommissionEntry{
		EntryID:              entry.EntryID,
		AffiliateID:          entry.AffiliateID,
		Currency:             entry.Currency.String(),
		AmountCents:          entry.AmountCents.Int64(),
		Status:               entry.Status.String(),
		SourceInvoiceID:      entry.SourceInvoiceID,
		SourceSubscriptionID: entry.SourceSubscriptionID,
		ReversedReason:       entry.ReversedReason,
		Metadata:             metadataJSON(entry.MetadataJSON),
		MaturesAt:            time.Unix(entry.MaturesAtUnixUTC, 0).UTC(),
		CreatedAt:            time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintSourceInvoice) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, commission.ErrDuplicateInvoice)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetCommissionEntryByInvoice(ctx context.Context, invoiceID commission.InvoiceID) (commission.CommissionEntry, error) {
	var model CommissionEntry
	err := store.db.WithContext(ctx).
		Where("source_invoice_id = ?", invoiceID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return commission.CommissionEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, commission.ErrUnknownInvoice)
		}
		return commission.CommissionEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapCommissionEntry(model)
	if err != nil {
		return commission.CommissionEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) UpdateEntryStatus(ctx context.Context, entryID string, from, to commission.EntryStatus, reason string) error {
	updates := map[string]interface{}{"status": to.String()}
	if to == commission.EntryStatusAvailable {
		updates["matured_at"] = time.Now().UTC()
	}
	if reason != "" {
		updates["reversed_reason"] = reason
	}
	result := store.db.WithContext(ctx).
		Model(&CommissionEntry{}).
		Where("entry_id = ? AND status = ?", entryID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, commission.ErrEntryTransitioned)
	}
	return nil
}

func (store *Store) ListDueEntries(ctx context.Context, nowUnixUTC int64, limit int) ([]commission.CommissionEntry, error) {
	var rows []CommissionEntry
	err := store.db.WithContext(ctx).
		Where("status = ? AND matures_at <= ?", commission.EntryStatusPending.String(), time.Unix(nowUnixUTC, 0).UTC()).
		Order("matures_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]commission.CommissionEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapCommissionEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) ConsumeAvailableEntries(ctx context.Context, affiliateID commission.AffiliateID, currency commission.Currency, amount commission.AmountCents) error {
	var rows []CommissionEntry
	err := store.db.WithContext(ctx).
		Where("affiliate_id = ? AND currency = ? AND status = ?", affiliateID.String(), currency.String(), commission.EntryStatusAvailable.String()).
		Order("created_at ASC, entry_id ASC").
		Find(&rows).Error
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	consumed := int64(0)
	for _, row := range rows {
		if consumed >= amount.Int64() {
			break
		}
		result := store.db.WithContext(ctx).
			Model(&CommissionEntry{}).
			Where("entry_id = ? AND status = ?", row.EntryID, commission.EntryStatusAvailable.String()).
			Update("status", commission.EntryStatusPaid.String())
		if result.Error != nil {
			return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, result.Error)
		}
		if result.RowsAffected == 0 {
			continue
		}
		consumed += row.AmountCents
	}
	return nil
}

func (store *Store) AddAvailable(ctx context.Context, affiliateID commission.AffiliateID, currency commission.Currency, amount commission.AmountCents) error {
	row := AffiliateBalance{
		AffiliateID:    affiliateID.String(),
		Currency:       currency.String(),
		AvailableCents: amount.Int64(),
		UpdatedAt:      time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "affiliate_id"}, {Name: "currency"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"available_cents": gorm.Expr("affiliate_balances.available_cents + excluded.available_cents"),
				"updated_at":      row.UpdatedAt,
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeIncrement, err)
	}
	return nil
}

func (store *Store) DecrementAvailable(ctx context.Context, affiliateID commission.AffiliateID, currency commission.Currency, amount commission.AmountCents) error {
	result := store.db.WithContext(ctx).
		Model(&AffiliateBalance{}).
		Where("affiliate_id = ? AND currency = ? AND available_cents >= ?", affiliateID.String(), currency.String(), amount.Int64()).
		Updates(map[string]interface{}{
			"available_cents": gorm.Expr("available_cents - ?", amount.Int64()),
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeDecrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeDecrement, commission.ErrRaceLost)
	}
	return nil
}

func (store *Store) DebitAvailableClamped(ctx context.Context, affiliateID commission.AffiliateID, currency commission.Currency, amount commission.AmountCents) (commission.AmountCents, error) {
	for attempt := 0; attempt < clampRetryAttempts; attempt++ {
		var row AffiliateBalance
		err := store.db.WithContext(ctx).
			Where("affiliate_id = ? AND currency = ?", affiliateID.String(), currency.String()).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
		}
		debit := min(row.AvailableCents, amount.Int64())
		if debit <= 0 {
			return 0, nil
		}
		result := store.db.WithContext(ctx).
			Model(&AffiliateBalance{}).
			Where("affiliate_id = ? AND currency = ? AND available_cents >= ?", affiliateID.String(), currency.String(), debit).
			Updates(map[string]interface{}{
				"available_cents": gorm.Expr("available_cents - ?", debit),
				"updated_at":      time.Now().UTC(),
			})
		if result.Error != nil {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, result.Error)
		}
		if result.RowsAffected > 0 {
			return commission.AmountCents(debit), nil
		}
	}
	return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, commission.ErrRaceLost)
}

func (store *Store) AddDebt(ctx context.Context, affiliateID commission.AffiliateID, currency commission.Currency, amount commission.AmountCents, sourceEntryID string) error {
	booking := DebtBooking{
		AffiliateID:   affiliateID.String(),
		Currency:      currency.String(),
		AmountCents:   amount.Int64(),
		SourceEntryID: sourceEntryID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&booking).Error; err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	row := AffiliateBalance{
		AffiliateID: affiliateID.String(),
		Currency:    currency.String(),
		DebtCents:   amount.Int64(),
		UpdatedAt:   time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "affiliate_id"}, {Name: "currency"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"debt_cents": gorm.Expr("affiliate_balances.debt_cents + excluded.debt_cents"),
				"updated_at": row.UpdatedAt,
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeIncrement, err)
	}
	return nil
}

func (store *Store) GetCounters(ctx context.Context, affiliateID commission.AffiliateID, currency commission.Currency) (commission.Counters, error) {
	var row AffiliateBalance
	err := store.db.WithContext(ctx).
		Where("affiliate_id = ? AND currency = ?", affiliateID.String(), currency.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return commission.Counters{}, nil
	}
	if err != nil {
		return commission.Counters{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return commission.Counters{
		AvailableCents: commission.AmountCents(row.AvailableCents),
		DebtCents:      commission.AmountCents(row.DebtCents),
	}, nil
}

func (store *Store) AllCounters(ctx context.Context, affiliateID commission.AffiliateID) (map[commission.Currency]commission.Counters, error) {
	var rows []AffiliateBalance
	err := store.db.WithContext(ctx).
		Where("affiliate_id = ?", affiliateID.String()).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	counters := make(map[commission.Currency]commission.Counters, len(rows))
	for _, row := range rows {
		currency, err := commission.ParseCurrency(row.Currency)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		counters[currency] = commission.Counters{
			AvailableCents: commission.AmountCents(row.AvailableCents),
			DebtCents:      commission.AmountCents(row.DebtCents),
		}
	}
	return counters, nil
}

func (store *Store) PendingByCurrency(ctx context.Context, affiliateID commission.AffiliateID) (map[commission.Currency]commission.PendingTotal, error) {
	var rows []pendingRow
	err := store.db.WithContext(ctx).
		Model(&CommissionEntry{}).
		Select("currency, coalesce(sum(amount_cents),0) as total, min(matures_at) as next_mature_at").
		Where("affiliate_id = ? AND status = ?", affiliateID.String(), commission.EntryStatusPending.String()).
		Group("currency").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	totals := make(map[commission.Currency]commission.PendingTotal, len(rows))
	for _, row := range rows {
		currency, err := commission.ParseCurrency(row.Currency)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		totals[currency] = commission.PendingTotal{
			PendingCents:        commission.AmountCents(row.Total),
			NextMatureAtUnixUTC: timeOrZero(row.NextMatureAt),
		}
	}
	return totals, nil
}

func (store *Store) CreateRedemption(ctx context.Context, redemption commission.Redemption) error {
	model := Redemption{
		RedemptionID:       redemption.RedemptionID,
		AffiliateID:        redemption.AffiliateID,
		Currency:           redemption.Currency.String(),
		AmountCents:        redemption.AmountCents.Int64(),
		Status:             redemption.Status.String(),
		ProviderTransferID: redemption.ProviderTransferID,
		ReasonCode:         redemption.ReasonCode.String(),
		CreatedAt:          time.Unix(redemption.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectRedemption, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateRedemptionStatus(ctx context.Context, redemptionID string, from, to commission.RedemptionStatus, transferID string, reason commission.ReasonCode) error {
	updates := map[string]interface{}{"status": to.String()}
	if transferID != "" {
		updates["provider_transfer_id"] = transferID
	}
	if reason != "" {
		updates["reason_code"] = reason.String()
	}
	result := store.db.WithContext(ctx).
		Model(&Redemption{}).
		Where("redemption_id = ? AND status = ?", redemptionID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectRedemption, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRedemption, errorCodeUpdateStatus, commission.ErrRedemptionClosed)
	}
	return nil
}

func (store *Store) FlagRedemption(ctx context.Context, redemptionID string, reason commission.ReasonCode) error {
	result := store.db.WithContext(ctx).
		Model(&Redemption{}).
		Where("redemption_id = ?", redemptionID).
		Update("reason_code", reason.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectRedemption, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRedemption, errorCodeUpdateStatus, commission.ErrUnknownRedemption)
	}
	return nil
}

func (store *Store) ListHistory(ctx context.Context, affiliateID commission.AffiliateID, beforeUnixUTC int64, limit int) ([]commission.HistoryItem, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var entryRows []CommissionEntry
	err := store.db.WithContext(ctx).
		Where("affiliate_id = ? AND created_at < ?", affiliateID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&entryRows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectHistory, errorCodeList, err)
	}
	var redemptionRows []Redemption
	err = store.db.WithContext(ctx).
		Where("affiliate_id = ? AND created_at < ?", affiliateID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&redemptionRows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectHistory, errorCodeList, err)
	}

	items := make([]commission.HistoryItem, 0, len(entryRows)+len(redemptionRows))
	for _, row := range entryRows {
		currency, err := commission.ParseCurrency(row.Currency)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHistory, errorCodeInvalid, err)
		}
		items = append(items, commission.HistoryItem{
			Kind:           commission.HistoryKindCommission,
			ID:             row.EntryID,
			Currency:       currency,
			AmountCents:    commission.AmountCents(row.AmountCents),
			Status:         row.Status,
			ReasonCode:     row.ReversedReason,
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	for _, row := range redemptionRows {
		currency, err := commission.ParseCurrency(row.Currency)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHistory, errorCodeInvalid, err)
		}
		items = append(items, commission.HistoryItem{
			Kind:           commission.HistoryKindRedemption,
			ID:             row.RedemptionID,
			Currency:       currency,
			AmountCents:    commission.AmountCents(row.AmountCents),
			Status:         row.Status,
			ReasonCode:     row.ReasonCode,
			CreatedUnixUTC: row.CreatedAt.Unix(),
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

// RebuildCounters replays the commission log and redemptions into fresh
// balance counters. Redemptions in processing still hold their decrement, so
// they count as debits alongside paid ones.
func (store *Store) RebuildCounters(ctx context.Context, affiliateID commission.AffiliateID) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore commission.Store) error {
		transaction := txStore.(*Store).db.WithContext(ctx)

		var entries []CommissionEntry
		if err := transaction.Where("affiliate_id = ?", affiliateID.String()).Find(&entries).Error; err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeRebuild, err)
		}
		var redemptions []Redemption
		if err := transaction.Where("affiliate_id = ?", affiliateID.String()).Find(&redemptions).Error; err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeRebuild, err)
		}
		var bookings []DebtBooking
		if err := transaction.Where("affiliate_id = ?", affiliateID.String()).Find(&bookings).Error; err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeRebuild, err)
		}

		debtByEntry := make(map[string]int64, len(bookings))
		debt := make(map[string]int64)
		for _, booking := range bookings {
			debtByEntry[booking.SourceEntryID] += booking.AmountCents
			debt[booking.Currency] += booking.AmountCents
		}

		available := make(map[string]int64)
		for _, entry := range entries {
			if entry.MaturedAt == nil {
				continue
			}
			available[entry.Currency] += entry.AmountCents
			if entry.Status == commission.EntryStatusReversed.String() {
				// The reversal debited whatever was recoverable; the
				// booked shortfall went to debt instead.
				available[entry.Currency] -= entry.AmountCents - debtByEntry[entry.EntryID]
			}
		}
		for _, redemption := range redemptions {
			if redemption.Status == commission.RedemptionStatusRejected.String() {
				continue
			}
			available[redemption.Currency] -= redemption.AmountCents
		}

		currencies := make(map[string]struct{}, len(available)+len(debt))
		for currency := range available {
			currencies[currency] = struct{}{}
		}
		for currency := range debt {
			currencies[currency] = struct{}{}
		}
		for currency := range currencies {
			row := AffiliateBalance{
				AffiliateID:    affiliateID.String(),
				Currency:       currency,
				AvailableCents: max(available[currency], 0),
				DebtCents:      debt[currency],
				UpdatedAt:      time.Now().UTC(),
			}
			err := transaction.
				Clauses(clause.OnConflict{
					Columns: []clause.Column{{Name: "affiliate_id"}, {Name: "currency"}},
					DoUpdates: clause.Assignments(map[string]interface{}{
						"available_cents": row.AvailableCents,
						"debt_cents":      row.DebtCents,
						"updated_at":      row.UpdatedAt,
					}),
				}).
				Create(&row).Error
			if err != nil {
				return wrapStoreError(errorSubjectBalance, errorCodeRebuild, err)
			}
		}
		return nil
	})
}

func wrapStoreError(subject string, code string, err error) error {
	return commission.WrapError(errorOperationStore, subject, code, err)
}

type pendingRow struct {
	Currency     string
	Total        int64
	NextMatureAt *time.Time
}

func mapCommissionEntry(row CommissionEntry) (commission.CommissionEntry, error) {
	currency, err := commission.ParseCurrency(row.Currency)
	if err != nil {
		return commission.CommissionEntry{}, err
	}
	status, err := commission.ParseEntryStatus(row.Status)
	if err != nil {
		return commission.CommissionEntry{}, err
	}
	amount, err := commission.NewAmountCents(row.AmountCents)
	if err != nil {
		return commission.CommissionEntry{}, err
	}
	return commission.CommissionEntry{
		EntryID:              row.EntryID,
		AffiliateID:          row.AffiliateID,
		Currency:             currency,
		AmountCents:          amount,
		Status:               status,
		SourceInvoiceID:      row.SourceInvoiceID,
		SourceSubscriptionID: row.SourceSubscriptionID,
		ReversedReason:       row.ReversedReason,
		MetadataJSON:         string(row.Metadata),
		MaturesAtUnixUTC:     row.MaturesAt.Unix(),
		MaturedAtUnixUTC:     timeOrZero(row.MaturedAt),
		CreatedUnixUTC:       row.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func metadataJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
