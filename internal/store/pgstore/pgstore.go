package pgstore

import (
	"context"
	"errors"
	"sort"

	"github.com/MarkoPoloResearchLab/commission/pkg/commission"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintSourceInvoice = "uniq_commission_source_invoice"
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectAffiliate   = "affiliate"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectRedemption  = "redemption"
	errorSubjectHistory     = "history"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
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

	sqlInsertOrGetAffiliate = `
		insert into affiliates(affiliate_id, created_at) values($1, now())
		on conflict (affiliate_id) do update set affiliate_id = excluded.affiliate_id
		returning affiliate_id, coalesce(payout_account_id,''), extract(epoch from created_at)::bigint
	`

	sqlSetPayoutAccount = `
		update affiliates set payout_account_id = $2 where affiliate_id = $1
	`

	sqlInsertEntry = `
		insert into commission_entries(
			entry_id, affiliate_id, currency, amount_cents, status,
			source_invoice_id, source_subscription_id, metadata, matures_at, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6, $7,
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9), to_timestamp($10)
		)
	`

	sqlSelectEntryByInvoice = `
		select entry_id, affiliate_id, currency, amount_cents, status,
			source_invoice_id, coalesce(source_subscription_id,''),
			coalesce(reversed_reason,''), coalesce(metadata::text,'{}'),
			extract(epoch from matures_at)::bigint,
			coalesce(extract(epoch from matured_at)::bigint,0),
			extract(epoch from created_at)::bigint
		from commission_entries
		where source_invoice_id = $1
	`

	sqlUpdateEntryStatus = `
		update commission_entries
		set status = $3,
			matured_at = case when $3 = 'available' then now() else matured_at end,
			reversed_reason = case when $4 <> '' then $4 else reversed_reason end
		where entry_id = $1 and status = $2
	`

	sqlListDueEntries = `
		select entry_id, affiliate_id, currency, amount_cents, status,
			source_invoice_id, coalesce(source_subscription_id,''),
			coalesce(reversed_reason,''), coalesce(metadata::text,'{}'),
			extract(epoch from matures_at)::bigint,
			coalesce(extract(epoch from matured_at)::bigint,0),
			extract(epoch from created_at)::bigint
		from commission_entries
		where status = 'pending' and matures_at <= to_timestamp($1)
		order by matures_at asc
		limit $2
	`

	sqlSelectAvailableEntries = `
		select entry_id, amount_cents from commission_entries
		where affiliate_id = $1 and currency = $2 and status = 'available'
		order by created_at asc, entry_id asc
	`

	sqlMarkEntryPaid = `
		update commission_entries set status = 'paid'
		where entry_id = $1 and status = 'available'
	`

	sqlAddAvailable = `
		insert into affiliate_balances(affiliate_id, currency, available_cents, debt_cents, updated_at)
		values($1, $2, $3, 0, now())
		on conflict (affiliate_id, currency)
		do update set available_cents = affiliate_balances.available_cents + excluded.available_cents, updated_at = now()
	`

	sqlDecrementAvailable = `
		update affiliate_balances
		set available_cents = available_cents - $3, updated_at = now()
		where affiliate_id = $1 and currency = $2 and available_cents >= $3
	`

	sqlDebitAvailableClamped = `
		with held as (
			select available_cents from affiliate_balances
			where affiliate_id = $1 and currency = $2
			for update
		)
		update affiliate_balances
		set available_cents = affiliate_balances.available_cents - least(affiliate_balances.available_cents, $3),
			updated_at = now()
		from held
		where affiliate_id = $1 and currency = $2
		returning least(held.available_cents, $3)
	`

	sqlInsertDebtBooking = `
		insert into debt_bookings(booking_id, affiliate_id, currency, amount_cents, source_entry_id, created_at)
		values(gen_random_uuid(), $1, $2, $3, $4, now())
	`

	sqlAddDebt = `
		insert into affiliate_balances(affiliate_id, currency, available_cents, debt_cents, updated_at)
		values($1, $2, 0, $3, now())
		on conflict (affiliate_id, currency)
		do update set debt_cents = affiliate_balances.debt_cents + excluded.debt_cents, updated_at = now()
	`

	sqlSelectCounters = `
		select available_cents, debt_cents from affiliate_balances
		where affiliate_id = $1 and currency = $2
	`

	sqlSelectAllCounters = `
		select currency, available_cents, debt_cents from affiliate_balances
		where affiliate_id = $1
	`

	sqlPendingByCurrency = `
		select currency, coalesce(sum(amount_cents),0),
			coalesce(min(extract(epoch from matures_at)::bigint),0)
		from commission_entries
		where affiliate_id = $1 and status = 'pending'
		group by currency
	`

	sqlInsertRedemption = `
		insert into redemptions(redemption_id, affiliate_id, currency, amount_cents, status, created_at, updated_at)
		values($1, $2, $3, $4, $5, to_timestamp($6), now())
	`

	sqlUpdateRedemptionStatus = `
		update redemptions
		set status = $3,
			provider_transfer_id = case when $4 <> '' then $4 else provider_transfer_id end,
			reason_code = case when $5 <> '' then $5 else reason_code end,
			updated_at = now()
		where redemption_id = $1 and status = $2
	`

	sqlFlagRedemption = `
		update redemptions set reason_code = $2, updated_at = now()
		where redemption_id = $1
	`

	sqlListEntriesBefore = `
		select entry_id, currency, amount_cents, status, coalesce(reversed_reason,''),
			extract(epoch from created_at)::bigint
		from commission_entries
		where affiliate_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlListRedemptionsBefore = `
		select redemption_id, currency, amount_cents, status, coalesce(reason_code,''),
			extract(epoch from created_at)::bigint
		from redemptions
		where affiliate_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlRebuildEntries = `
		select entry_id, currency, amount_cents, status,
			matured_at is not null
		from commission_entries
		where affiliate_id = $1
	`

	sqlRebuildRedemptions = `
		select currency, amount_cents, status from redemptions
		where affiliate_id = $1
	`

	sqlRebuildBookings = `
		select source_entry_id, currency, amount_cents from debt_bookings
		where affiliate_id = $1
	`

	sqlRebuildUpsertCounters = `
		insert into affiliate_balances(affiliate_id, currency, available_cents, debt_cents, updated_at)
		values($1, $2, $3, $4, now())
		on conflict (affiliate_id, currency)
		do update set available_cents = excluded.available_cents, debt_cents = excluded.debt_cents, updated_at = now()
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements commission.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool (autocommit outside WithTx).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// WithTx runs fn inside one transaction. A nested call reuses the open
// transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore commission.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{q: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAffiliate(ctx context.Context, affiliateID commission.AffiliateID) (commission.Affiliate, error) {
	var affiliate commission.Affiliate
	err := store.q.QueryRow(ctx, sqlInsertOrGetAffiliate, affiliateID.String()).
		Scan(&affiliate.AffiliateID, &affiliate.PayoutAccountID, &affiliate.CreatedUnixUTC)
	if err != nil {
		return commission.Affiliate{}, wrapStoreError(errorSubjectAffiliate, errorCodeLookup, err)
	}
	return affiliate, nil
}

// SetPayoutAccount attaches the provider payout destination to an affiliate.
func (store *Store) SetPayoutAccount(ctx context.Context, affiliateID commission.AffiliateID, payoutAccountID string) error {
	tag, err := store.q.Exec(ctx, sqlSetPayoutAccount, affiliateID.String(), payoutAccountID)
	if err != nil {
		return wrapStoreError(errorSubjectAffiliate, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAffiliate, errorCodeUpdateStatus, commission.ErrUnknownAffiliate)
	}
	return nil
}

func (store *Store) InsertCommissionEntry(ctx context.Context, entry commission.CommissionEntry) error {
	_, err := store.q.Exec(ctx, sqlInsertEntry,
		entry.EntryID,
		entry.AffiliateID,
		entry.Currency.String(),
		entry.AmountCents.Int64(),
		entry.Status.String(),
		entry.SourceInvoiceID,
		entry.SourceSubscriptionID,
		entry.MetadataJSON,
		entry.MaturesAtUnixUTC,
		entry.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintSourceInvoice) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, commission.ErrDuplicateInvoice)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetCommissionEntryByInvoice(ctx context.Context, invoiceID commission.InvoiceID) (commission.CommissionEntry, error) {
	entry, err := scanEntry(store.q.QueryRow(ctx, sqlSelectEntryByInvoice, invoiceID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return commission.CommissionEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, commission.ErrUnknownInvoice)
		}
		return commission.CommissionEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, nil
}

func (store *Store) UpdateEntryStatus(ctx context.Context, entryID string, from, to commission.EntryStatus, reason string) error {
	tag, err := store.q.Exec(ctx, sqlUpdateEntryStatus, entryID, from.String(), to.String(), reason)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, commission.ErrEntryTransitioned)
	}
	return nil
}

func (store *Store) ListDueEntries(ctx context.Context, nowUnixUTC int64, limit int) ([]commission.CommissionEntry, error) {
	rows, err := store.q.Query(ctx, sqlListDueEntries, nowUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	var entries []commission.CommissionEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) ConsumeAvailableEntries(ctx context.Context, affiliateID commission.AffiliateID, currency commission.Currency, amount commission.AmountCents) error {
	rows, err := store.q.Query(ctx, sqlSelectAvailableEntries, affiliateID.String(), currency.String())
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	type availableEntry struct {
		entryID     string
		amountCents int64
	}
	var candidates []availableEntry
	for rows.Next() {
		var candidate availableEntry
		if err := rows.Scan(&candidate.entryID, &candidate.amountCents); err != nil {
			rows.Close()
			return wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		candidates = append(candidates, candidate)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	consumed := int64(0)
	for _, candidate := range candidates {
		if consumed >= amount.Int64() {
			break
		}
		tag, err := store.q.Exec(ctx, sqlMarkEntryPaid, candidate.entryID)
		if err != nil {
			return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		consumed += candidate.amountCents
	}
	return nil
}

func (store *Store) AddAvailable(ctx context.Context, affiliateID commission.AffiliateID, currency commission.Currency, amount commission.AmountCents) error {
	_, err := store.q.Exec(ctx, sqlAddAvailable, affiliateID.String(), currency.String(), amount.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeIncrement, err)
	}
	return nil
}

func (store *Store) DecrementAvailable(ctx context.Context, affiliateID commission.AffiliateID, currency commission.Currency, amount commission.AmountCents) error {
	tag, err := store.q.Exec(ctx, sqlDecrementAvailable, affiliateID.String(), currency.String(), amount.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeDecrement, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeDecrement, commission.ErrRaceLost)
	}
	return nil
}

func (store *Store) DebitAvailableClamped(ctx context.Context, affiliateID commission.AffiliateID, currency commission.Currency, amount commission.AmountCents) (commission.AmountCents, error) {
	var debited int64
	err := store.q.QueryRow(ctx, sqlDebitAvailableClamped, affiliateID.String(), currency.String(), amount.Int64()).Scan(&debited)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, err)
	}
	return commission.AmountCents(debited), nil
}

func (store *Store) AddDebt(ctx context.Context, affiliateID commission.AffiliateID, currency commission.Currency, amount commission.AmountCents, sourceEntryID string) error {
	_, err := store.q.Exec(ctx, sqlInsertDebtBooking, affiliateID.String(), currency.String(), amount.Int64(), sourceEntryID)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	_, err = store.q.Exec(ctx, sqlAddDebt, affiliateID.String(), currency.String(), amount.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeIncrement, err)
	}
	return nil
}

func (store *Store) GetCounters(ctx context.Context, affiliateID commission.AffiliateID, currency commission.Currency) (commission.Counters, error) {
	var available, debt int64
	err := store.q.QueryRow(ctx, sqlSelectCounters, affiliateID.String(), currency.String()).Scan(&available, &debt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return commission.Counters{}, nil
		}
		return commission.Counters{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return commission.Counters{
		AvailableCents: commission.AmountCents(available),
		DebtCents:      commission.AmountCents(debt),
	}, nil
}

func (store *Store) AllCounters(ctx context.Context, affiliateID commission.AffiliateID) (map[commission.Currency]commission.Counters, error) {
	rows, err := store.q.Query(ctx, sqlSelectAllCounters, affiliateID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	defer rows.Close()
	counters := make(map[commission.Currency]commission.Counters)
	for rows.Next() {
		var currencyValue string
		var available, debt int64
		if err := rows.Scan(&currencyValue, &available, &debt); err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
		}
		currency, err := commission.ParseCurrency(currencyValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		counters[currency] = commission.Counters{
			AvailableCents: commission.AmountCents(available),
			DebtCents:      commission.AmountCents(debt),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	return counters, nil
}

func (store *Store) PendingByCurrency(ctx context.Context, affiliateID commission.AffiliateID) (map[commission.Currency]commission.PendingTotal, error) {
	rows, err := store.q.Query(ctx, sqlPendingByCurrency, affiliateID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	totals := make(map[commission.Currency]commission.PendingTotal)
	for rows.Next() {
		var currencyValue string
		var total, nextMatureAt int64
		if err := rows.Scan(&currencyValue, &total, &nextMatureAt); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		currency, err := commission.ParseCurrency(currencyValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		totals[currency] = commission.PendingTotal{
			PendingCents:        commission.AmountCents(total),
			NextMatureAtUnixUTC: nextMatureAt,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return totals, nil
}

func (store *Store) CreateRedemption(ctx context.Context, redemption commission.Redemption) error {
	_, err := store.q.Exec(ctx, sqlInsertRedemption,
		redemption.RedemptionID,
		redemption.AffiliateID,
		redemption.Currency.String(),
		redemption.AmountCents.Int64(),
		redemption.Status.String(),
		redemption.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectRedemption, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateRedemptionStatus(ctx context.Context, redemptionID string, from, to commission.RedemptionStatus, transferID string, reason commission.ReasonCode) error {
	tag, err := store.q.Exec(ctx, sqlUpdateRedemptionStatus, redemptionID, from.String(), to.String(), transferID, reason.String())
	if err != nil {
		return wrapStoreError(errorSubjectRedemption, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectRedemption, errorCodeUpdateStatus, commission.ErrRedemptionClosed)
	}
	return nil
}

func (store *Store) FlagRedemption(ctx context.Context, redemptionID string, reason commission.ReasonCode) error {
	tag, err := store.q.Exec(ctx, sqlFlagRedemption, redemptionID, reason.String())
	if err != nil {
		return wrapStoreError(errorSubjectRedemption, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectRedemption, errorCodeUpdateStatus, commission.ErrUnknownRedemption)
	}
	return nil
}

func (store *Store) ListHistory(ctx context.Context, affiliateID commission.AffiliateID, beforeUnixUTC int64, limit int) ([]commission.HistoryItem, error) {
	items, err := store.listHistoryKind(ctx, sqlListEntriesBefore, commission.HistoryKindCommission, affiliateID, beforeUnixUTC, limit)
	if err != nil {
		return nil, err
	}
	redemptionItems, err := store.listHistoryKind(ctx, sqlListRedemptionsBefore, commission.HistoryKindRedemption, affiliateID, beforeUnixUTC, limit)
	if err != nil {
		return nil, err
	}
	items = append(items, redemptionItems...)
	sort.SliceStable(items, func(left, right int) bool {
		return items[left].CreatedUnixUTC > items[right].CreatedUnixUTC
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (store *Store) listHistoryKind(ctx context.Context, query string, kind commission.HistoryKind, affiliateID commission.AffiliateID, beforeUnixUTC int64, limit int) ([]commission.HistoryItem, error) {
	rows, err := store.q.Query(ctx, query, affiliateID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectHistory, errorCodeList, err)
	}
	defer rows.Close()
	var items []commission.HistoryItem
	for rows.Next() {
		item := commission.HistoryItem{Kind: kind}
		var currencyValue string
		var amount int64
		if err := rows.Scan(&item.ID, &currencyValue, &amount, &item.Status, &item.ReasonCode, &item.CreatedUnixUTC); err != nil {
			return nil, wrapStoreError(errorSubjectHistory, errorCodeList, err)
		}
		currency, err := commission.ParseCurrency(currencyValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHistory, errorCodeInvalid, err)
		}
		item.Currency = currency
		item.AmountCents = commission.AmountCents(amount)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectHistory, errorCodeList, err)
	}
	return items, nil
}

// RebuildCounters replays the commission log and redemptions into fresh
// balance counters. Redemptions in processing still hold their decrement, so
// they count as debits alongside paid ones.
func (store *Store) RebuildCounters(ctx context.Context, affiliateID commission.AffiliateID) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore commission.Store) error {
		transaction := txStore.(*Store)

		type rebuildEntry struct {
			entryID     string
			currency    string
			amountCents int64
			status      string
			matured     bool
		}
		rows, err := transaction.q.Query(ctx, sqlRebuildEntries, affiliateID.String())
		if err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeRebuild, err)
		}
		var entries []rebuildEntry
		for rows.Next() {
			var entry rebuildEntry
			if err := rows.Scan(&entry.entryID, &entry.currency, &entry.amountCents, &entry.status, &entry.matured); err != nil {
				rows.Close()
				return wrapStoreError(errorSubjectBalance, errorCodeRebuild, err)
			}
			entries = append(entries, entry)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeRebuild, err)
		}

		debtByEntry := make(map[string]int64)
		debt := make(map[string]int64)
		rows, err = transaction.q.Query(ctx, sqlRebuildBookings, affiliateID.String())
		if err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeRebuild, err)
		}
		for rows.Next() {
			var sourceEntryID, currency string
			var amount int64
			if err := rows.Scan(&sourceEntryID, &currency, &amount); err != nil {
				rows.Close()
				return wrapStoreError(errorSubjectBalance, errorCodeRebuild, err)
			}
			debtByEntry[sourceEntryID] += amount
			debt[currency] += amount
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeRebuild, err)
		}

		available := make(map[string]int64)
		for _, entry := range entries {
			if !entry.matured {
				continue
			}
			available[entry.currency] += entry.amountCents
			if entry.status == commission.EntryStatusReversed.String() {
				available[entry.currency] -= entry.amountCents - debtByEntry[entry.entryID]
			}
		}

		rows, err = transaction.q.Query(ctx, sqlRebuildRedemptions, affiliateID.String())
		if err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeRebuild, err)
		}
		for rows.Next() {
			var currency, status string
			var amount int64
			if err := rows.Scan(&currency, &amount, &status); err != nil {
				rows.Close()
				return wrapStoreError(errorSubjectBalance, errorCodeRebuild, err)
			}
			if status != commission.RedemptionStatusRejected.String() {
				available[currency] -= amount
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeRebuild, err)
		}

		currencies := make(map[string]struct{}, len(available)+len(debt))
		for currency := range available {
			currencies[currency] = struct{}{}
		}
		for currency := range debt {
			currencies[currency] = struct{}{}
		}
		for currency := range currencies {
			_, err := transaction.q.Exec(ctx, sqlRebuildUpsertCounters,
				affiliateID.String(), currency, max(available[currency], 0), debt[currency])
			if err != nil {
				return wrapStoreError(errorSubjectBalance, errorCodeRebuild, err)
			}
		}
		return nil
	})
}

func scanEntry(row pgx.Row) (commission.CommissionEntry, error) {
	var entry commission.CommissionEntry
	var currencyValue, statusValue string
	var amountValue int64
	err := row.Scan(
		&entry.EntryID,
		&entry.AffiliateID,
		&currencyValue,
		&amountValue,
		&statusValue,
		&entry.SourceInvoiceID,
		&entry.SourceSubscriptionID,
		&entry.ReversedReason,
		&entry.MetadataJSON,
		&entry.MaturesAtUnixUTC,
		&entry.MaturedAtUnixUTC,
		&entry.CreatedUnixUTC,
	)
	if err != nil {
		return commission.CommissionEntry{}, err
	}
	currency, err := commission.ParseCurrency(currencyValue)
	if err != nil {
		return commission.CommissionEntry{}, err
	}
	status, err := commission.ParseEntryStatus(statusValue)
	if err != nil {
		return commission.CommissionEntry{}, err
	}
	amount, err := commission.NewAmountCents(amountValue)
	if err != nil {
		return commission.CommissionEntry{}, err
	}
	entry.Currency = currency
	entry.Status = status
	entry.AmountCents = amount
	return entry, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return commission.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
