package pgstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/commission/pkg/commission"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultLockTTL = 2 * time.Minute

	errorSubjectLock = "lock"
	errorCodeAcquire = "acquire"
	errorCodeRelease = "release"

	sqlAcquireLock = `
		insert into redemption_locks(affiliate_id, currency, token, locked_until)
		values($1, $2, $3, to_timestamp($4))
		on conflict (affiliate_id, currency)
		do update set token = excluded.token, locked_until = excluded.locked_until
		where redemption_locks.locked_until < now()
	`

	sqlReleaseLock = `
		delete from redemption_locks
		where affiliate_id = $1 and currency = $2 and token = $3
	`
)

// LockTable is a durable per-(affiliate, currency) lock with a TTL so a
// crashed holder cannot wedge redemptions forever.
type LockTable struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewLockTable(pool *pgxpool.Pool, ttl time.Duration) *LockTable {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &LockTable{pool: pool, ttl: ttl}
}

// Acquire takes the lock or fails fast. The insert either creates the row or
// steals an expired one; a live holder leaves zero rows affected.
func (table *LockTable) Acquire(ctx context.Context, affiliateID commission.AffiliateID, currency commission.Currency) (commission.Unlock, error) {
	token := uuid.NewString()
	lockedUntil := time.Now().UTC().Add(table.ttl).Unix()
	tag, err := table.pool.Exec(ctx, sqlAcquireLock, affiliateID.String(), currency.String(), token, lockedUntil)
	if err != nil {
		return nil, commission.WrapError(errorOperationStore, errorSubjectLock, errorCodeAcquire, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, commission.WrapError(errorOperationStore, errorSubjectLock, errorCodeAcquire, commission.ErrAlreadyProcessing)
	}
	release := func(ctx context.Context) error {
		_, err := table.pool.Exec(ctx, sqlReleaseLock, affiliateID.String(), currency.String(), token)
		if err != nil {
			return commission.WrapError(errorOperationStore, errorSubjectLock, errorCodeRelease, err)
		}
		return nil
	}
	return release, nil
}
