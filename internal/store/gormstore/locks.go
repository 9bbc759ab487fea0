package gormstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/commission/pkg/commission"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectLock = "lock"
	errorCodeAcquire = "acquire"
	errorCodeRelease = "release"
)

// LockTable is a durable TTL lock keyed by (affiliate, currency). A
// process-local mutex cannot serialize redemptions across instances, so the
// lock lives in the shared store.
type LockTable struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewLockTable returns a LockTable with the given lease duration.
func NewLockTable(db *gorm.DB, ttl time.Duration) *LockTable {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &LockTable{db: db, ttl: ttl}
}

// Acquire takes the (affiliate, currency) lock or fails fast with
// ErrAlreadyProcessing. An expired lease is stolen; release is token-checked
// so a stale holder cannot free a stolen lock.
func (table *LockTable) Acquire(ctx context.Context, affiliateID commission.AffiliateID, currency commission.Currency) (commission.Unlock, error) {
	now := time.Now().UTC()
	row := RedemptionLock{
		AffiliateID: affiliateID.String(),
		Currency:    currency.String(),
		Token:       uuid.NewString(),
		LockedUntil: now.Add(table.ttl),
	}
	result := table.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "affiliate_id"}, {Name: "currency"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"token":        row.Token,
				"locked_until": row.LockedUntil,
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Lt{Column: clause.Column{Table: "redemption_locks", Name: "locked_until"}, Value: now},
			}},
		}).
		Create(&row)
	if result.Error != nil {
		return nil, wrapStoreError(errorSubjectLock, errorCodeAcquire, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, wrapStoreError(errorSubjectLock, errorCodeAcquire, commission.ErrAlreadyProcessing)
	}
	release := func(ctx context.Context) error {
		err := table.db.WithContext(ctx).
			Where("affiliate_id = ? AND currency = ? AND token = ?", row.AffiliateID, row.Currency, row.Token).
			Delete(&RedemptionLock{}).Error
		if err != nil {
			return wrapStoreError(errorSubjectLock, errorCodeRelease, err)
		}
		return nil
	}
	return release, nil
}
