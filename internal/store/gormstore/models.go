package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Affiliate represents the affiliates table. The affiliate id comes from the
// surrounding product, so it is not generated here.
type Affiliate struct {
	AffiliateID     string    `gorm:"primaryKey"`
	PayoutAccountID string    `gorm:""`
	CreatedAt       time.Time `gorm:"not null"`
}

func (Affiliate) TableName() string { return "affiliates" }

// CommissionEntry mirrors the commission_entries table.
type CommissionEntry struct {
	EntryID              string         `gorm:"type:uuid;primaryKey"`
	AffiliateID          string         `gorm:"not null;index:idx_commission_affiliate_created,priority:1"`
	Currency             string         `gorm:"not null"`
	AmountCents          int64          `gorm:"not null"`
	Status               string         `gorm:"not null;index:idx_commission_status_matures,priority:1"`
	SourceInvoiceID      string         `gorm:"not null;index:uniq_commission_source_invoice,unique"`
	SourceSubscriptionID string         `gorm:""`
	ReversedReason       string         `gorm:""`
	Metadata             datatypes.JSON `gorm:"not null"`
	MaturesAt            time.Time      `gorm:"not null;index:idx_commission_status_matures,priority:2"`
	MaturedAt            *time.Time     `gorm:""`
	CreatedAt            time.Time      `gorm:"not null;index:idx_commission_affiliate_created,priority:2"`
}

func (CommissionEntry) TableName() string { return "commission_entries" }

func (entry *CommissionEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Redemption mirrors the redemptions table.
type Redemption struct {
	RedemptionID       string    `gorm:"type:uuid;primaryKey"`
	AffiliateID        string    `gorm:"not null;index:idx_redemption_affiliate_created,priority:1"`
	Currency           string    `gorm:"not null"`
	AmountCents        int64     `gorm:"not null"`
	Status             string    `gorm:"not null"`
	ProviderTransferID string    `gorm:""`
	ReasonCode         string    `gorm:""`
	CreatedAt          time.Time `gorm:"not null;index:idx_redemption_affiliate_created,priority:2"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Redemption) TableName() string { return "redemptions" }

func (redemption *Redemption) BeforeCreate(tx *gorm.DB) error {
	if redemption.RedemptionID == "" {
		redemption.RedemptionID = uuid.NewString()
	}
	return nil
}

// AffiliateBalance mirrors the affiliate_balances table, the materialized
// per-(affiliate, currency) projection. Both counters stay non-negative.
type AffiliateBalance struct {
	AffiliateID    string    `gorm:"primaryKey"`
	Currency       string    `gorm:"primaryKey"`
	AvailableCents int64     `gorm:"not null;default:0"`
	DebtCents      int64     `gorm:"not null;default:0"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (AffiliateBalance) TableName() string { return "affiliate_balances" }

// DebtBooking records one debt increment with its originating entry so the
// counters can be rebuilt from the log.
type DebtBooking struct {
	BookingID     string    `gorm:"type:uuid;primaryKey"`
	AffiliateID   string    `gorm:"not null;index:idx_debt_affiliate"`
	Currency      string    `gorm:"not null"`
	AmountCents   int64     `gorm:"not null"`
	SourceEntryID string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (DebtBooking) TableName() string { return "debt_bookings" }

func (booking *DebtBooking) BeforeCreate(tx *gorm.DB) error {
	if booking.BookingID == "" {
		booking.BookingID = uuid.NewString()
	}
	return nil
}

// RedemptionLock mirrors the redemption_locks table, the durable TTL lock
// serializing redemptions per (affiliate, currency).
type RedemptionLock struct {
	AffiliateID string    `gorm:"primaryKey"`
	Currency    string    `gorm:"primaryKey"`
	Token       string    `gorm:"not null"`
	LockedUntil time.Time `gorm:"not null"`
}

func (RedemptionLock) TableName() string { return "redemption_locks" }

// Models lists every table for schema migration.
func Models() []any {
	return []any{&Affiliate{}, &CommissionEntry{}, &Redemption{}, &AffiliateBalance{}, &DebtBooking{}, &RedemptionLock{}}
}
