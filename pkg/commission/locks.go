package commission

import "context"

// Unlock releases a held redemption lock.
type Unlock func(ctx context.Context) error

// Locker serializes redemptions per (affiliate, currency). Acquire fails
// fast with ErrAlreadyProcessing when the pair is already locked; it never
// queues or blocks on contention.
type Locker interface {
	Acquire(ctx context.Context, affiliateID AffiliateID, currency Currency) (Unlock, error)
}
