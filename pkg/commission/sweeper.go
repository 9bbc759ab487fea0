package commission

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// MatureDue promotes due pending entries to available and credits the
// available counter, one conditional transition per entry. An entry whose
// status CAS fails is skipped, so a concurrent sweep never double-credits.
// It returns the number of entries matured.
func (service *Service) MatureDue(ctx context.Context, limit int) (int, error) {
	nowUnixUTC := service.nowFn()
	due, err := service.store.ListDueEntries(ctx, nowUnixUTC, limit)
	if err != nil {
		return 0, err
	}
	matured := 0
	for _, entry := range due {
		affiliateID, err := NewAffiliateID(entry.AffiliateID)
		if err != nil {
			return matured, err
		}
		transitionError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			if err := txStore.UpdateEntryStatus(ctx, entry.EntryID, EntryStatusPending, EntryStatusAvailable, ""); err != nil {
				return err
			}
			return txStore.AddAvailable(ctx, affiliateID, entry.Currency, entry.AmountCents)
		})
		if errors.Is(transitionError, ErrEntryTransitioned) {
			continue
		}
		if transitionError != nil {
			service.logOperation(ctx, OperationLog{
				Operation:   operationMature,
				AffiliateID: affiliateID,
				Currency:    entry.Currency,
				Amount:      entry.AmountCents,
				Error:       transitionError,
			})
			return matured, transitionError
		}
		matured++
		service.logOperation(ctx, OperationLog{
			Operation:   operationMature,
			AffiliateID: affiliateID,
			Currency:    entry.Currency,
			Amount:      entry.AmountCents,
		})
	}
	return matured, nil
}

// Sweeper periodically matures due commission entries.
type Sweeper struct {
	service   *Service
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewSweeper wires a Sweeper around a Service.
func NewSweeper(service *Service, interval time.Duration, batchSize int, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{service: service, interval: interval, batchSize: batchSize, logger: logger}
}

// Run sweeps on the configured interval until ctx is canceled.
func (sweeper *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			matured, err := sweeper.service.MatureDue(ctx, sweeper.batchSize)
			if err != nil {
				sweeper.logger.Error("maturation sweep failed", zap.Error(err))
				continue
			}
			if matured > 0 {
				sweeper.logger.Info("maturation sweep", zap.Int("matured", matured))
			}
		}
	}
}
