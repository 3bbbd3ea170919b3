package worker

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

const (
	sweepBatchSize = 100
	sweepLockTTL   = 2 * time.Minute
)

type sweeperStore interface {
	GetExpiredPendingOrderIDs(ctx context.Context, now time.Time, limit int) ([]int64, error)
	ExpireCredits(ctx context.Context, now time.Time) (int64, error)
}

// expiredCanceller cancels one lapsed order, including any credit
// compensation owed for payments already settled against it.
type expiredCanceller interface {
	CancelExpired(ctx context.Context, orderID int64) (*models.Order, error)
}

// Sweeper periodically cancels unpaid orders whose reservation lapsed and
// expires stale credits. Multiple instances coordinate through short Redis
// locks so each order is cancelled once.
type Sweeper struct {
	store     sweeperStore
	canceller expiredCanceller
	locks     *redisclient.Client
	interval  time.Duration
	logger    *zap.Logger
}

// NewSweeper creates a new sweeper. locks may be nil in single-instance
// deployments.
func NewSweeper(store sweeperStore, canceller expiredCanceller, locks *redisclient.Client, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:     store,
		canceller: canceller,
		locks:     locks,
		interval:  interval,
		logger:    util.GetLogger(),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting reservation sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reservation sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()

	ids, err := s.store.GetExpiredPendingOrderIDs(ctx, now, sweepBatchSize)
	if err != nil {
		s.logger.Error("Failed to list expired reservations", zap.Error(err))
		return
	}

	for _, orderID := range ids {
		s.cancelOne(ctx, orderID)
	}

	expired, err := s.store.ExpireCredits(ctx, now)
	if err != nil {
		s.logger.Error("Failed to expire credits", zap.Error(err))
	} else if expired > 0 {
		s.logger.Info("Expired stale credits", zap.Int64("count", expired))
	}
}

func (s *Sweeper) cancelOne(ctx context.Context, orderID int64) {
	if s.locks != nil {
		lockKey := fmt.Sprintf("sweep:order:%d", orderID)
		acquired, err := s.locks.AcquireLock(ctx, lockKey, sweepLockTTL)
		if err != nil {
			s.logger.Warn("Sweep lock error", zap.Int64("order_id", orderID), zap.Error(err))
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := s.locks.ReleaseLock(ctx, lockKey); err != nil {
				s.logger.Warn("Failed to release sweep lock", zap.Int64("order_id", orderID), zap.Error(err))
			}
		}()
	}

	if _, err := s.canceller.CancelExpired(ctx, orderID); err != nil {
		// A concurrent payment may have settled the order between the listing
		// and the cancel; that shows up as an invalid transition and is fine.
		if apperr.Is(err, apperr.CodeInvalidTransition) {
			s.logger.Info("Expired order already transitioned, skipping", zap.Int64("order_id", orderID))
			return
		}
		s.logger.Error("Failed to cancel expired order", zap.Int64("order_id", orderID), zap.Error(err))
		return
	}

	s.logger.Info("Cancelled expired reservation", zap.Int64("order_id", orderID))
}
