package service

import (
	"context"
	"errors"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// ledgerStore is the transactional inventory surface of the database store.
type ledgerStore interface {
	ReserveStock(ctx context.Context, variantID int64, qty int, orderID int64, actor int64) error
	ReleaseStock(ctx context.Context, variantID int64, qty int, orderID int64, movementType string, actor int64) error
	CaptureStock(ctx context.Context, variantID int64, qty int, orderID int64, actor int64) error
	AdjustStock(ctx context.Context, variantID int64, delta int, movementType string, orderID *int64, actor int64) error
	GetVariantByID(ctx context.Context, id int64) (*models.Variant, error)
}

// InventoryLedger owns the stock and reserved_stock counters. Every mutation
// runs through the store's locked, movement-keyed transaction path; the
// Redis availability cache is refreshed best-effort after commit.
type InventoryLedger struct {
	store  ledgerStore
	cache  *redisclient.Client
	logger *zap.Logger
}

// NewInventoryLedger creates a new inventory ledger. cache may be nil.
func NewInventoryLedger(store ledgerStore, cache *redisclient.Client) *InventoryLedger {
	return &InventoryLedger{
		store:  store,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// Reserve provisionally holds qty units for an order.
func (l *InventoryLedger) Reserve(ctx context.Context, variantID int64, qty int, orderID int64, actor int64) error {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if err := l.store.ReserveStock(ctx, variantID, qty, orderID, actor); err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			util.ReservationsFailedTotal.WithLabelValues("insufficient_stock").Inc()
			return apperr.InsufficientStock("variant %d: %d units requested", variantID, qty)
		}
		util.ReservationsFailedTotal.WithLabelValues("error").Inc()
		return err
	}

	l.refreshCache(ctx, variantID)
	return nil
}

// Release hands a reservation back without touching on-hand stock.
func (l *InventoryLedger) Release(ctx context.Context, variantID int64, qty int, orderID int64, movementType string, actor int64) error {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Release")
	defer span.End()

	if err := l.store.ReleaseStock(ctx, variantID, qty, orderID, movementType, actor); err != nil {
		return err
	}

	l.refreshCache(ctx, variantID)
	return nil
}

// Capture converts a reservation into a permanent deduction on payment
// confirmation. A reservation_expired result is not terminal for the caller:
// it routes the payment into compensation.
func (l *InventoryLedger) Capture(ctx context.Context, variantID int64, qty int, orderID int64, actor int64) error {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Capture")
	defer span.End()

	if err := l.store.CaptureStock(ctx, variantID, qty, orderID, actor); err != nil {
		if errors.Is(err, store.ErrReservationExpired) {
			return apperr.ReservationExpired("variant %d: reservation no longer covers %d units", variantID, qty)
		}
		if errors.Is(err, store.ErrInsufficientStock) {
			return apperr.InsufficientStock("variant %d: cannot capture %d units", variantID, qty)
		}
		return err
	}

	util.StockCapturedTotal.Add(float64(qty))
	l.refreshCache(ctx, variantID)
	return nil
}

// Adjust applies a signed delta to on-hand stock (returns, restocks, manual
// corrections).
func (l *InventoryLedger) Adjust(ctx context.Context, variantID int64, delta int, movementType string, orderID *int64, actor int64) error {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Adjust")
	defer span.End()

	if err := l.store.AdjustStock(ctx, variantID, delta, movementType, orderID, actor); err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			return apperr.InsufficientStock("variant %d: adjustment of %d would go negative", variantID, delta)
		}
		return err
	}

	l.refreshCache(ctx, variantID)
	return nil
}

func (l *InventoryLedger) refreshCache(ctx context.Context, variantID int64) {
	if l.cache == nil {
		return
	}

	v, err := l.store.GetVariantByID(ctx, variantID)
	if err != nil {
		l.logger.Warn("Failed to reload variant for cache refresh",
			zap.Int64("variant_id", variantID),
			zap.Error(err))
		return
	}

	if err := l.cache.SetAvailability(ctx, variantID, v.Stock, v.ReservedStock); err != nil {
		l.logger.Warn("Failed to refresh availability cache",
			zap.Int64("variant_id", variantID),
			zap.Error(err))
	}
}
