package service

import (
	"context"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// amountTolerance is the permitted gap, in cents, between an order's total
// and the sum of its settled payments.
const amountTolerance = 1

// allowedTransitions is the complete order lifecycle. Anything not listed is
// rejected; a transition to the current status is a no-op success.
var allowedTransitions = map[string][]string{
	models.OrderStatusPendingPayment:  {models.OrderStatusPaid, models.OrderStatusCancelled, models.OrderStatusFraudAlert},
	models.OrderStatusPaid:            {models.OrderStatusPreparing, models.OrderStatusCancelled, models.OrderStatusReturnRequested},
	models.OrderStatusPreparing:       {models.OrderStatusShipped, models.OrderStatusCancelled},
	models.OrderStatusShipped:         {models.OrderStatusDelivered, models.OrderStatusReturnRequested},
	models.OrderStatusDelivered:       {models.OrderStatusReturnRequested},
	models.OrderStatusReturnRequested: {models.OrderStatusReturnApproved, models.OrderStatusReturnRejected},
	models.OrderStatusReturnApproved:  {models.OrderStatusRefunded},
}

// CanTransition reports whether the lifecycle permits from -> to.
func CanTransition(from, to string) bool {
	for _, target := range allowedTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

type stateStore interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateOrderStatusFrom(ctx context.Context, orderID int64, from, to string) (bool, error)
	SetOrderDelivered(ctx context.Context, orderID int64, at time.Time) error
	SetOrderFraud(ctx context.Context, orderID int64, reason string) error
	ClearReservationExpiry(ctx context.Context, orderID int64) error
	SumSettledPayments(ctx context.Context, orderID int64) (int64, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetVariantDetails(ctx context.Context, ids []int64) ([]models.VariantDetail, error)
	GetCartByUserID(ctx context.Context, userID int64) (*models.Cart, error)
	ClearCart(ctx context.Context, cartID int64) error
}

// OrderStateMachine enforces the order lifecycle and applies the side
// effects bound to each transition.
type OrderStateMachine struct {
	store    stateStore
	ledger   Inventory
	notifier Notifier
	logger   *zap.Logger
}

// NewOrderStateMachine creates a new order state machine
func NewOrderStateMachine(store stateStore, ledger Inventory, notifier Notifier) *OrderStateMachine {
	return &OrderStateMachine{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		logger:   util.GetLogger(),
	}
}

// TransitionTo moves an order to target, applying transition side effects.
func (m *OrderStateMachine) TransitionTo(ctx context.Context, orderID int64, target, reason string) (*models.Order, error) {
	return m.transition(ctx, orderID, target, reason, models.MovementReservationRelease)
}

// CancelExpired cancels an unpaid order whose reservation lapsed, recording
// the release as EXPIRED_RESERVATION for the audit trail.
func (m *OrderStateMachine) CancelExpired(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := m.transition(ctx, orderID, models.OrderStatusCancelled, "reservation expired", models.MovementExpiredReservation)
	if err == nil {
		util.ReservationsExpiredTotal.Inc()
	}
	return order, err
}

func (m *OrderStateMachine) transition(ctx context.Context, orderID int64, target, reason, releaseType string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderStateMachine.TransitionTo")
	defer span.End()

	order, err := m.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status == target {
		return order, nil
	}
	if !CanTransition(order.Status, target) {
		return nil, apperr.InvalidTransition(order.Status, target)
	}
	// PAID carries the capture and settlement side effects; only
	// ConfirmPayment may apply it.
	if target == models.OrderStatusPaid {
		return nil, apperr.New(apperr.CodeConflict,
			"order %d can only become %s through payment confirmation", orderID, models.OrderStatusPaid)
	}

	ok, err := m.store.UpdateOrderStatusFrom(ctx, orderID, order.Status, target)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race: someone else transitioned first.
		current, err := m.store.GetOrderByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if current.Status == target {
			return current, nil
		}
		return nil, apperr.InvalidTransition(current.Status, target)
	}

	from := order.Status
	order.Status = target

	if err := m.applySideEffects(ctx, order, from, target, reason, releaseType); err != nil {
		return nil, err
	}

	m.notifyStatusChange(ctx, order, from, target, reason)

	m.logger.Info("Order transitioned",
		zap.Int64("order_id", order.ID),
		zap.String("from", from),
		zap.String("to", target),
		zap.String("reason", reason))

	return order, nil
}

func (m *OrderStateMachine) applySideEffects(ctx context.Context, order *models.Order, from, target, reason, releaseType string) error {
	switch target {
	case models.OrderStatusDelivered:
		now := time.Now()
		if err := m.store.SetOrderDelivered(ctx, order.ID, now); err != nil {
			return err
		}
		order.DeliveredAt = &now

	case models.OrderStatusCancelled:
		if from == models.OrderStatusPendingPayment {
			if err := m.releaseReservation(ctx, order, releaseType); err != nil {
				return err
			}
		}
		util.OrdersCancelledTotal.WithLabelValues(from).Inc()

	case models.OrderStatusFraudAlert:
		if reason != "" {
			if err := m.store.SetOrderFraud(ctx, order.ID, reason); err != nil {
				return err
			}
			order.FraudReason = &reason
		}
		util.FraudAlertsTotal.Inc()
	}

	// Loyalty and cashback granted for this order are reverted best-effort;
	// a reversal failure never blocks the transition.
	if target == models.OrderStatusCancelled || target == models.OrderStatusRefunded {
		if err := m.notifier.Notify(ctx, order.UserID, models.EventTypeLoyaltyReversal, map[string]interface{}{
			"order_id": order.ID,
		}); err != nil {
			m.logger.Warn("Failed to dispatch loyalty reversal",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		}
	}

	return nil
}

func (m *OrderStateMachine) releaseReservation(ctx context.Context, order *models.Order, releaseType string) error {
	items, err := m.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return err
	}

	for _, item := range items {
		if err := m.ledger.Release(ctx, item.VariantID, item.Quantity, order.ID, releaseType, order.UserID); err != nil {
			return err
		}
	}

	if err := m.store.ClearReservationExpiry(ctx, order.ID); err != nil {
		return err
	}
	order.ReservationExpiresAt = nil

	if err := m.notifier.Notify(ctx, order.UserID, models.EventTypeOrderCancelled, map[string]interface{}{
		"order_id": order.ID,
	}); err != nil {
		m.logger.Warn("Failed to dispatch cancellation notification",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
	return nil
}

func (m *OrderStateMachine) notifyStatusChange(ctx context.Context, order *models.Order, from, to, reason string) {
	if err := m.notifier.Notify(ctx, order.UserID, models.EventTypeOrderStatusChanged, map[string]interface{}{
		"order_id":    order.ID,
		"from_status": from,
		"to_status":   to,
		"reason":      reason,
	}); err != nil {
		m.logger.Warn("Failed to dispatch status notification",
			zap.Int64("order_id", order.ID),
			zap.String("to_status", to),
			zap.Error(err))
	}
}

// ConfirmPayment finalizes an order once its settled payments cover the
// total. The stored total is re-validated against current catalog pricing
// before any stock is captured; a capture that fails with
// reservation_expired is surfaced to the caller so compensation can convert
// the payment into a client credit.
func (m *OrderStateMachine) ConfirmPayment(ctx context.Context, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderStateMachine.ConfirmPayment")
	defer span.End()

	order, err := m.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status == models.OrderStatusPaid {
		return order, nil
	}
	if order.Status == models.OrderStatusCancelled {
		return nil, apperr.New(apperr.CodeConflict, "order %d is cancelled", orderID)
	}
	if !CanTransition(order.Status, models.OrderStatusPaid) {
		return nil, apperr.InvalidTransition(order.Status, models.OrderStatusPaid)
	}

	settled, err := m.store.SumSettledPayments(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if diff := settled - order.TotalAmount; diff < -amountTolerance || diff > amountTolerance {
		return nil, apperr.New(apperr.CodeConflict, "order %d not fully paid: settled %d of %d", orderID, settled, order.TotalAmount)
	}

	items, err := m.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if err := m.validatePricing(ctx, order, items); err != nil {
		return nil, err
	}

	for _, item := range items {
		if err := m.ledger.Capture(ctx, item.VariantID, item.Quantity, order.ID, order.UserID); err != nil {
			return nil, err
		}
	}

	if err := m.store.ClearReservationExpiry(ctx, orderID); err != nil {
		return nil, err
	}
	order.ReservationExpiresAt = nil

	ok, err := m.store.UpdateOrderStatusFrom(ctx, orderID, order.Status, models.OrderStatusPaid)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := m.store.GetOrderByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if current.Status == models.OrderStatusPaid {
			return current, nil
		}
		return nil, apperr.InvalidTransition(current.Status, models.OrderStatusPaid)
	}

	from := order.Status
	order.Status = models.OrderStatusPaid

	if cart, err := m.store.GetCartByUserID(ctx, order.UserID); err == nil && cart != nil {
		if err := m.store.ClearCart(ctx, cart.ID); err != nil {
			m.logger.Warn("Failed to clear cart after payment",
				zap.Int64("cart_id", cart.ID),
				zap.Error(err))
		}
	}

	util.OrdersPaidTotal.Inc()
	m.notifyStatusChange(ctx, order, from, models.OrderStatusPaid, "payment confirmed")

	m.logger.Info("Order confirmed as paid",
		zap.Int64("order_id", order.ID),
		zap.Int64("total_amount", order.TotalAmount))

	return order, nil
}

// validatePricing re-prices every line at current catalog prices (VIP-aware)
// and hard-fails when the recomputed total drifted from the stored one.
func (m *OrderStateMachine) validatePricing(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	user, err := m.store.GetUserByID(ctx, order.UserID)
	if err != nil {
		return err
	}

	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.VariantID
	}

	details, err := m.store.GetVariantDetails(ctx, ids)
	if err != nil {
		return err
	}

	priceByVariant := make(map[int64]int64, len(details))
	for i := range details {
		priceByVariant[details[i].ID] = details[i].PriceFor(user.IsVIP)
	}

	recomputed := order.ShippingCost
	for _, item := range items {
		price, found := priceByVariant[item.VariantID]
		if !found {
			return apperr.NotFound("variant %d no longer exists", item.VariantID)
		}
		recomputed += price * int64(item.Quantity)
	}

	if recomputed != order.TotalAmount {
		return apperr.PriceDrift(order.TotalAmount, recomputed)
	}
	return nil
}
