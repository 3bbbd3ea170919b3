package service

import (
	"context"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

type compensationStore interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	ClearReservationExpiry(ctx context.Context, orderID int64) error
	CreateCredit(ctx context.Context, credit *models.ClientCredit) error
	ListSettledPayments(ctx context.Context, orderID int64) ([]models.Payment, error)
}

type cancelMachine interface {
	Transitioner
	CancelExpired(ctx context.Context, orderID int64) (*models.Order, error)
}

// CompensationService converts a fulfillment failure after money capture
// into a time-bounded client credit instead of a cash refund.
type CompensationService struct {
	store     compensationStore
	ledger    Inventory
	machine   cancelMachine
	notifier  Notifier
	creditTTL time.Duration
	logger    *zap.Logger
}

// NewCompensationService creates a new compensation service
func NewCompensationService(store compensationStore, ledger Inventory, machine cancelMachine, notifier Notifier, creditTTL time.Duration) *CompensationService {
	return &CompensationService{
		store:     store,
		ledger:    ledger,
		machine:   machine,
		notifier:  notifier,
		creditTTL: creditTTL,
		logger:    util.GetLogger(),
	}
}

// IssueCredit creates a client credit and dispatches the notification.
func (cs *CompensationService) IssueCredit(ctx context.Context, userID int64, orderID, paymentID *int64, amount int64, reason string) (*models.ClientCredit, error) {
	ctx, span := util.StartSpan(ctx, "CompensationService.IssueCredit")
	defer span.End()

	if amount <= 0 {
		return nil, apperr.InvalidInput("credit amount must be positive, got %d", amount)
	}

	credit := &models.ClientCredit{
		UserID:          userID,
		InitialAmount:   amount,
		RemainingAmount: amount,
		Status:          models.CreditStatusAvailable,
		Reason:          reason,
		PaymentID:       paymentID,
		ExpiresAt:       time.Now().Add(cs.creditTTL),
	}

	if err := cs.store.CreateCredit(ctx, credit); err != nil {
		return nil, err
	}

	util.CreditsIssuedTotal.WithLabelValues(reason).Inc()
	cs.logger.Info("Client credit issued",
		zap.Int64("credit_id", credit.ID),
		zap.Int64("user_id", userID),
		zap.Int64("amount", amount),
		zap.String("reason", reason))

	payload := map[string]interface{}{
		"credit_id": credit.ID,
		"amount":    amount,
		"reason":    reason,
	}
	if orderID != nil {
		payload["order_id"] = *orderID
	}
	if err := cs.notifier.Notify(ctx, userID, models.EventTypeCreditIssued, payload); err != nil {
		cs.logger.Warn("Failed to dispatch credit notification",
			zap.Int64("credit_id", credit.ID),
			zap.Error(err))
	}

	return credit, nil
}

// ReleaseReservation hands back whatever reservation the order still holds
// and clears the expiry, recording the given movement type per line.
func (cs *CompensationService) ReleaseReservation(ctx context.Context, order *models.Order, movementType, reason string) error {
	ctx, span := util.StartSpan(ctx, "CompensationService.ReleaseReservation")
	defer span.End()

	items, err := cs.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return err
	}

	for _, item := range items {
		if err := cs.ledger.Release(ctx, item.VariantID, item.Quantity, order.ID, movementType, order.UserID); err != nil {
			return err
		}
	}

	if err := cs.store.ClearReservationExpiry(ctx, order.ID); err != nil {
		return err
	}

	cs.logger.Info("Reservation released",
		zap.Int64("order_id", order.ID),
		zap.String("reason", reason))
	return nil
}

// HandleExpiredCapture compensates an order whose payment was captured after
// its reservation lapsed: the remaining reservation is released and the
// buyer receives a credit equal to the full order total. Stock is never
// double-captured; the credit replaces fulfillment.
func (cs *CompensationService) HandleExpiredCapture(ctx context.Context, order *models.Order) (*models.ClientCredit, error) {
	ctx, span := util.StartSpan(ctx, "CompensationService.HandleExpiredCapture")
	defer span.End()

	if err := cs.ReleaseReservation(ctx, order, models.MovementExpiredReservation, "reservation expired before capture"); err != nil {
		return nil, err
	}

	return cs.IssueCredit(ctx, order.UserID, &order.ID, nil, order.TotalAmount, "reservation_expired")
}

// CancelOrder is the cancellation entry point. Only PENDING_PAYMENT, PAID
// and PREPARING orders are cancellable. Cancelling an unpaid order releases
// the reservation; cancelling a paid one also returns captured stock and
// issues one credit per original settled payment.
func (cs *CompensationService) CancelOrder(ctx context.Context, orderID int64, actor int64) (*models.Order, []models.ClientCredit, error) {
	ctx, span := util.StartSpan(ctx, "CompensationService.CancelOrder")
	defer span.End()

	order, err := cs.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	switch order.Status {
	case models.OrderStatusPendingPayment:
		cancelled, err := cs.machine.TransitionTo(ctx, orderID, models.OrderStatusCancelled, "cancelled before payment")
		if err != nil {
			return nil, nil, err
		}
		// A partial credit payment may already be settled against the
		// unpaid order; hand that money back too.
		credits, err := cs.creditSettledPayments(ctx, orderID, "order_cancelled")
		if err != nil {
			return nil, nil, err
		}
		return cancelled, credits, nil

	case models.OrderStatusPaid, models.OrderStatusPreparing:
		cancelled, err := cs.machine.TransitionTo(ctx, orderID, models.OrderStatusCancelled, "cancelled after payment")
		if err != nil {
			return nil, nil, err
		}

		items, err := cs.store.GetOrderItems(ctx, orderID)
		if err != nil {
			return nil, nil, err
		}
		for _, item := range items {
			outstanding := item.Quantity - item.QuantityReturned
			if outstanding <= 0 {
				continue
			}
			if err := cs.ledger.Adjust(ctx, item.VariantID, outstanding, models.MovementReturn, &orderID, actor); err != nil {
				return nil, nil, err
			}
		}

		credits, err := cs.creditSettledPayments(ctx, orderID, "order_cancelled")
		if err != nil {
			return nil, nil, err
		}

		return cancelled, credits, nil

	default:
		return nil, nil, apperr.InvalidTransition(order.Status, models.OrderStatusCancelled)
	}
}

// CancelExpired cancels a lapsed unpaid order and re-issues any credit that
// was already spent on it, so a partial credit payment is never stranded.
func (cs *CompensationService) CancelExpired(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := cs.machine.CancelExpired(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, err := cs.creditSettledPayments(ctx, orderID, "order_cancelled"); err != nil {
		return nil, err
	}
	return order, nil
}

// creditSettledPayments issues one credit per settled payment of the order.
func (cs *CompensationService) creditSettledPayments(ctx context.Context, orderID int64, reason string) ([]models.ClientCredit, error) {
	payments, err := cs.store.ListSettledPayments(ctx, orderID)
	if err != nil {
		return nil, err
	}

	credits := make([]models.ClientCredit, 0, len(payments))
	for i := range payments {
		credit, err := cs.IssueCredit(ctx, payments[i].UserID, &orderID, &payments[i].ID, payments[i].Amount, reason)
		if err != nil {
			return nil, err
		}
		credits = append(credits, *credit)
	}
	return credits, nil
}
