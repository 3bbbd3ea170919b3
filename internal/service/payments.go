package service

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type paymentsStore interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	CreatePayment(ctx context.Context, payment *models.Payment) error
	UpdatePaymentStatus(ctx context.Context, paymentID int64, status string, rawResponse *string) error
	ConsumeCreditsIntoPayment(ctx context.Context, payment *models.Payment, target int64, now time.Time) (int64, error)
}

type gatewayClient interface {
	ResolveAcceptanceToken(ctx context.Context) (string, error)
	CreateTransaction(ctx context.Context, txReq *gateway.TransactionRequest) (*gateway.Transaction, error)
	BuildIntegritySignature(reference string, amountInCents int64, currency string) string
}

type paymentConfirmer interface {
	Transitioner
	ConfirmPayment(ctx context.Context, orderID int64) (*models.Order, error)
}

// PaymentService creates gateway payment intents for orders, applies
// gateway-reported statuses to standalone payments and spends client
// credits.
type PaymentService struct {
	store    paymentsStore
	gateway  gatewayClient
	orders   paymentConfirmer
	notifier Notifier
	currency string
	logger   *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(store paymentsStore, gw gatewayClient, orders paymentConfirmer, notifier Notifier, currency string) *PaymentService {
	return &PaymentService{
		store:    store,
		gateway:  gw,
		orders:   orders,
		notifier: notifier,
		currency: currency,
		logger:   util.GetLogger(),
	}
}

// CreatePaymentIntent registers the order with the gateway and records the
// PENDING payment carrying the gateway transaction id. A gateway failure or
// timeout cancels the just-created order so its reservation is not left
// dangling.
func (ps *PaymentService) CreatePaymentIntent(ctx context.Context, orderID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreatePaymentIntent")
	defer span.End()

	order, err := ps.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPendingPayment {
		return nil, apperr.New(apperr.CodeConflict, "order %d is %s, not awaiting payment", orderID, order.Status)
	}

	user, err := ps.store.GetUserByID(ctx, order.UserID)
	if err != nil {
		return nil, err
	}

	token, err := ps.gateway.ResolveAcceptanceToken(ctx)
	if err != nil {
		ps.cancelAfterGatewayFailure(ctx, order, err)
		return nil, fmt.Errorf("gateway acceptance token: %w", err)
	}

	tx, err := ps.gateway.CreateTransaction(ctx, &gateway.TransactionRequest{
		Reference:       order.GatewayReference,
		AmountInCents:   order.TotalAmount,
		Currency:        ps.currency,
		CustomerEmail:   user.Email,
		AcceptanceToken: token,
		Signature:       ps.gateway.BuildIntegritySignature(order.GatewayReference, order.TotalAmount, ps.currency),
	})
	if err != nil {
		ps.cancelAfterGatewayFailure(ctx, order, err)
		return nil, fmt.Errorf("gateway transaction: %w", err)
	}

	payment := &models.Payment{
		UserID:        order.UserID,
		OrderID:       &order.ID,
		Amount:        order.TotalAmount,
		Status:        models.PaymentStatusPending,
		PaymentType:   models.PaymentTypeOrder,
		TransactionID: tx.ID,
	}
	if err := ps.store.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	ps.logger.Info("Payment intent created",
		zap.Int64("order_id", order.ID),
		zap.String("transaction_id", tx.ID),
		zap.Int64("amount", order.TotalAmount))

	return payment, nil
}

func (ps *PaymentService) cancelAfterGatewayFailure(ctx context.Context, order *models.Order, cause error) {
	ps.logger.Error("Gateway failure during checkout, cancelling order",
		zap.Int64("order_id", order.ID),
		zap.Error(cause))

	if _, err := ps.orders.TransitionTo(ctx, order.ID, models.OrderStatusCancelled, "gateway unavailable"); err != nil {
		ps.logger.Error("Failed to cancel order after gateway failure",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}

// PayOrderWithCredit spends the buyer's credits oldest-first against the
// order total. When the consumed credit covers the full total the order is
// confirmed immediately, without a gateway round trip.
func (ps *PaymentService) PayOrderWithCredit(ctx context.Context, orderID, userID int64) (*models.Order, *models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.PayOrderWithCredit")
	defer span.End()

	order, err := ps.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if order.UserID != userID {
		return nil, nil, apperr.NotFound("order %d", orderID)
	}
	if order.Status != models.OrderStatusPendingPayment {
		return nil, nil, apperr.New(apperr.CodeConflict, "order %d is %s, not awaiting payment", orderID, order.Status)
	}

	payment := &models.Payment{
		UserID:        userID,
		OrderID:       &order.ID,
		Status:        models.PaymentStatusPaidWithCredit,
		PaymentType:   models.PaymentTypeOrder,
		TransactionID: fmt.Sprintf("credit-%s", uuid.New().String()),
	}

	// Consumption and the payment row commit together; a failure cannot
	// strand spent credit without its payment.
	consumed, err := ps.store.ConsumeCreditsIntoPayment(ctx, payment, order.TotalAmount, time.Now())
	if err != nil {
		return nil, nil, err
	}
	if consumed == 0 {
		return nil, nil, apperr.InvalidInput("user %d has no available credit", userID)
	}

	util.CreditsConsumedCents.Add(float64(consumed))
	ps.logger.Info("Credit applied to order",
		zap.Int64("order_id", orderID),
		zap.Int64("consumed", consumed))

	if consumed < order.TotalAmount-amountTolerance {
		// Partially covered; the remainder goes through the gateway.
		return order, payment, nil
	}

	confirmed, err := ps.orders.ConfirmPayment(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return confirmed, payment, nil
}

// ApplyGatewayStatus maps a gateway-reported transaction status onto a
// standalone payment and, on approval, triggers the payment-type specific
// fulfillment follow-up.
func (ps *PaymentService) ApplyGatewayStatus(ctx context.Context, payment *models.Payment, gatewayStatus string, rawResponse *string) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.ApplyGatewayStatus")
	defer span.End()

	var status string
	switch gatewayStatus {
	case "APPROVED":
		status = models.PaymentStatusApproved
	case "DECLINED", "VOIDED":
		status = models.PaymentStatusDeclined
	case "TIMEOUT":
		status = models.PaymentStatusTimeout
	case "PENDING":
		// Still in flight at the gateway; keep ours pending, refresh payload.
		return ps.store.UpdatePaymentStatus(ctx, payment.ID, models.PaymentStatusPending, rawResponse)
	default:
		status = models.PaymentStatusError
	}

	if err := ps.store.UpdatePaymentStatus(ctx, payment.ID, status, rawResponse); err != nil {
		return err
	}
	payment.Status = status

	ps.logger.Info("Gateway status applied",
		zap.Int64("payment_id", payment.ID),
		zap.String("status", status),
		zap.String("payment_type", payment.PaymentType))

	if status == models.PaymentStatusApproved {
		ps.fulfill(ctx, payment)
	}
	return nil
}

// fulfill dispatches the domain follow-up for an approved non-order
// payment. Delivery failures are logged, never propagated.
func (ps *PaymentService) fulfill(ctx context.Context, payment *models.Payment) {
	var eventCode string
	switch payment.PaymentType {
	case models.PaymentTypeAdvance, models.PaymentTypeFinal:
		eventCode = models.EventTypeBookingConfirmed
	case models.PaymentTypePackage:
		eventCode = models.EventTypePackageUnlocked
	case models.PaymentTypeVIPSubscription:
		eventCode = models.EventTypeSubscriptionActivated
	default:
		return
	}

	if err := ps.notifier.Notify(ctx, payment.UserID, eventCode, map[string]interface{}{
		"payment_id":   payment.ID,
		"payment_type": payment.PaymentType,
		"amount":       payment.Amount,
	}); err != nil {
		ps.logger.Warn("Failed to dispatch fulfillment notification",
			zap.Int64("payment_id", payment.ID),
			zap.String("event", eventCode),
			zap.Error(err))
	}
}
