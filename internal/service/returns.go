package service

import (
	"context"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

type returnsStore interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	SetReturnRequestData(ctx context.Context, orderID int64, data *string) error
	IncrementItemReturned(ctx context.Context, itemID int64, qty int) error
}

type creditIssuer interface {
	IssueCredit(ctx context.Context, userID int64, orderID, paymentID *int64, amount int64, reason string) (*models.ClientCredit, error)
}

// ReturnService handles buyer-initiated return requests and the staff
// decision that approves or rejects them.
type ReturnService struct {
	store        returnsStore
	ledger       Inventory
	machine      Transitioner
	credits      creditIssuer
	returnWindow time.Duration
	logger       *zap.Logger
}

// NewReturnService creates a new return service
func NewReturnService(store returnsStore, ledger Inventory, machine Transitioner, credits creditIssuer, returnWindow time.Duration) *ReturnService {
	return &ReturnService{
		store:        store,
		ledger:       ledger,
		machine:      machine,
		credits:      credits,
		returnWindow: returnWindow,
		logger:       util.GetLogger(),
	}
}

// RequestReturn files a return request on a PAID or DELIVERED order. For
// delivered orders the request must fall within the return window measured
// from delivered_at.
func (rs *ReturnService) RequestReturn(ctx context.Context, orderID, userID int64, req *models.ReturnRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "ReturnService.RequestReturn")
	defer span.End()

	order, err := rs.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, apperr.NotFound("order %d", orderID)
	}

	if order.Status != models.OrderStatusPaid && order.Status != models.OrderStatusDelivered {
		return nil, apperr.InvalidTransition(order.Status, models.OrderStatusReturnRequested)
	}

	if order.Status == models.OrderStatusDelivered {
		if order.DeliveredAt == nil || time.Since(*order.DeliveredAt) > rs.returnWindow {
			return nil, apperr.New(apperr.CodeReturnWindow, "order %d is outside the return window", orderID)
		}
	}

	if req == nil || len(req.Items) == 0 {
		return nil, apperr.InvalidInput("return request must name at least one item")
	}

	// Collapse duplicate lines so the per-item quantity check sees the
	// request's full total, not each line in isolation.
	lineIndex := make(map[int64]int, len(req.Items))
	merged := make([]models.ReturnLineItem, 0, len(req.Items))
	for _, line := range req.Items {
		if line.Quantity < 1 {
			return nil, apperr.InvalidInput("item %d: return quantity must be positive", line.OrderItemID)
		}
		if idx, found := lineIndex[line.OrderItemID]; found {
			merged[idx].Quantity += line.Quantity
		} else {
			lineIndex[line.OrderItemID] = len(merged)
			merged = append(merged, line)
		}
	}
	req.Items = merged

	items, err := rs.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	itemByID := make(map[int64]*models.OrderItem, len(items))
	for i := range items {
		itemByID[items[i].ID] = &items[i]
	}

	for _, line := range req.Items {
		item, found := itemByID[line.OrderItemID]
		if !found {
			return nil, apperr.InvalidInput("item %d does not belong to order %d", line.OrderItemID, orderID)
		}
		if line.Quantity > item.Quantity-item.QuantityReturned {
			return nil, apperr.InvalidInput("item %d: cannot return %d of %d remaining units",
				line.OrderItemID, line.Quantity, item.Quantity-item.QuantityReturned)
		}
	}

	encoded, err := req.Encode()
	if err != nil {
		return nil, apperr.InvalidInput("malformed return payload: %v", err)
	}
	if err := rs.store.SetReturnRequestData(ctx, orderID, &encoded); err != nil {
		return nil, err
	}

	return rs.machine.TransitionTo(ctx, orderID, models.OrderStatusReturnRequested, req.Reason)
}

// ProcessReturn applies the staff decision on a pending return. Approval
// restocks the returned units and issues a credit equal to the sum of the
// refunded line amounts, driving the order through RETURN_APPROVED to
// REFUNDED.
func (rs *ReturnService) ProcessReturn(ctx context.Context, orderID int64, approved bool, actor int64) (*models.Order, *models.ClientCredit, error) {
	ctx, span := util.StartSpan(ctx, "ReturnService.ProcessReturn")
	defer span.End()

	order, err := rs.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if order.Status != models.OrderStatusReturnRequested {
		return nil, nil, apperr.InvalidTransition(order.Status, models.OrderStatusReturnApproved)
	}

	if !approved {
		rejected, err := rs.machine.TransitionTo(ctx, orderID, models.OrderStatusReturnRejected, "return rejected")
		if err != nil {
			return nil, nil, err
		}
		if err := rs.store.SetReturnRequestData(ctx, orderID, nil); err != nil {
			return nil, nil, err
		}
		util.ReturnsTotal.WithLabelValues("rejected").Inc()
		return rejected, nil, nil
	}

	if order.ReturnRequestData == nil {
		return nil, nil, apperr.InvalidInput("order %d has no pending return payload", orderID)
	}
	req, err := models.DecodeReturnRequest(*order.ReturnRequestData)
	if err != nil {
		return nil, nil, apperr.InvalidInput("malformed return payload: %v", err)
	}

	if _, err := rs.machine.TransitionTo(ctx, orderID, models.OrderStatusReturnApproved, "return approved"); err != nil {
		return nil, nil, err
	}

	items, err := rs.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	itemByID := make(map[int64]*models.OrderItem, len(items))
	for i := range items {
		itemByID[items[i].ID] = &items[i]
	}

	var refund int64
	for _, line := range req.Items {
		item, found := itemByID[line.OrderItemID]
		if !found {
			return nil, nil, apperr.InvalidInput("item %d does not belong to order %d", line.OrderItemID, orderID)
		}
		if line.Quantity < 1 || line.Quantity > item.Quantity-item.QuantityReturned {
			return nil, nil, apperr.InvalidInput("item %d: cannot return %d of %d remaining units",
				line.OrderItemID, line.Quantity, item.Quantity-item.QuantityReturned)
		}

		if err := rs.store.IncrementItemReturned(ctx, item.ID, line.Quantity); err != nil {
			return nil, nil, err
		}
		if err := rs.ledger.Adjust(ctx, item.VariantID, line.Quantity, models.MovementReturn, &orderID, actor); err != nil {
			return nil, nil, err
		}
		refund += item.PriceAtPurchase * int64(line.Quantity)
	}

	credit, err := rs.credits.IssueCredit(ctx, order.UserID, &orderID, nil, refund, "return_approved")
	if err != nil {
		return nil, nil, err
	}

	refunded, err := rs.machine.TransitionTo(ctx, orderID, models.OrderStatusRefunded, "return refunded as credit")
	if err != nil {
		return nil, nil, err
	}
	if err := rs.store.SetReturnRequestData(ctx, orderID, nil); err != nil {
		return nil, nil, err
	}

	util.ReturnsTotal.WithLabelValues("approved").Inc()
	rs.logger.Info("Return processed",
		zap.Int64("order_id", orderID),
		zap.Int64("refund_amount", refund),
		zap.Int64("credit_id", credit.ID))

	return refunded, credit, nil
}
