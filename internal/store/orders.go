package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"fulfillment-service/internal/models"
)

// CreateOrderWithItems creates an order, its line items and their stock
// reservations in one transaction. Items are reserved in ascending variant-id
// order so two orders touching overlapping variants always acquire row locks
// in the same sequence. Any reservation failure rolls everything back:
// partial reservations never persist.
func (s *Store) CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (user_id, status, total_amount, shipping_cost, delivery_option,
			delivery_address, gateway_reference, reservation_expires_at, estimated_delivery_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	err = tx.GetContext(ctx, order, query,
		order.UserID, order.Status, order.TotalAmount, order.ShippingCost, order.DeliveryOption,
		order.DeliveryAddress, order.GatewayReference, order.ReservationExpiresAt, order.EstimatedDeliveryDate)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].VariantID < items[j].VariantID })

	for i := range items {
		items[i].OrderID = order.ID

		err := tx.GetContext(ctx, &items[i].ID, `
			INSERT INTO order_items (order_id, variant_id, quantity, price_at_purchase)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			items[i].OrderID, items[i].VariantID, items[i].Quantity, items[i].PriceAtPurchase)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}

		if err := reserveStockTx(ctx, tx, items[i].VariantID, items[i].Quantity, order.ID, order.UserID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByGatewayReference resolves an order from a gateway correlation
// key, or nil if none matches.
func (s *Store) GetOrderByGatewayReference(ctx context.Context, reference string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE gateway_reference = $1", reference)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatusFrom transitions an order's status only when it still has
// the expected source status. The conditional WHERE is what serializes
// concurrent webhook deliveries: the first commit moves the row out of the
// filter and later attempts report false.
func (s *Store) UpdateOrderStatusFrom(ctx context.Context, orderID int64, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, orderID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetOrderDelivered stamps the delivery time
func (s *Store) SetOrderDelivered(ctx context.Context, orderID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET delivered_at = $1, updated_at = NOW() WHERE id = $2",
		at, orderID)
	return err
}

// SetOrderFraud records the reason an order was flagged
func (s *Store) SetOrderFraud(ctx context.Context, orderID int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET fraud_reason = $1, updated_at = NOW() WHERE id = $2",
		reason, orderID)
	return err
}

// ClearReservationExpiry nulls the expiry once the reservation is settled
func (s *Store) ClearReservationExpiry(ctx context.Context, orderID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET reservation_expires_at = NULL, updated_at = NOW() WHERE id = $1",
		orderID)
	return err
}

// SetReturnRequestData stores or clears the pending return payload
func (s *Store) SetReturnRequestData(ctx context.Context, orderID int64, data *string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET return_request_data = $1, updated_at = NOW() WHERE id = $2",
		data, orderID)
	return err
}

// GetOrderItems retrieves all items for an order
func (s *Store) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY variant_id", orderID)
	return items, err
}

// IncrementItemReturned bumps quantity_returned on a line
func (s *Store) IncrementItemReturned(ctx context.Context, itemID int64, qty int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE order_items SET quantity_returned = quantity_returned + $1 WHERE id = $2",
		qty, itemID)
	return err
}

// ListOrdersByUser retrieves orders for a user, newest first
func (s *Store) ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// GetExpiredPendingOrderIDs lists orders whose reservation lapsed while
// still unpaid. The sweeper cancels each one in its own transaction.
func (s *Store) GetExpiredPendingOrderIDs(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM orders
		WHERE status = $1 AND reservation_expires_at IS NOT NULL AND reservation_expires_at < $2
		ORDER BY reservation_expires_at
		LIMIT $3`,
		models.OrderStatusPendingPayment, now, limit)
	return ids, err
}

// CreatePayment creates a new payment record
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (user_id, order_id, amount, status, payment_type, transaction_id, raw_response)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, payment, query,
		payment.UserID, payment.OrderID, payment.Amount, payment.Status,
		payment.PaymentType, payment.TransactionID, payment.RawResponse)
}

// GetPendingPaymentByTransactionID resolves a still-pending payment from a
// gateway transaction id, or nil if none matches. Terminal payments fall out
// of this lookup, which is the single-payment idempotency guard.
func (s *Store) GetPendingPaymentByTransactionID(ctx context.Context, txID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE transaction_id = $1 AND status = $2",
		txID, models.PaymentStatusPending)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetLatestPaymentByOrderID retrieves the most recent payment for an order,
// or nil if the order has none.
func (s *Store) GetLatestPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1", orderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// UpdatePaymentStatus updates a payment's status and last gateway payload
func (s *Store) UpdatePaymentStatus(ctx context.Context, paymentID int64, status string, rawResponse *string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payments SET status = $1, raw_response = COALESCE($2, raw_response), updated_at = NOW() WHERE id = $3",
		status, rawResponse, paymentID)
	return err
}

// SumSettledPayments totals the APPROVED and PAID_WITH_CREDIT payments of an
// order, in cents.
func (s *Store) SumSettledPayments(ctx context.Context, orderID int64) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(amount), 0) FROM payments
		WHERE order_id = $1 AND status IN ($2, $3)`,
		orderID, models.PaymentStatusApproved, models.PaymentStatusPaidWithCredit)
	return total, err
}

// ListSettledPayments lists the settled payments of an order, oldest first.
func (s *Store) ListSettledPayments(ctx context.Context, orderID int64) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments, `
		SELECT * FROM payments
		WHERE order_id = $1 AND status IN ($2, $3)
		ORDER BY created_at`,
		orderID, models.PaymentStatusApproved, models.PaymentStatusPaidWithCredit)
	return payments, err
}
