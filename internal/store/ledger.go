package store

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// Sentinel errors for ledger operations. The service layer maps these onto
// business error codes.
var (
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrReservationExpired = errors.New("reservation expired")
)

// insertMovementTx writes the idempotent ledger entry for a state-changing
// inventory operation. It returns false when a movement with the same
// (movement_type, order_id, variant_id) key already exists, which callers
// treat as "already applied": the counter update is skipped and the whole
// operation reports success.
func insertMovementTx(ctx context.Context, tx *sqlx.Tx, variantID int64, qty int, movementType string, orderID *int64, actor int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_movements (variant_id, quantity, movement_type, order_id, created_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (movement_type, order_id, variant_id) WHERE order_id IS NOT NULL DO NOTHING`,
		variantID, qty, movementType, orderID, actor)
	if err != nil {
		return false, fmt.Errorf("failed to insert movement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// reserveStockTx increments reserved_stock through a single conditional
// UPDATE so that two concurrent reservations can never both succeed on stale
// reads. Must run inside the transaction that owns the order/movement writes.
func reserveStockTx(ctx context.Context, tx *sqlx.Tx, variantID int64, qty int, orderID int64, actor int64) error {
	applied, err := insertMovementTx(ctx, tx, variantID, qty, models.MovementReservation, &orderID, actor)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE variants
		SET reserved_stock = reserved_stock + $1, updated_at = NOW()
		WHERE id = $2 AND reserved_stock + $1 <= stock`,
		qty, variantID)
	if err != nil {
		return fmt.Errorf("failed to reserve stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientStock
	}
	return nil
}

// ReserveStock reserves qty units of a variant for an order.
func (s *Store) ReserveStock(ctx context.Context, variantID int64, qty int, orderID int64, actor int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := reserveStockTx(ctx, tx, variantID, qty, orderID, actor); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseStock hands a reservation back. movementType distinguishes a user
// cancellation (RESERVATION_RELEASE) from the expiry sweep
// (EXPIRED_RESERVATION); both leave on-hand stock untouched.
func (s *Store) ReleaseStock(ctx context.Context, variantID int64, qty int, orderID int64, movementType string, actor int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	applied, err := insertMovementTx(ctx, tx, variantID, qty, movementType, &orderID, actor)
	if err != nil {
		return err
	}
	if !applied {
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE variants
		SET reserved_stock = GREATEST(reserved_stock - $1, 0), updated_at = NOW()
		WHERE id = $2`,
		qty, variantID)
	if err != nil {
		return fmt.Errorf("failed to release stock: %w", err)
	}
	return tx.Commit()
}

// CaptureStock converts a reservation into a permanent deduction. When the
// reservation no longer covers qty (expired or partially released), the
// shortfall must still be coverable from free stock; otherwise the capture
// fails with ErrReservationExpired and compensation takes over.
func (s *Store) CaptureStock(ctx context.Context, variantID int64, qty int, orderID int64, actor int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var v models.Variant
	err = tx.GetContext(ctx, &v,
		"SELECT * FROM variants WHERE id = $1 FOR UPDATE", variantID)
	if err != nil {
		return fmt.Errorf("failed to lock variant: %w", err)
	}

	applied, err := insertMovementTx(ctx, tx, variantID, -qty, models.MovementSale, &orderID, actor)
	if err != nil {
		return err
	}
	if !applied {
		return tx.Commit()
	}

	fromReserved := qty
	if v.ReservedStock < fromReserved {
		fromReserved = v.ReservedStock
	}
	shortfall := qty - fromReserved
	if shortfall > 0 && v.Stock-v.ReservedStock < shortfall {
		return ErrReservationExpired
	}
	if v.Stock < qty {
		return ErrReservationExpired
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE variants
		SET stock = stock - $1, reserved_stock = reserved_stock - $2, updated_at = NOW()
		WHERE id = $3`,
		qty, fromReserved, variantID)
	if err != nil {
		return fmt.Errorf("failed to capture stock: %w", err)
	}
	return tx.Commit()
}

// AdjustStock applies a signed delta to on-hand stock: returns (RETURN),
// restocks (RESTOCK) and manual corrections (ADJUSTMENT).
func (s *Store) AdjustStock(ctx context.Context, variantID int64, delta int, movementType string, orderID *int64, actor int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var v models.Variant
	err = tx.GetContext(ctx, &v,
		"SELECT * FROM variants WHERE id = $1 FOR UPDATE", variantID)
	if err != nil {
		return fmt.Errorf("failed to lock variant: %w", err)
	}

	applied, err := insertMovementTx(ctx, tx, variantID, delta, movementType, orderID, actor)
	if err != nil {
		return err
	}
	if !applied {
		return tx.Commit()
	}

	if v.Stock+delta < 0 {
		return ErrInsufficientStock
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE variants
		SET stock = stock + $1, updated_at = NOW()
		WHERE id = $2`,
		delta, variantID)
	if err != nil {
		return fmt.Errorf("failed to adjust stock: %w", err)
	}
	return tx.Commit()
}

// GetMovementsByOrder lists the ledger trail for an order, oldest first.
func (s *Store) GetMovementsByOrder(ctx context.Context, orderID int64) ([]models.InventoryMovement, error) {
	var movements []models.InventoryMovement
	err := s.db.SelectContext(ctx, &movements,
		"SELECT * FROM inventory_movements WHERE order_id = $1 ORDER BY id", orderID)
	return movements, err
}
