package service

import (
	"context"

	"fulfillment-service/internal/models"
)

// Inventory is the ledger contract the order services depend on. All
// implementations must be idempotent per (movement type, order, variant).
type Inventory interface {
	Reserve(ctx context.Context, variantID int64, qty int, orderID int64, actor int64) error
	Release(ctx context.Context, variantID int64, qty int, orderID int64, movementType string, actor int64) error
	Capture(ctx context.Context, variantID int64, qty int, orderID int64, actor int64) error
	Adjust(ctx context.Context, variantID int64, delta int, movementType string, orderID *int64, actor int64) error
}

// Notifier dispatches a notification to the external delivery collaborator.
// Callers treat failures as log-only.
type Notifier interface {
	Notify(ctx context.Context, userID int64, eventCode string, payload map[string]interface{}) error
}

// Transitioner drives order status changes through the state machine.
type Transitioner interface {
	TransitionTo(ctx context.Context, orderID int64, target, reason string) (*models.Order, error)
}
