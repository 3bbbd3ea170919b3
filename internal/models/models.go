package models

import (
	"encoding/json"
	"time"
)

// User represents a buyer account
type User struct {
	ID        int64     `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	IsVIP     bool      `db:"is_vip" json:"is_vip"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Product represents a catalog product
type Product struct {
	ID              int64     `db:"id" json:"id"`
	SKU             string    `db:"sku" json:"sku"`
	Name            string    `db:"name" json:"name"`
	Active          bool      `db:"active" json:"active"`
	PreparationDays int       `db:"preparation_days" json:"preparation_days"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Variant is the sellable unit. Stock and ReservedStock are the only hot
// shared counters in the system; all writers go through the ledger's locked
// path, never direct field writes.
type Variant struct {
	ID            int64     `db:"id" json:"id"`
	ProductID     int64     `db:"product_id" json:"product_id"`
	SKU           string    `db:"sku" json:"sku"`
	Price         int64     `db:"price" json:"price"` // cents
	VIPPrice      *int64    `db:"vip_price" json:"vip_price,omitempty"`
	Stock         int       `db:"stock" json:"stock"`
	ReservedStock int       `db:"reserved_stock" json:"reserved_stock"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// AvailableStock is what a new reservation may still claim.
func (v *Variant) AvailableStock() int {
	return v.Stock - v.ReservedStock
}

// PriceFor returns the unit price a given buyer pays for this variant.
func (v *Variant) PriceFor(vip bool) int64 {
	if vip && v.VIPPrice != nil {
		return *v.VIPPrice
	}
	return v.Price
}

// VariantDetail is a variant joined with the catalog fields checkout needs.
type VariantDetail struct {
	Variant
	ProductName     string `db:"product_name" json:"product_name"`
	ProductActive   bool   `db:"product_active" json:"product_active"`
	PreparationDays int    `db:"preparation_days" json:"preparation_days"`
}

// Cart holds a user's pre-checkout selection
type Cart struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CartItem is a line in a cart
type CartItem struct {
	ID        int64 `db:"id" json:"id"`
	CartID    int64 `db:"cart_id" json:"cart_id"`
	VariantID int64 `db:"variant_id" json:"variant_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
}

// Order statuses
const (
	OrderStatusPendingPayment  = "PENDING_PAYMENT"
	OrderStatusPaid            = "PAID"
	OrderStatusPreparing       = "PREPARING"
	OrderStatusShipped         = "SHIPPED"
	OrderStatusDelivered       = "DELIVERED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusReturnRequested = "RETURN_REQUESTED"
	OrderStatusReturnApproved  = "RETURN_APPROVED"
	OrderStatusReturnRejected  = "RETURN_REJECTED"
	OrderStatusRefunded        = "REFUNDED"
	OrderStatusFraudAlert      = "FRAUD_ALERT"
)

// Delivery options
const (
	DeliveryHome   = "HOME_DELIVERY"
	DeliveryPickup = "PICKUP"
)

// Order represents a customer order. Created by the reservation manager and
// mutated only through state-machine transitions or the explicit
// reservation/return operations.
type Order struct {
	ID                    int64      `db:"id" json:"id"`
	UserID                int64      `db:"user_id" json:"user_id"`
	Status                string     `db:"status" json:"status"`
	TotalAmount           int64      `db:"total_amount" json:"total_amount"` // cents
	ShippingCost          int64      `db:"shipping_cost" json:"shipping_cost"`
	DeliveryOption        string     `db:"delivery_option" json:"delivery_option"`
	DeliveryAddress       *string    `db:"delivery_address" json:"delivery_address,omitempty"`
	GatewayReference      string     `db:"gateway_reference" json:"gateway_reference"`
	ReservationExpiresAt  *time.Time `db:"reservation_expires_at" json:"reservation_expires_at,omitempty"`
	EstimatedDeliveryDate *time.Time `db:"estimated_delivery_date" json:"estimated_delivery_date,omitempty"`
	ReturnRequestData     *string    `db:"return_request_data" json:"return_request_data,omitempty"`
	DeliveredAt           *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	FraudReason           *string    `db:"fraud_reason" json:"fraud_reason,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// OrderItem is a line in an order. PriceAtPurchase freezes the unit price at
// reservation time.
type OrderItem struct {
	ID               int64 `db:"id" json:"id"`
	OrderID          int64 `db:"order_id" json:"order_id"`
	VariantID        int64 `db:"variant_id" json:"variant_id"`
	Quantity         int   `db:"quantity" json:"quantity"`
	PriceAtPurchase  int64 `db:"price_at_purchase" json:"price_at_purchase"`
	QuantityReturned int   `db:"quantity_returned" json:"quantity_returned"`
}

// Movement types
const (
	MovementSale               = "SALE"
	MovementReturn             = "RETURN"
	MovementRestock            = "RESTOCK"
	MovementAdjustment         = "ADJUSTMENT"
	MovementReservation        = "RESERVATION"
	MovementReservationRelease = "RESERVATION_RELEASE"
	MovementExpiredReservation = "EXPIRED_RESERVATION"
)

// InventoryMovement is an append-only ledger entry. At most one movement
// exists per (movement_type, reference_order, variant); a retried operation
// that would duplicate one finds the existing row and changes nothing.
type InventoryMovement struct {
	ID           int64     `db:"id" json:"id"`
	VariantID    int64     `db:"variant_id" json:"variant_id"`
	Quantity     int       `db:"quantity" json:"quantity"` // signed
	MovementType string    `db:"movement_type" json:"movement_type"`
	OrderID      *int64    `db:"order_id" json:"order_id,omitempty"`
	CreatedBy    int64     `db:"created_by" json:"created_by"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Payment statuses
const (
	PaymentStatusPending        = "PENDING"
	PaymentStatusApproved       = "APPROVED"
	PaymentStatusDeclined       = "DECLINED"
	PaymentStatusError          = "ERROR"
	PaymentStatusPaidWithCredit = "PAID_WITH_CREDIT"
	PaymentStatusTimeout        = "TIMEOUT"
)

// Payment types
const (
	PaymentTypeOrder           = "ORDER"
	PaymentTypeAdvance         = "ADVANCE"
	PaymentTypeFinal           = "FINAL"
	PaymentTypeTip             = "TIP"
	PaymentTypePackage         = "PACKAGE"
	PaymentTypeVIPSubscription = "VIP_SUBSCRIPTION"
)

// Payment represents a payment transaction. Outlives a cancelled order for
// audit purposes.
type Payment struct {
	ID            int64     `db:"id" json:"id"`
	UserID        int64     `db:"user_id" json:"user_id"`
	OrderID       *int64    `db:"order_id" json:"order_id,omitempty"`
	Amount        int64     `db:"amount" json:"amount"` // cents
	Status        string    `db:"status" json:"status"`
	PaymentType   string    `db:"payment_type" json:"payment_type"`
	TransactionID string    `db:"transaction_id" json:"transaction_id"`
	RawResponse   *string   `db:"raw_response" json:"raw_response,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// IsSettled reports whether this payment counts toward an order's paid total.
func (p *Payment) IsSettled() bool {
	return p.Status == PaymentStatusApproved || p.Status == PaymentStatusPaidWithCredit
}

// Webhook event statuses
const (
	WebhookStatusProcessed = "PROCESSED"
	WebhookStatusIgnored   = "IGNORED"
	WebhookStatusFailed    = "FAILED"
)

// WebhookEvent records every inbound gateway call, valid or not. It is the
// audit trail, not the idempotency lock.
type WebhookEvent struct {
	ID           int64     `db:"id" json:"id"`
	EventType    string    `db:"event_type" json:"event_type"`
	RawPayload   string    `db:"raw_payload" json:"raw_payload"`
	Headers      string    `db:"headers" json:"headers"`
	Status       string    `db:"status" json:"status"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Client credit statuses
const (
	CreditStatusAvailable     = "AVAILABLE"
	CreditStatusPartiallyUsed = "PARTIALLY_USED"
	CreditStatusExhausted     = "EXHAUSTED"
	CreditStatusExpired       = "EXPIRED"
)

// ClientCredit is compensation for money captured without fulfillment.
// Consumed oldest-first by future checkouts.
type ClientCredit struct {
	ID              int64     `db:"id" json:"id"`
	UserID          int64     `db:"user_id" json:"user_id"`
	InitialAmount   int64     `db:"initial_amount" json:"initial_amount"`
	RemainingAmount int64     `db:"remaining_amount" json:"remaining_amount"`
	Status          string    `db:"status" json:"status"`
	Reason          string    `db:"reason" json:"reason"`
	PaymentID       *int64    `db:"payment_id" json:"payment_id,omitempty"`
	ExpiresAt       time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// ReturnRequest is the pending-return payload stored on the order while a
// staff decision is outstanding.
type ReturnRequest struct {
	Reason string           `json:"reason"`
	Items  []ReturnLineItem `json:"items"`
}

// ReturnLineItem identifies one returned line.
type ReturnLineItem struct {
	OrderItemID int64 `json:"order_item_id"`
	Quantity    int   `json:"quantity"`
}

// Encode serializes the request for storage on the order row.
func (r *ReturnRequest) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeReturnRequest parses a stored return payload.
func DecodeReturnRequest(raw string) (*ReturnRequest, error) {
	var r ReturnRequest
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, err
	}
	return &r, nil
}
