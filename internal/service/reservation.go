package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type reservationStore interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetCartByUserID(ctx context.Context, userID int64) (*models.Cart, error)
	GetCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error)
	ClearCart(ctx context.Context, cartID int64) error
	GetVariantDetails(ctx context.Context, ids []int64) ([]models.VariantDetail, error)
	CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error
}

// ReservationManager converts a cart into a pending order with a reserved,
// time-bounded hold on inventory. Payment initiation is the caller's
// responsibility.
type ReservationManager struct {
	store    reservationStore
	cfg      config.BusinessConfig
	logger   *zap.Logger
}

// NewReservationManager creates a new reservation manager
func NewReservationManager(store reservationStore, cfg config.BusinessConfig) *ReservationManager {
	return &ReservationManager{
		store:  store,
		cfg:    cfg,
		logger: util.GetLogger(),
	}
}

// DeliveryData carries the delivery choice made at checkout.
type DeliveryData struct {
	Option  string  `json:"delivery_option" binding:"required"`
	Address *string `json:"delivery_address,omitempty"`
}

// CreateOrder creates a pending order from the user's cart: validates every
// line, freezes VIP-aware prices, reserves stock atomically and stamps the
// reservation expiry. The cart is emptied only after the order persists.
func (rm *ReservationManager) CreateOrder(ctx context.Context, userID int64, delivery DeliveryData) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.CreateOrder")
	defer span.End()

	if delivery.Option != models.DeliveryHome && delivery.Option != models.DeliveryPickup {
		return nil, apperr.InvalidInput("unknown delivery option %q", delivery.Option)
	}
	if delivery.Option == models.DeliveryHome && (delivery.Address == nil || *delivery.Address == "") {
		return nil, apperr.InvalidInput("home delivery requires an address")
	}

	user, err := rm.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, apperr.NotFound("user %d", userID)
	}

	cart, err := rm.store.GetCartByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return nil, apperr.New(apperr.CodeEmptyCart, "user %d has no cart", userID)
	}

	cartItems, err := rm.store.GetCartItems(ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	if len(cartItems) == 0 {
		return nil, apperr.New(apperr.CodeEmptyCart, "cart %d is empty", cart.ID)
	}

	variantIDs := make([]int64, len(cartItems))
	for i, item := range cartItems {
		if item.Quantity < 1 {
			return nil, apperr.InvalidInput("cart line for variant %d has quantity %d", item.VariantID, item.Quantity)
		}
		variantIDs[i] = item.VariantID
	}

	details, err := rm.store.GetVariantDetails(ctx, variantIDs)
	if err != nil {
		return nil, err
	}
	if len(details) != len(cartItems) {
		return nil, apperr.NotFound("some cart variants no longer exist")
	}

	detailByVariant := make(map[int64]*models.VariantDetail, len(details))
	for i := range details {
		detailByVariant[details[i].ID] = &details[i]
	}

	var (
		itemsTotal  int64
		maxPrepDays int
	)
	orderItems := make([]models.OrderItem, 0, len(cartItems))
	for _, line := range cartItems {
		detail := detailByVariant[line.VariantID]
		if !detail.ProductActive {
			return nil, apperr.New(apperr.CodeInactiveProduct, "product %q is not active", detail.ProductName)
		}

		price := detail.PriceFor(user.IsVIP)
		itemsTotal += price * int64(line.Quantity)
		if detail.PreparationDays > maxPrepDays {
			maxPrepDays = detail.PreparationDays
		}

		orderItems = append(orderItems, models.OrderItem{
			VariantID:       line.VariantID,
			Quantity:        line.Quantity,
			PriceAtPurchase: price,
		})
	}

	var shipping int64
	deliveryDays := maxPrepDays
	if delivery.Option == models.DeliveryHome {
		shipping = rm.cfg.ShippingFeeCents
		deliveryDays += rm.cfg.ShippingLeadDays
	}

	now := time.Now()
	expiresAt := now.Add(time.Duration(rm.cfg.ReservationTTLMinutes) * time.Minute)
	estimated := now.AddDate(0, 0, deliveryDays)

	order := &models.Order{
		UserID:                userID,
		Status:                models.OrderStatusPendingPayment,
		TotalAmount:           itemsTotal + shipping,
		ShippingCost:          shipping,
		DeliveryOption:        delivery.Option,
		DeliveryAddress:       delivery.Address,
		GatewayReference:      fmt.Sprintf("order-%s", uuid.New().String()),
		ReservationExpiresAt:  &expiresAt,
		EstimatedDeliveryDate: &estimated,
	}

	if err := rm.store.CreateOrderWithItems(ctx, order, orderItems); err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
			return nil, apperr.InsufficientStock("not enough stock to reserve the cart")
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if err := rm.store.ClearCart(ctx, cart.ID); err != nil {
		rm.logger.Error("Failed to clear cart after checkout",
			zap.Int64("cart_id", cart.ID),
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}

	util.OrdersCreatedTotal.Inc()
	rm.logger.Info("Order created with reservation",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", userID),
		zap.Int64("total_amount", order.TotalAmount),
		zap.Time("reservation_expires_at", expiresAt))

	return order, nil
}
