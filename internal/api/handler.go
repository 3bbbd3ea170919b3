package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxWebhookBody caps the accepted webhook payload size.
const maxWebhookBody = 1 << 20

// Handler contains HTTP handlers
type Handler struct {
	store        *store.Store
	reservations *service.ReservationManager
	payments     *service.PaymentService
	machine      *service.OrderStateMachine
	compensation *service.CompensationService
	returns      *service.ReturnService
	webhooks     *service.WebhookProcessor
	ledger       *service.InventoryLedger
	cache        *redisclient.Client
}

// NewHandler creates a new HTTP handler. cache may be nil; availability reads
// then fall through to the database.
func NewHandler(
	st *store.Store,
	reservations *service.ReservationManager,
	payments *service.PaymentService,
	machine *service.OrderStateMachine,
	compensation *service.CompensationService,
	returns *service.ReturnService,
	webhooks *service.WebhookProcessor,
	ledger *service.InventoryLedger,
	cache *redisclient.Client,
) *Handler {
	return &Handler{
		store:        st,
		reservations: reservations,
		payments:     payments,
		machine:      machine,
		compensation: compensation,
		returns:      returns,
		webhooks:     webhooks,
		ledger:       ledger,
		cache:        cache,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/payments", h.paymentWebhook)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.checkout)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/pay-with-credit", h.payWithCredit)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/status", h.updateStatus)
		v1.POST("/orders/:id/return", h.requestReturn)
		v1.POST("/orders/:id/return/decision", h.decideReturn)
		v1.GET("/credits", h.listCredits)
		v1.GET("/inventory/:variantId", h.getAvailability)
		v1.POST("/inventory/:variantId/adjust", h.adjustStock)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// checkout converts the caller's cart into a pending order with a stock
// reservation, then registers the payment intent with the gateway.
func (h *Handler) checkout(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req service.DeliveryData
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.reservations.CreateOrder(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	payment, err := h.payments.CreatePaymentIntent(c.Request.Context(), order.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order":   order,
		"payment": payment,
	})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, err := h.store.GetOrderByID(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	if order.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	items, err := h.store.GetOrderItems(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	movements, err := h.store.GetMovementsByOrder(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":     order,
		"items":     items,
		"movements": movements,
	})
}

// listOrders returns the caller's orders, newest first
func (h *Handler) listOrders(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	orders, err := h.store.ListOrdersByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// payWithCredit spends the caller's credits against the order total
func (h *Handler) payWithCredit(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, payment, err := h.payments.PayOrderWithCredit(c.Request.Context(), orderID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":   order,
		"payment": payment,
	})
}

// cancelOrder handles buyer or staff cancellation
func (h *Handler) cancelOrder(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, credits, err := h.compensation.CancelOrder(c.Request.Context(), orderID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":   order,
		"credits": credits,
	})
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// staffStatuses are the transitions staff may drive directly. Payment,
// cancellation and return decisions go through their own endpoints so that
// stock capture, restock and credit side effects are never skipped.
var staffStatuses = map[string]bool{
	models.OrderStatusPreparing:  true,
	models.OrderStatusShipped:    true,
	models.OrderStatusDelivered:  true,
	models.OrderStatusFraudAlert: true,
}

// updateStatus drives staff-side fulfillment transitions.
func (h *Handler) updateStatus(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if !staffStatuses[req.Status] {
		respondError(c, apperr.InvalidInput("status %s cannot be set through this endpoint", req.Status))
		return
	}

	order, err := h.machine.TransitionTo(c.Request.Context(), orderID, req.Status, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// requestReturn files a return request on a paid or delivered order
func (h *Handler) requestReturn(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req models.ReturnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.returns.RequestReturn(c.Request.Context(), orderID, userID, &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

type returnDecisionRequest struct {
	Approved bool `json:"approved"`
}

// decideReturn applies the staff decision on a pending return
func (h *Handler) decideReturn(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req returnDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, credit, err := h.returns.ProcessReturn(c.Request.Context(), orderID, req.Approved, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":  order,
		"credit": credit,
	})
}

// listCredits returns the caller's credits
func (h *Handler) listCredits(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	credits, err := h.store.ListCreditsByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"credits": credits})
}

// getAvailability answers from the Redis cache when it is warm, otherwise
// from the variant row.
func (h *Handler) getAvailability(c *gin.Context) {
	variantID, ok := pathID(c, "variantId")
	if !ok {
		return
	}

	if h.cache != nil {
		if stock, reserved, err := h.cache.GetAvailability(c.Request.Context(), variantID); err == nil {
			c.JSON(http.StatusOK, gin.H{
				"variant_id": variantID,
				"stock":      stock,
				"reserved":   reserved,
				"available":  stock - reserved,
				"source":     "cache",
			})
			return
		}
	}

	v, err := h.store.GetVariantByID(c.Request.Context(), variantID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Variant not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"variant_id": v.ID,
		"stock":      v.Stock,
		"reserved":   v.ReservedStock,
		"available":  v.AvailableStock(),
		"source":     "db",
	})
}

type adjustStockRequest struct {
	Delta        int    `json:"delta" binding:"required"`
	MovementType string `json:"movement_type"`
}

// adjustStock applies a manual stock correction or restock
func (h *Handler) adjustStock(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	variantID, ok := pathID(c, "variantId")
	if !ok {
		return
	}

	var req adjustStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	movementType := req.MovementType
	if movementType == "" {
		movementType = models.MovementAdjustment
	}

	if err := h.ledger.Adjust(c.Request.Context(), variantID, req.Delta, movementType, nil, userID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "adjusted"})
}

// paymentWebhook receives gateway events. Any processing error answers 500 so
// the gateway retries the delivery; business outcomes all answer 200.
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}

	outcome, err := h.webhooks.Handle(c.Request.Context(), body, c.Request.Header)
	if err != nil {
		switch apperr.CodeOf(err) {
		case apperr.CodeSignatureInvalid:
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case apperr.CodeInvalidInput:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook processing failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

// currentUser pulls the authenticated user id injected by the edge proxy.
func currentUser(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid X-User-ID"})
		return 0, false
	}
	return userID, true
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
}

// respondError maps business error codes onto HTTP statuses; anything without
// a code is an infrastructure failure.
func respondError(c *gin.Context, err error) {
	var status int
	switch apperr.CodeOf(err) {
	case apperr.CodeInvalidInput, apperr.CodeEmptyCart:
		status = http.StatusBadRequest
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodeConflict, apperr.CodeInvalidTransition, apperr.CodePriceDrift,
		apperr.CodeInsufficientStock, apperr.CodeReservationExpired,
		apperr.CodeAmountMismatch, apperr.CodeInactiveProduct, apperr.CodeReturnWindow:
		status = http.StatusConflict
	case apperr.CodeSignatureInvalid:
		status = http.StatusForbidden
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	c.JSON(status, gin.H{
		"error": err.Error(),
		"code":  apperr.CodeOf(err),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
