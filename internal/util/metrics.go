package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created with reserved inventory",
	})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of orders confirmed as paid",
	})

	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	}, []string{"source"})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed order creations",
	}, []string{"reason"})

	FraudAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_fraud_alerts_total",
		Help: "Total number of orders flagged for fraud review",
	})

	ReservationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	ReservationsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_reservations_expired_total",
		Help: "Total number of reservations released by the expiry sweep",
	})

	StockCapturedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_stock_captured_units_total",
		Help: "Total units of stock captured on payment confirmation",
	})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhooks_total",
		Help: "Total number of gateway webhooks by outcome",
	}, []string{"outcome"})

	WebhookProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_webhook_latency_seconds",
		Help:    "Latency of webhook processing",
		Buckets: prometheus.DefBuckets,
	})

	CreditsIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "client_credits_issued_total",
		Help: "Total number of client credits issued",
	}, []string{"reason"})

	CreditsConsumedCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "client_credits_consumed_cents_total",
		Help: "Total credit cents consumed by checkouts",
	})

	ReturnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_returns_total",
		Help: "Total number of return decisions",
	}, []string{"decision"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
