package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEventsSecret = "test_events_secret"

type webhookFixture struct {
	ms        *memStore
	ledger    *memLedger
	notifier  *fakeNotifier
	machine   *OrderStateMachine
	comp      *CompensationService
	payments  *PaymentService
	processor *WebhookProcessor
}

func newWebhookFixture() *webhookFixture {
	ms := newMemStore()
	ledger := newMemLedger(ms)
	notifier := &fakeNotifier{}
	machine := NewOrderStateMachine(ms, ledger, notifier)
	comp := NewCompensationService(ms, ledger, machine, notifier, 365*24*time.Hour)
	payments := NewPaymentService(ms, nil, machine, notifier, "USD")

	return &webhookFixture{
		ms:        ms,
		ledger:    ledger,
		notifier:  notifier,
		machine:   machine,
		comp:      comp,
		payments:  payments,
		processor: NewWebhookProcessor(ms, machine, comp, payments, nil, testEventsSecret),
	}
}

// signedEvent builds a gateway webhook payload with a valid checksum over
// (transaction.id, transaction.status, transaction.amount_in_cents).
func signedEvent(t *testing.T, txID, status, reference string, amount int64) []byte {
	t.Helper()
	timestamp := int64(1724400000)

	concat := fmt.Sprintf("%s%s%d%d%s", txID, status, amount, timestamp, testEventsSecret)
	sum := sha256.Sum256([]byte(concat))
	checksum := hex.EncodeToString(sum[:])

	payload := map[string]interface{}{
		"event":     "transaction.updated",
		"timestamp": timestamp,
		"data": map[string]interface{}{
			"transaction": map[string]interface{}{
				"id":              txID,
				"status":          status,
				"amount_in_cents": amount,
				"reference":       reference,
			},
		},
		"signature": map[string]interface{}{
			"checksum":   checksum,
			"properties": []string{"transaction.id", "transaction.status", "transaction.amount_in_cents"},
		},
	}

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func (f *webhookFixture) seedPendingOrder(total int64, stock, qty int) *models.Order {
	f.ms.addUser(1, false)
	f.ms.addVariant(10, total/int64(qty), nil, stock)
	f.ms.variants[10].ReservedStock = qty
	expiry := time.Now().Add(30 * time.Minute)
	return f.ms.addOrder(&models.Order{
		UserID:               1,
		Status:               models.OrderStatusPendingPayment,
		TotalAmount:          total,
		GatewayReference:     "order-abc123",
		ReservationExpiresAt: &expiry,
	}, models.OrderItem{VariantID: 10, Quantity: qty, PriceAtPurchase: total / int64(qty)})
}

func TestWebhookRejectsTamperedChecksum(t *testing.T) {
	f := newWebhookFixture()
	f.seedPendingOrder(5000, 5, 2)

	payload := signedEvent(t, "tx-1", "APPROVED", "order-abc123", 5000)
	tampered := strings.Replace(string(payload), `"amount_in_cents":5000`, `"amount_in_cents":1`, 1)

	_, err := f.processor.Handle(context.Background(), []byte(tampered), http.Header{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeSignatureInvalid))

	require.Len(t, f.ms.events, 1)
	assert.Equal(t, models.WebhookStatusFailed, f.ms.events[0].Status)

	order, _ := f.ms.GetOrderByGatewayReference(context.Background(), "order-abc123")
	assert.Equal(t, models.OrderStatusPendingPayment, order.Status, "tampered event must not touch the order")
}

func TestWebhookRejectsMissingSignatureFields(t *testing.T) {
	f := newWebhookFixture()

	payload := []byte(`{"event":"transaction.updated","timestamp":1,"data":{"transaction":{"id":"t","status":"APPROVED","amount_in_cents":1,"reference":"r"}},"signature":{"properties":["transaction.id"]}}`)

	_, err := f.processor.Handle(context.Background(), payload, http.Header{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeSignatureInvalid))
}

func TestWebhookApprovedOrderCapturesAndConfirms(t *testing.T) {
	f := newWebhookFixture()
	order := f.seedPendingOrder(5000, 5, 2)

	outcome, err := f.processor.Handle(context.Background(), signedEvent(t, "tx-1", "APPROVED", order.GatewayReference, 5000), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrderProcessed, outcome)

	got, _ := f.ms.GetOrderByID(context.Background(), order.ID)
	assert.Equal(t, models.OrderStatusPaid, got.Status)
	assert.Nil(t, got.ReservationExpiresAt)

	assert.Equal(t, 3, f.ms.variants[10].Stock)
	assert.Zero(t, f.ms.variants[10].ReservedStock)

	payment, _ := f.ms.GetLatestPaymentByOrderID(context.Background(), order.ID)
	require.NotNil(t, payment)
	assert.Equal(t, models.PaymentStatusApproved, payment.Status)
	assert.Equal(t, int64(5000), payment.Amount)
}

func TestWebhookDuplicateDeliveriesAreIgnored(t *testing.T) {
	f := newWebhookFixture()
	order := f.seedPendingOrder(5000, 5, 2)
	payload := signedEvent(t, "tx-1", "APPROVED", order.GatewayReference, 5000)
	ctx := context.Background()

	outcome, err := f.processor.Handle(ctx, payload, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrderProcessed, outcome)

	for i := 0; i < 3; i++ {
		outcome, err = f.processor.Handle(ctx, payload, http.Header{})
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, outcome)
	}

	assert.Equal(t, 3, f.ms.variants[10].Stock, "redelivery must not capture twice")
	got, _ := f.ms.GetOrderByID(ctx, order.ID)
	assert.Equal(t, models.OrderStatusPaid, got.Status)
}

func TestWebhookAmountMismatchFlagsFraud(t *testing.T) {
	f := newWebhookFixture()
	order := f.seedPendingOrder(5000, 5, 2)

	outcome, err := f.processor.Handle(context.Background(), signedEvent(t, "tx-1", "APPROVED", order.GatewayReference, 15000), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFraudAlert, outcome)

	got, _ := f.ms.GetOrderByID(context.Background(), order.ID)
	assert.Equal(t, models.OrderStatusFraudAlert, got.Status)
	require.NotNil(t, got.FraudReason)
	assert.Contains(t, *got.FraudReason, apperr.CodeAmountMismatch)
	assert.Contains(t, *got.FraudReason, "5000")
	assert.Contains(t, *got.FraudReason, "15000")

	assert.Equal(t, 5, f.ms.variants[10].Stock, "no capture on a flagged order")
	assert.Equal(t, 2, f.ms.variants[10].ReservedStock, "reservation held for review")
}

func TestWebhookExpiredReservationIssuesCredit(t *testing.T) {
	f := newWebhookFixture()
	f.ms.addUser(1, false)
	// The sweeper already released the hold and the last unit sold elsewhere.
	f.ms.addVariant(10, 2500, nil, 1)
	expiry := time.Now().Add(-time.Minute)
	order := f.ms.addOrder(&models.Order{
		UserID:               1,
		Status:               models.OrderStatusPendingPayment,
		TotalAmount:          5000,
		GatewayReference:     "order-late",
		ReservationExpiresAt: &expiry,
	}, models.OrderItem{VariantID: 10, Quantity: 2, PriceAtPurchase: 2500})

	outcome, err := f.processor.Handle(context.Background(), signedEvent(t, "tx-1", "APPROVED", "order-late", 5000), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreditIssued, outcome)

	got, _ := f.ms.GetOrderByID(context.Background(), order.ID)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)

	credits, _ := f.ms.ListCreditsByUser(context.Background(), 1)
	require.Len(t, credits, 1)
	assert.Equal(t, int64(5000), credits[0].InitialAmount)
	assert.Equal(t, int64(5000), credits[0].RemainingAmount)
	assert.Equal(t, "reservation_expired", credits[0].Reason)
	assert.True(t, credits[0].ExpiresAt.After(time.Now().Add(364*24*time.Hour)))

	assert.Contains(t, f.notifier.codes(), models.EventTypeCreditIssued)
}

func TestWebhookLateApprovalOnCancelledOrderIssuesCredit(t *testing.T) {
	f := newWebhookFixture()
	order := f.seedPendingOrder(5000, 5, 2)
	ctx := context.Background()
	f.ms.CreatePayment(ctx, &models.Payment{
		UserID:        1,
		OrderID:       &order.ID,
		Amount:        5000,
		Status:        models.PaymentStatusPending,
		PaymentType:   models.PaymentTypeOrder,
		TransactionID: "gw-tx-9",
	})

	// The sweeper won the race against the gateway's delivery.
	_, err := f.machine.CancelExpired(ctx, order.ID)
	require.NoError(t, err)

	payload := signedEvent(t, "gw-tx-9", "APPROVED", order.GatewayReference, 5000)
	outcome, err := f.processor.Handle(ctx, payload, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreditIssued, outcome)

	payment, _ := f.ms.GetLatestPaymentByOrderID(ctx, order.ID)
	assert.Equal(t, models.PaymentStatusApproved, payment.Status, "captured money is acknowledged")

	credits, _ := f.ms.ListCreditsByUser(ctx, 1)
	require.Len(t, credits, 1)
	assert.Equal(t, int64(5000), credits[0].InitialAmount)
	assert.Equal(t, "late_payment_cancelled_order", credits[0].Reason)

	assert.Equal(t, 5, f.ms.variants[10].Stock, "cancelled order never ships")

	// Redelivery finds the payment settled and does not credit twice.
	outcome, err = f.processor.Handle(ctx, payload, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	credits, _ = f.ms.ListCreditsByUser(ctx, 1)
	assert.Len(t, credits, 1)
}

func TestWebhookTimeoutCancelsOrderAndMarksPayment(t *testing.T) {
	f := newWebhookFixture()
	order := f.seedPendingOrder(5000, 5, 2)
	f.ms.CreatePayment(context.Background(), &models.Payment{
		UserID:        1,
		OrderID:       &order.ID,
		Amount:        5000,
		Status:        models.PaymentStatusPending,
		PaymentType:   models.PaymentTypeOrder,
		TransactionID: "gw-tx-88",
	})

	outcome, err := f.processor.Handle(context.Background(), signedEvent(t, "gw-tx-88", "TIMEOUT", order.GatewayReference, 5000), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrderProcessed, outcome)

	got, _ := f.ms.GetOrderByID(context.Background(), order.ID)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)

	payment, _ := f.ms.GetLatestPaymentByOrderID(context.Background(), order.ID)
	assert.Equal(t, models.PaymentStatusTimeout, payment.Status)
}

func TestWebhookDeclinedCancelsOrder(t *testing.T) {
	f := newWebhookFixture()
	order := f.seedPendingOrder(5000, 5, 2)
	f.ms.CreatePayment(context.Background(), &models.Payment{
		UserID:        1,
		OrderID:       &order.ID,
		Amount:        5000,
		Status:        models.PaymentStatusPending,
		PaymentType:   models.PaymentTypeOrder,
		TransactionID: "gw-tx-77",
	})

	outcome, err := f.processor.Handle(context.Background(), signedEvent(t, "gw-tx-77", "DECLINED", order.GatewayReference, 5000), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrderProcessed, outcome)

	got, _ := f.ms.GetOrderByID(context.Background(), order.ID)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	assert.Zero(t, f.ms.variants[10].ReservedStock, "declined payment releases the hold")

	payment, _ := f.ms.GetLatestPaymentByOrderID(context.Background(), order.ID)
	assert.Equal(t, models.PaymentStatusDeclined, payment.Status)
}

func TestWebhookUnknownReferenceIsIgnored(t *testing.T) {
	f := newWebhookFixture()

	outcome, err := f.processor.Handle(context.Background(), signedEvent(t, "tx-9", "APPROVED", "order-nobody", 100), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	require.Len(t, f.ms.events, 1)
	assert.Equal(t, models.WebhookStatusIgnored, f.ms.events[0].Status)
}

func TestWebhookSinglePaymentApprovedTriggersFulfillment(t *testing.T) {
	f := newWebhookFixture()
	f.ms.addUser(1, false)
	f.ms.CreatePayment(context.Background(), &models.Payment{
		UserID:        1,
		Amount:        8000,
		Status:        models.PaymentStatusPending,
		PaymentType:   models.PaymentTypeAdvance,
		TransactionID: "ptx-1",
	})

	outcome, err := f.processor.Handle(context.Background(), signedEvent(t, "ptx-1", "APPROVED", "ptx-1", 8000), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, OutcomePaymentProcessed, outcome)

	payment, _ := f.ms.GetPendingPaymentByTransactionID(context.Background(), "ptx-1")
	assert.Nil(t, payment, "payment left the pending pool")

	assert.Contains(t, f.notifier.codes(), models.EventTypeBookingConfirmed)
}

func TestWebhookSinglePaymentAmountMismatch(t *testing.T) {
	f := newWebhookFixture()
	f.ms.addUser(1, false)
	f.ms.CreatePayment(context.Background(), &models.Payment{
		UserID:        1,
		Amount:        8000,
		Status:        models.PaymentStatusPending,
		PaymentType:   models.PaymentTypePackage,
		TransactionID: "ptx-2",
	})

	outcome, err := f.processor.Handle(context.Background(), signedEvent(t, "ptx-2", "APPROVED", "ptx-2", 7000), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAmountMismatch, outcome)

	assert.Empty(t, f.notifier.codes(), "no fulfillment on a mismatched amount")
	assert.Equal(t, models.PaymentStatusError, f.ms.payments[0].Status)
}

func TestWebhookChecksumComparisonIsCaseInsensitive(t *testing.T) {
	f := newWebhookFixture()
	order := f.seedPendingOrder(5000, 5, 2)

	payload := signedEvent(t, "tx-1", "APPROVED", order.GatewayReference, 5000)
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &parsed))
	sig := parsed["signature"].(map[string]interface{})
	sig["checksum"] = strings.ToUpper(sig["checksum"].(string))
	upper, err := json.Marshal(parsed)
	require.NoError(t, err)

	outcome, err := f.processor.Handle(context.Background(), upper, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrderProcessed, outcome)
}
