package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Outcome is the terminal result of processing one webhook delivery.
type Outcome string

const (
	OutcomeOrderProcessed   Outcome = "order_processed"
	OutcomePaymentProcessed Outcome = "payment_processed"
	OutcomeFraudAlert       Outcome = "fraud_alert"
	OutcomeAmountMismatch   Outcome = "amount_mismatch"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeCreditIssued     Outcome = "credit_issued"
)

// dedupTTL bounds how long a processed-event key blocks duplicate
// deliveries on the fast path; the store lookups remain the real guard.
const dedupTTL = 24 * time.Hour

type webhookStore interface {
	CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	FinalizeWebhookEvent(ctx context.Context, eventID int64, status string, errMsg *string) error
	GetPendingPaymentByTransactionID(ctx context.Context, txID string) (*models.Payment, error)
	GetOrderByGatewayReference(ctx context.Context, reference string) (*models.Order, error)
	GetLatestPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error)
	CreatePayment(ctx context.Context, payment *models.Payment) error
	UpdatePaymentStatus(ctx context.Context, paymentID int64, status string, rawResponse *string) error
}

type orderMachine interface {
	Transitioner
	ConfirmPayment(ctx context.Context, orderID int64) (*models.Order, error)
}

type compensator interface {
	HandleExpiredCapture(ctx context.Context, order *models.Order) (*models.ClientCredit, error)
	ReleaseReservation(ctx context.Context, order *models.Order, movementType, reason string) error
	IssueCredit(ctx context.Context, userID int64, orderID, paymentID *int64, amount int64, reason string) (*models.ClientCredit, error)
}

type statusApplier interface {
	ApplyGatewayStatus(ctx context.Context, payment *models.Payment, gatewayStatus string, rawResponse *string) error
}

type eventDedup interface {
	MarkEventProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ClearEventProcessed(ctx context.Context, key string) error
}

// WebhookProcessor validates inbound gateway events and maps them
// idempotently onto payments and orders. Safe to invoke any number of times
// with the same payload.
type WebhookProcessor struct {
	store    webhookStore
	orders   orderMachine
	comp     compensator
	payments statusApplier
	dedup    eventDedup // optional fast path, may be nil
	secret   string
	logger   *zap.Logger
}

// NewWebhookProcessor creates a new webhook processor
func NewWebhookProcessor(store webhookStore, orders orderMachine, comp compensator, payments statusApplier, dedup eventDedup, secret string) *WebhookProcessor {
	return &WebhookProcessor{
		store:    store,
		orders:   orders,
		comp:     comp,
		payments: payments,
		dedup:    dedup,
		secret:   secret,
		logger:   util.GetLogger(),
	}
}

// gatewayEvent is the typed view of the gateway's webhook payload.
type gatewayEvent struct {
	Event     string          `json:"event"`
	Timestamp json.Number     `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Signature struct {
		Checksum   string   `json:"checksum"`
		Properties []string `json:"properties"`
	} `json:"signature"`
}

type gatewayTransaction struct {
	ID            string      `json:"id"`
	Status        string      `json:"status"`
	AmountInCents json.Number `json:"amount_in_cents"`
	Reference     string      `json:"reference"`
}

// Handle processes one webhook delivery. The event is persisted before any
// validation runs; every terminal path updates that row, and errors are
// recorded as FAILED and returned so the transport layer answers non-2xx
// (triggering the gateway's retry).
func (wp *WebhookProcessor) Handle(ctx context.Context, rawPayload []byte, headers http.Header) (Outcome, error) {
	ctx, span := util.StartSpan(ctx, "WebhookProcessor.Handle")
	defer span.End()

	start := time.Now()
	defer func() {
		util.WebhookProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	headerJSON, _ := json.Marshal(headers)
	event := &models.WebhookEvent{
		EventType:  "unknown",
		RawPayload: string(rawPayload),
		Headers:    string(headerJSON),
		Status:     models.WebhookStatusProcessed,
	}

	var parsed gatewayEvent
	if err := json.Unmarshal(rawPayload, &parsed); err == nil && parsed.Event != "" {
		event.EventType = parsed.Event
	}

	if err := wp.store.CreateWebhookEvent(ctx, event); err != nil {
		return "", fmt.Errorf("failed to persist webhook event: %w", err)
	}

	outcome, dedupKey, err := wp.process(ctx, rawPayload, &parsed)
	if err != nil {
		msg := err.Error()
		if finErr := wp.store.FinalizeWebhookEvent(ctx, event.ID, models.WebhookStatusFailed, &msg); finErr != nil {
			wp.logger.Error("Failed to finalize webhook event", zap.Error(finErr))
		}
		if wp.dedup != nil && dedupKey != "" {
			// Let the gateway's retry through.
			if clearErr := wp.dedup.ClearEventProcessed(ctx, dedupKey); clearErr != nil {
				wp.logger.Warn("Failed to clear webhook dedup key", zap.Error(clearErr))
			}
		}
		util.WebhooksTotal.WithLabelValues("failed").Inc()
		return "", err
	}

	terminal := models.WebhookStatusProcessed
	if outcome == OutcomeIgnored {
		terminal = models.WebhookStatusIgnored
	}
	var note *string
	if outcome == OutcomeFraudAlert || outcome == OutcomeAmountMismatch {
		s := string(outcome)
		note = &s
	}
	if err := wp.store.FinalizeWebhookEvent(ctx, event.ID, terminal, note); err != nil {
		wp.logger.Error("Failed to finalize webhook event", zap.Error(err))
	}

	util.WebhooksTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (wp *WebhookProcessor) process(ctx context.Context, rawPayload []byte, parsed *gatewayEvent) (Outcome, string, error) {
	if parsed.Event == "" {
		return "", "", apperr.InvalidInput("webhook payload is not a gateway event")
	}

	if err := wp.validateSignature(rawPayload, parsed); err != nil {
		return "", "", err
	}
	dedupKey := strings.ToLower(parsed.Signature.Checksum)

	var data struct {
		Transaction gatewayTransaction `json:"transaction"`
	}
	if err := json.Unmarshal(parsed.Data, &data); err != nil {
		return "", dedupKey, apperr.InvalidInput("malformed transaction data: %v", err)
	}
	tx := data.Transaction
	if tx.Reference == "" || tx.Status == "" {
		return "", dedupKey, apperr.InvalidInput("transaction reference and status are required")
	}

	if wp.dedup != nil {
		first, err := wp.dedup.MarkEventProcessed(ctx, dedupKey, dedupTTL)
		if err != nil {
			wp.logger.Warn("Webhook dedup check failed, continuing on store lookups", zap.Error(err))
		} else if !first {
			return OutcomeIgnored, dedupKey, nil
		}
	}

	amount, err := tx.AmountInCents.Int64()
	if err != nil {
		return "", dedupKey, apperr.InvalidInput("malformed amount_in_cents: %v", err)
	}
	raw := string(rawPayload)

	// Single-payment flow first: advance/booking style payments hold the
	// gateway transaction id directly and stay PENDING until a webhook
	// settles them.
	payment, err := wp.store.GetPendingPaymentByTransactionID(ctx, tx.Reference)
	if err != nil {
		return "", dedupKey, err
	}
	if payment != nil {
		outcome, err := wp.handleSinglePayment(ctx, payment, &tx, amount, &raw)
		return outcome, dedupKey, err
	}

	order, err := wp.store.GetOrderByGatewayReference(ctx, tx.Reference)
	if err != nil {
		return "", dedupKey, err
	}
	if order == nil {
		// Bogus reference: the idempotency guard.
		return OutcomeIgnored, dedupKey, nil
	}
	if order.Status == models.OrderStatusCancelled && tx.Status == "APPROVED" {
		outcome, err := wp.handleLateApproval(ctx, order, &tx, amount, &raw)
		return outcome, dedupKey, err
	}
	if order.Status != models.OrderStatusPendingPayment {
		// Already terminal: the idempotency guard.
		return OutcomeIgnored, dedupKey, nil
	}

	outcome, err := wp.handleOrderPayment(ctx, order, &tx, amount, &raw)
	return outcome, dedupKey, err
}

// validateSignature implements the gateway's checksum scheme: resolve each
// signed property path against the event data in order, concatenate the
// values, append the timestamp and the shared secret, and compare the
// SHA-256 hex digest case-insensitively.
func (wp *WebhookProcessor) validateSignature(rawPayload []byte, parsed *gatewayEvent) error {
	if parsed.Signature.Checksum == "" || len(parsed.Signature.Properties) == 0 {
		return apperr.SignatureInvalid("missing signature checksum or properties")
	}
	if parsed.Timestamp.String() == "" {
		return apperr.SignatureInvalid("missing event timestamp")
	}

	dec := json.NewDecoder(bytes.NewReader(parsed.Data))
	dec.UseNumber()
	var dataMap map[string]interface{}
	if err := dec.Decode(&dataMap); err != nil {
		return apperr.SignatureInvalid("malformed event data: %v", err)
	}

	var concat strings.Builder
	for _, prop := range parsed.Signature.Properties {
		value, found := resolveProperty(dataMap, prop)
		if !found {
			return apperr.SignatureInvalid("signed property %q not present in payload", prop)
		}
		concat.WriteString(value)
	}
	concat.WriteString(parsed.Timestamp.String())
	concat.WriteString(wp.secret)

	sum := sha256.Sum256([]byte(concat.String()))
	computed := hex.EncodeToString(sum[:])

	if !strings.EqualFold(computed, parsed.Signature.Checksum) {
		return apperr.SignatureInvalid("checksum mismatch")
	}
	return nil
}

// resolveProperty walks a dotted path through nested JSON objects and
// renders the leaf as the string the gateway signed.
func resolveProperty(m map[string]interface{}, path string) (string, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = m
	for _, part := range parts {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return "", false
		}
		current, ok = obj[part]
		if !ok {
			return "", false
		}
	}

	switch v := current.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

func (wp *WebhookProcessor) handleOrderPayment(ctx context.Context, order *models.Order, tx *gatewayTransaction, amount int64, raw *string) (Outcome, error) {
	if tx.Status != "APPROVED" {
		wp.logger.Info("Gateway reported unsuccessful order payment",
			zap.Int64("order_id", order.ID),
			zap.String("gateway_status", tx.Status))

		if payment, err := wp.store.GetLatestPaymentByOrderID(ctx, order.ID); err == nil && payment != nil {
			var status string
			switch tx.Status {
			case "DECLINED", "VOIDED":
				status = models.PaymentStatusDeclined
			case "TIMEOUT":
				status = models.PaymentStatusTimeout
			default:
				status = models.PaymentStatusError
			}
			if err := wp.store.UpdatePaymentStatus(ctx, payment.ID, status, raw); err != nil {
				return "", err
			}
		}

		if _, err := wp.orders.TransitionTo(ctx, order.ID, models.OrderStatusCancelled, fmt.Sprintf("gateway status %s", tx.Status)); err != nil {
			return "", err
		}
		return OutcomeOrderProcessed, nil
	}

	if diff := amount - order.TotalAmount; diff < -amountTolerance || diff > amountTolerance {
		mismatch := apperr.AmountMismatch(order.TotalAmount, amount)
		if _, err := wp.orders.TransitionTo(ctx, order.ID, models.OrderStatusFraudAlert, mismatch.Error()); err != nil {
			return "", err
		}
		return OutcomeFraudAlert, nil
	}

	if err := wp.settleOrderPayment(ctx, order, tx, amount, raw); err != nil {
		return "", err
	}

	_, err := wp.orders.ConfirmPayment(ctx, order.ID)
	if err == nil {
		return OutcomeOrderProcessed, nil
	}

	if apperr.Is(err, apperr.CodeReservationExpired) {
		// Money was captured but the goods are gone; compensate with credit.
		// The payment stays APPROVED.
		if _, compErr := wp.comp.HandleExpiredCapture(ctx, order); compErr != nil {
			return "", compErr
		}
		if _, trErr := wp.orders.TransitionTo(ctx, order.ID, models.OrderStatusCancelled, "reservation expired, credit issued"); trErr != nil {
			wp.logger.Error("Failed to cancel order after compensation",
				zap.Int64("order_id", order.ID),
				zap.Error(trErr))
		}
		return OutcomeCreditIssued, nil
	}

	wp.logger.Error("Payment confirmation failed, flagging order",
		zap.Int64("order_id", order.ID),
		zap.Error(err))

	reason := fmt.Sprintf("payment confirmation failed: %v", err)
	if _, trErr := wp.orders.TransitionTo(ctx, order.ID, models.OrderStatusFraudAlert, reason); trErr != nil {
		return "", trErr
	}
	if relErr := wp.comp.ReleaseReservation(ctx, order, models.MovementReservationRelease, reason); relErr != nil {
		return "", relErr
	}
	return OutcomeFraudAlert, nil
}

// settleOrderPayment marks the order's payment APPROVED, creating the row
// if checkout never registered one.
func (wp *WebhookProcessor) settleOrderPayment(ctx context.Context, order *models.Order, tx *gatewayTransaction, amount int64, raw *string) error {
	payment, err := wp.store.GetLatestPaymentByOrderID(ctx, order.ID)
	if err != nil {
		return err
	}
	if payment == nil {
		return wp.store.CreatePayment(ctx, &models.Payment{
			UserID:        order.UserID,
			OrderID:       &order.ID,
			Amount:        amount,
			Status:        models.PaymentStatusApproved,
			PaymentType:   models.PaymentTypeOrder,
			TransactionID: tx.ID,
			RawResponse:   raw,
		})
	}
	return wp.store.UpdatePaymentStatus(ctx, payment.ID, models.PaymentStatusApproved, raw)
}

// handleLateApproval compensates money captured for an order that was
// already cancelled, typically the reservation sweeper racing the gateway.
// The payment settles as APPROVED and the buyer receives a credit for the
// captured amount; goods are never fulfilled.
func (wp *WebhookProcessor) handleLateApproval(ctx context.Context, order *models.Order, tx *gatewayTransaction, amount int64, raw *string) (Outcome, error) {
	payment, err := wp.store.GetLatestPaymentByOrderID(ctx, order.ID)
	if err != nil {
		return "", err
	}
	if payment != nil && payment.Status != models.PaymentStatusPending {
		// Already settled or compensated; a redelivery has nothing to do.
		return OutcomeIgnored, nil
	}

	if err := wp.settleOrderPayment(ctx, order, tx, amount, raw); err != nil {
		return "", err
	}

	var paymentID *int64
	if settled, err := wp.store.GetLatestPaymentByOrderID(ctx, order.ID); err == nil && settled != nil {
		paymentID = &settled.ID
	}

	if _, err := wp.comp.IssueCredit(ctx, order.UserID, &order.ID, paymentID, amount, "late_payment_cancelled_order"); err != nil {
		return "", err
	}

	wp.logger.Warn("Approved payment arrived for a cancelled order, credit issued",
		zap.Int64("order_id", order.ID),
		zap.Int64("amount", amount))
	return OutcomeCreditIssued, nil
}

func (wp *WebhookProcessor) handleSinglePayment(ctx context.Context, payment *models.Payment, tx *gatewayTransaction, amount int64, raw *string) (Outcome, error) {
	if diff := amount - payment.Amount; diff < -amountTolerance || diff > amountTolerance {
		wp.logger.Warn("Gateway amount disagrees with payment",
			zap.Int64("payment_id", payment.ID),
			zap.Error(apperr.AmountMismatch(payment.Amount, amount)))

		if err := wp.store.UpdatePaymentStatus(ctx, payment.ID, models.PaymentStatusError, raw); err != nil {
			return "", err
		}
		return OutcomeAmountMismatch, nil
	}

	if err := wp.payments.ApplyGatewayStatus(ctx, payment, tx.Status, raw); err != nil {
		return "", err
	}
	return OutcomePaymentProcessed, nil
}
