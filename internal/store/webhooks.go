package store

import (
	"context"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateWebhookEvent persists an inbound gateway call before any validation
// runs. The row is finalized with a terminal status once handling completes.
func (s *Store) CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	query := `
		INSERT INTO webhook_events (event_type, raw_payload, headers, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, event, query,
		event.EventType, event.RawPayload, event.Headers, event.Status)
}

// FinalizeWebhookEvent records the terminal status and error message
func (s *Store) FinalizeWebhookEvent(ctx context.Context, eventID int64, status string, errMsg *string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE webhook_events SET status = $1, error_message = $2 WHERE id = $3",
		status, errMsg, eventID)
	return err
}

// CreateCredit creates a client credit
func (s *Store) CreateCredit(ctx context.Context, credit *models.ClientCredit) error {
	query := `
		INSERT INTO client_credits (user_id, initial_amount, remaining_amount, status, reason, payment_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, credit, query,
		credit.UserID, credit.InitialAmount, credit.RemainingAmount, credit.Status,
		credit.Reason, credit.PaymentID, credit.ExpiresAt)
}

// ListCreditsByUser retrieves a user's credits, oldest first
func (s *Store) ListCreditsByUser(ctx context.Context, userID int64) ([]models.ClientCredit, error) {
	var credits []models.ClientCredit
	err := s.db.SelectContext(ctx, &credits,
		"SELECT * FROM client_credits WHERE user_id = $1 ORDER BY created_at", userID)
	return credits, err
}

// ConsumeCredits draws down a user's unexpired credits oldest-first until
// amount is covered or the credits run out, returning the cents actually
// consumed. Rows are locked so two checkouts cannot spend the same credit.
func (s *Store) ConsumeCredits(ctx context.Context, userID int64, amount int64, now time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	consumed, err := consumeCreditsTx(ctx, tx, userID, amount, now)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return consumed, nil
}

// ConsumeCreditsIntoPayment draws down the buyer's credits toward target and
// records the resulting payment in the same transaction, so a later failure
// can never leave consumed credit without a payment row. The payment's
// Amount is set to the cents actually consumed; nothing is written when the
// buyer has no usable credit.
func (s *Store) ConsumeCreditsIntoPayment(ctx context.Context, payment *models.Payment, target int64, now time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	consumed, err := consumeCreditsTx(ctx, tx, payment.UserID, target, now)
	if err != nil {
		return 0, err
	}
	if consumed == 0 {
		return 0, nil
	}

	payment.Amount = consumed
	query := `
		INSERT INTO payments (user_id, order_id, amount, status, payment_type, transaction_id, raw_response)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err = tx.GetContext(ctx, payment, query,
		payment.UserID, payment.OrderID, payment.Amount, payment.Status,
		payment.PaymentType, payment.TransactionID, payment.RawResponse)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return consumed, nil
}

func consumeCreditsTx(ctx context.Context, tx *sqlx.Tx, userID int64, amount int64, now time.Time) (int64, error) {
	var credits []models.ClientCredit
	err := tx.SelectContext(ctx, &credits, `
		SELECT * FROM client_credits
		WHERE user_id = $1 AND status IN ($2, $3) AND expires_at > $4
		ORDER BY created_at
		FOR UPDATE`,
		userID, models.CreditStatusAvailable, models.CreditStatusPartiallyUsed, now)
	if err != nil {
		return 0, err
	}

	var consumed int64
	for i := range credits {
		if consumed >= amount {
			break
		}
		take := credits[i].RemainingAmount
		if take > amount-consumed {
			take = amount - consumed
		}

		remaining := credits[i].RemainingAmount - take
		status := models.CreditStatusPartiallyUsed
		if remaining == 0 {
			status = models.CreditStatusExhausted
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE client_credits SET remaining_amount = $1, status = $2 WHERE id = $3",
			remaining, status, credits[i].ID)
		if err != nil {
			return 0, err
		}
		consumed += take
	}
	return consumed, nil
}

// ExpireCredits marks lapsed credits EXPIRED; run by the background sweep.
func (s *Store) ExpireCredits(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE client_credits SET status = $1
		WHERE status IN ($2, $3) AND expires_at <= $4`,
		models.CreditStatusExpired, models.CreditStatusAvailable, models.CreditStatusPartiallyUsed, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
