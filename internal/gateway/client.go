// Package gateway is the outbound HTTP client for the payment gateway. The
// core depends on its contract (acceptance token, transaction creation,
// integrity signature) but does not implement gateway semantics beyond it.
package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fulfillment-service/config"
)

type Client struct {
	baseURL         string
	publicKey       string
	integritySecret string
	http            *http.Client
}

// NewClient creates a gateway client with a bounded request timeout. A
// timeout during checkout is handled by cancelling the just-created order
// rather than leaving its reservation dangling.
func NewClient(cfg config.GatewayConfig) *Client {
	return &Client{
		baseURL:         cfg.BaseURL,
		publicKey:       cfg.PublicKey,
		integritySecret: cfg.IntegritySecret,
		http: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

// Transaction is the gateway's view of a payment attempt.
type Transaction struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Reference     string `json:"reference"`
	AmountInCents int64  `json:"amount_in_cents"`
	Currency      string `json:"currency"`
}

// TransactionRequest is the payload for creating a gateway transaction.
type TransactionRequest struct {
	Reference       string `json:"reference"`
	AmountInCents   int64  `json:"amount_in_cents"`
	Currency        string `json:"currency"`
	CustomerEmail   string `json:"customer_email"`
	AcceptanceToken string `json:"acceptance_token"`
	Signature       string `json:"signature"`
}

// ResolveAcceptanceToken fetches the merchant's current pre-signed
// acceptance token, required on every created transaction.
func (c *Client) ResolveAcceptanceToken(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/merchants/%s", c.baseURL, c.publicKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway merchant lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway merchant lookup returned %d", resp.StatusCode)
	}

	var body struct {
		Data struct {
			PresignedAcceptance struct {
				AcceptanceToken string `json:"acceptance_token"`
			} `json:"presigned_acceptance"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode merchant response: %w", err)
	}
	if body.Data.PresignedAcceptance.AcceptanceToken == "" {
		return "", fmt.Errorf("gateway merchant response missing acceptance token")
	}
	return body.Data.PresignedAcceptance.AcceptanceToken, nil
}

// CreateTransaction registers a payment intent with the gateway.
func (c *Client) CreateTransaction(ctx context.Context, txReq *TransactionRequest) (*Transaction, error) {
	payload, err := json.Marshal(txReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/transactions", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.publicKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway transaction create failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gateway transaction create returned %d: %s", resp.StatusCode, raw)
	}

	var body struct {
		Data Transaction `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode transaction response: %w", err)
	}
	return &body.Data, nil
}

// GetTransaction fetches the gateway's current state of a transaction, used
// by support tooling to reconcile against the internal payment row.
func (c *Client) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	url := fmt.Sprintf("%s/transactions/%s", c.baseURL, id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway transaction lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway transaction lookup returned %d", resp.StatusCode)
	}

	var body struct {
		Data Transaction `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode transaction response: %w", err)
	}
	return &body.Data, nil
}

// BuildIntegritySignature computes the signature the gateway expects on a
// created transaction: SHA-256 over reference, amount, currency and the
// merchant integrity secret.
func (c *Client) BuildIntegritySignature(reference string, amountInCents int64, currency string) string {
	payload := fmt.Sprintf("%s%d%s%s", reference, amountInCents, currency, c.integritySecret)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
