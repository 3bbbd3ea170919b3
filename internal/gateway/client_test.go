package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"fulfillment-service/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(baseURL string) *Client {
	return NewClient(config.GatewayConfig{
		BaseURL:         baseURL,
		PublicKey:       "pub_test_key",
		IntegritySecret: "integrity_secret",
		TimeoutSeconds:  5,
	})
}

func TestBuildIntegritySignature(t *testing.T) {
	c := testClient("http://unused")

	sum := sha256.Sum256([]byte("order-abc" + "5000" + "USD" + "integrity_secret"))
	expected := hex.EncodeToString(sum[:])

	assert.Equal(t, expected, c.BuildIntegritySignature("order-abc", 5000, "USD"))
}

func TestResolveAcceptanceToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/merchants/pub_test_key", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"presigned_acceptance":{"acceptance_token":"tok-123"}}}`))
	}))
	defer srv.Close()

	token, err := testClient(srv.URL).ResolveAcceptanceToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
}

func TestResolveAcceptanceTokenMissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).ResolveAcceptanceToken(context.Background())
	assert.Error(t, err)
}

func TestCreateTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transactions", r.URL.Path)
		assert.Equal(t, "Bearer pub_test_key", r.Header.Get("Authorization"))

		var req TransactionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "order-abc", req.Reference)
		assert.Equal(t, int64(5000), req.AmountInCents)
		assert.NotEmpty(t, req.Signature)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"tx-1","status":"PENDING","reference":"order-abc","amount_in_cents":5000,"currency":"USD"}}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	tx, err := c.CreateTransaction(context.Background(), &TransactionRequest{
		Reference:       "order-abc",
		AmountInCents:   5000,
		Currency:        "USD",
		CustomerEmail:   "buyer@example.com",
		AcceptanceToken: "tok-123",
		Signature:       c.BuildIntegritySignature("order-abc", 5000, "USD"),
	})
	require.NoError(t, err)
	assert.Equal(t, "tx-1", tx.ID)
	assert.Equal(t, "PENDING", tx.Status)
}

func TestCreateTransactionGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"invalid signature"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).CreateTransaction(context.Background(), &TransactionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}

func TestGetTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions/tx-1", r.URL.Path)
		w.Write([]byte(`{"data":{"id":"tx-1","status":"APPROVED"}}`))
	}))
	defer srv.Close()

	tx, err := testClient(srv.URL).GetTransaction(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", tx.Status)
}
