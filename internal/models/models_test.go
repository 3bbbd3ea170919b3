package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariantPriceFor(t *testing.T) {
	vip := int64(2000)
	v := &Variant{Price: 2500, VIPPrice: &vip}

	assert.Equal(t, int64(2500), v.PriceFor(false))
	assert.Equal(t, int64(2000), v.PriceFor(true))

	noVIP := &Variant{Price: 2500}
	assert.Equal(t, int64(2500), noVIP.PriceFor(true), "VIP without a VIP price pays the regular price")
}

func TestVariantAvailableStock(t *testing.T) {
	v := &Variant{Stock: 10, ReservedStock: 3}
	assert.Equal(t, 7, v.AvailableStock())
}

func TestPaymentIsSettled(t *testing.T) {
	assert.True(t, (&Payment{Status: PaymentStatusApproved}).IsSettled())
	assert.True(t, (&Payment{Status: PaymentStatusPaidWithCredit}).IsSettled())
	assert.False(t, (&Payment{Status: PaymentStatusPending}).IsSettled())
	assert.False(t, (&Payment{Status: PaymentStatusDeclined}).IsSettled())
}

func TestReturnRequestRoundTrip(t *testing.T) {
	req := &ReturnRequest{
		Reason: "wrong size",
		Items:  []ReturnLineItem{{OrderItemID: 7, Quantity: 1}},
	}

	encoded, err := req.Encode()
	require.NoError(t, err)

	decoded, err := DecodeReturnRequest(encoded)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)

	_, err = DecodeReturnRequest("{not json")
	assert.Error(t, err)
}
