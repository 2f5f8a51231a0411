package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"freightflow/contract"
	"freightflow/matching"
	"freightflow/offer"
	"freightflow/payment"
	"freightflow/settlement"
)

func TestCorsConfig(t *testing.T) {
	open := corsConfig(nil)
	assert.True(t, open.AllowAllOrigins)
	assert.False(t, open.AllowCredentials)
	assert.NoError(t, open.Validate())

	wildcard := corsConfig([]string{"https://app.example.com", "*"})
	assert.True(t, wildcard.AllowAllOrigins)
	assert.Empty(t, wildcard.AllowOrigins)

	listed := corsConfig([]string{"https://app.example.com"})
	assert.False(t, listed.AllowAllOrigins)
	assert.True(t, listed.AllowCredentials)
	assert.Equal(t, []string{"https://app.example.com"}, listed.AllowOrigins)
	assert.NoError(t, listed.Validate())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("offer: accept: %w", offer.ErrAlreadyTaken), http.StatusConflict, "already_taken"},
		{offer.ErrExpired, http.StatusGone, "expired"},
		{contract.ErrNotFound, http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: rate must be positive", offer.ErrInvalidOffer), http.StatusBadRequest, "invalid_request"},
		{contract.ErrCarrierMismatch, http.StatusForbidden, "forbidden"},
		{fmt.Errorf("%w: escrow pending", contract.ErrEscrowNotHeld), http.StatusConflict, "conflict"},
		{fmt.Errorf("offer: hold: %w", &payment.ProcessorError{Op: "create_hold", Err: errors.New("timeout")}), http.StatusBadGateway, "upstream_unavailable"},
		{matching.ErrUnavailable, http.StatusBadGateway, "upstream_unavailable"},
		{settlement.ErrNotHeld, http.StatusConflict, "conflict"},
		{errors.New("connection reset"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, code := classify(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}
