package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeMapping(t *testing.T) {
	tests := []struct {
		code   Code
		status int
		class  Classification
	}{
		{CodeInvalidInput, http.StatusBadRequest, ClassClient},
		{CodeIdempotencyConflict, http.StatusConflict, ClassClient},
		{CodeIdempotencyInProgress, http.StatusConflict, ClassClient},
		{CodeInsufficientBalance, http.StatusUnprocessableEntity, ClassClient},
		{CodeRateLimited, http.StatusTooManyRequests, ClassClient},
		{CodeStoreUnavailable, http.StatusServiceUnavailable, ClassTransient},
		{CodeLedgerUnavailable, http.StatusServiceUnavailable, ClassTransient},
		{CodeTxTimeout, http.StatusGatewayTimeout, ClassTransient},
		{CodeTxReverted, http.StatusUnprocessableEntity, ClassRejection},
		{CodeInternal, http.StatusInternalServerError, ClassInternal},
		{Code("SOMETHING_NEW"), http.StatusInternalServerError, ClassInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, tt.code.HTTPStatus(), tt.code)
		assert.Equal(t, tt.class, tt.code.Classification(), tt.code)
	}
}

func TestFromHidesForeignErrors(t *testing.T) {
	assert.Nil(t, From(nil))
	assert.Equal(t, Code(""), CodeOf(nil))

	raw := errors.New("pq: password authentication failed for user registry")
	ae := From(raw)
	assert.Equal(t, CodeInternal, ae.Code)
	assert.NotContains(t, ae.Message, "password")
	assert.ErrorIs(t, ae, raw)
}

func TestWrapAndReceipt(t *testing.T) {
	cause := errors.New("connection reset")
	e := Wrap(CodeStoreUnavailable, cause, "failed to write receipt")
	wrapped := fmt.Errorf("finalize: %w", e)

	assert.True(t, Is(wrapped, CodeStoreUnavailable))
	assert.False(t, Is(wrapped, CodeInternal))
	assert.ErrorIs(t, wrapped, cause)

	withID := e.WithReceipt("r-1")
	assert.Equal(t, "r-1", withID.ReceiptID)
	assert.Empty(t, e.ReceiptID)
	assert.Equal(t, "STORE_UNAVAILABLE: failed to write receipt: connection reset", e.Error())
}
