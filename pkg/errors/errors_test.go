// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stacklok/toolhive-core/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err:  NewInternalError("save failed", errors.New("underlying error")),
			want: "internal: save failed: underlying error",
		},
		{
			name: "error without cause",
			err:  NewResourceExhaustedError("too many codes"),
			want: "resource_exhausted: too many codes",
		},
		{
			name: "invalid grant with reason",
			err:  NewInvalidGrantError(ReasonReuseDetected, "refresh token rejected"),
			want: "invalid_grant: refresh token rejected (reuse detected)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("underlying error")
	err := NewConflictError("state moved", cause)
	assert.Same(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
	assert.Nil(t, NewNotFoundError("x", nil).Unwrap())
}

func TestTypePredicatesSeeThroughWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("redeem: %w", NewInvalidGrantError(ReasonCodeAlreadyUsed, "code rejected"))

	assert.True(t, IsInvalidGrant(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.Equal(t, ReasonCodeAlreadyUsed, ReasonOf(wrapped))
	assert.Equal(t, ReasonNone, ReasonOf(errors.New("plain")))

	assert.True(t, IsResourceExhausted(NewResourceExhaustedError("x")))
	assert.True(t, IsRateLimited(NewRateLimitedError("x")))
	assert.True(t, IsValidationFailed(NewValidationFailedError("x", nil)))
	assert.True(t, IsConflict(NewConflictError("x", nil)))
}

func TestCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"invalid grant", NewInvalidGrantError(ReasonExpired, "x"), http.StatusBadRequest},
		{"exhausted", NewResourceExhaustedError("x"), http.StatusTooManyRequests},
		{"rate limited", NewRateLimitedError("x"), http.StatusTooManyRequests},
		{"validation", NewValidationFailedError("x", nil), http.StatusUnprocessableEntity},
		{"not found", NewNotFoundError("x", nil), http.StatusNotFound},
		{"conflict", NewConflictError("x", nil), http.StatusConflict},
		{"unavailable", NewUnavailableError("x", nil), http.StatusServiceUnavailable},
		{"internal", NewInternalError("x", nil), http.StatusInternalServerError},
		{"httperr fallback", httperr.WithCode(errors.New("bad body"), http.StatusBadRequest), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestToRFC6749HidesReason(t *testing.T) {
	t.Parallel()

	for _, reason := range []Reason{ReasonUnknown, ReasonExpired, ReasonReuseDetected, ReasonFamilyRevoked} {
		rfc := ToRFC6749(NewInvalidGrantError(reason, "rejected"))
		require.NotNil(t, rfc)
		assert.Equal(t, "invalid_grant", rfc.ErrorField)
		assert.Equal(t, http.StatusBadRequest, rfc.CodeField)
		assert.NotContains(t, rfc.DescriptionField, string(reason))
		assert.NotContains(t, rfc.HintField, string(reason))
		assert.Equal(t, string(reason), rfc.DebugField)
	}

	rfc := ToRFC6749(NewResourceExhaustedError("too many outstanding codes"))
	assert.Equal(t, "temporarily_unavailable", rfc.ErrorField)
	assert.Equal(t, http.StatusTooManyRequests, rfc.CodeField)

	rfc = ToRFC6749(errors.New("boom"))
	assert.Equal(t, "server_error", rfc.ErrorField)
}
