// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/pkg/authserver/authcode"
	autherrors "github.com/sgrastar/authrim/pkg/errors"
)

func TestWriteError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	code, err := h.service.Authorize(ctx, authcode.IssueRequest{
		ClientID:      "client-A",
		UserID:        "user-42",
		Scope:         "openid",
		RedirectURI:   redirect,
		PKCEChallenge: challenge,
		PKCEMethod:    PKCEMethodS256,
	})
	require.NoError(t, err)
	req := ExchangeRequest{Code: code, ClientID: "client-A", RedirectURI: redirect, CodeVerifier: verifier}
	_, err = h.service.ExchangeCode(ctx, req)
	require.NoError(t, err)
	_, replayErr := h.service.ExchangeCode(ctx, req)
	require.Error(t, replayErr)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{name: "replayed code", err: replayErr, wantStatus: http.StatusBadRequest, wantError: "invalid_grant"},
		{
			name:       "code cap",
			err:        autherrors.NewResourceExhaustedError("user has 100 outstanding authorization codes"),
			wantStatus: http.StatusTooManyRequests,
			wantError:  "temporarily_unavailable",
		},
		{
			name:       "storage failure",
			err:        autherrors.NewInternalError("failed to redeem authorization code", errors.New("redis: connection refused")),
			wantStatus: http.StatusInternalServerError,
			wantError:  "server_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			WriteError(rec, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body.Error)
			assert.NotEmpty(t, body.ErrorDescription)

			raw := rec.Body.String()
			assert.NotContains(t, raw, "already used")
			assert.NotContains(t, raw, "outstanding")
			assert.NotContains(t, raw, "redis")
			assert.NotContains(t, raw, code)
		})
	}
}
