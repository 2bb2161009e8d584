// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides HTTP error handling for the admin API.
package errors

import (
	"encoding/json"
	"net/http"

	autherrors "github.com/sgrastar/authrim/pkg/errors"
	"github.com/sgrastar/authrim/pkg/logger"
)

// HandlerWithError is an HTTP handler that returns its error instead of
// writing it.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// errorBody is the JSON shape of every admin API error.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ErrorHandler adapts fn into an http.HandlerFunc. The status comes from
// autherrors.Code. Server errors are logged and answered with the bare
// status text; client errors carry their message.
//
//	r.Get("/{group}", apierrors.ErrorHandler(routes.describe))
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := autherrors.Code(err)
		body := errorBody{Error: http.StatusText(code), Message: err.Error()}
		if code >= http.StatusInternalServerError {
			logger.Errorw("admin request failed",
				"method", r.Method,
				"path", r.URL.Path,
				"error", err)
			body.Message = http.StatusText(code)
		}
		WriteJSON(w, code, body)
	}
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("failed to encode response: %v", err)
	}
}
