// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"encoding/json"
	"net/http"

	autherrors "github.com/sgrastar/authrim/pkg/errors"
)

// ErrorResponse is the RFC 6749 section 5.2 error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteError writes an error returned by the Service as the response of a
// token endpoint. Only the standard error code and its generic description
// are sent; the internal reason, shard and generation stay server side.
func WriteError(w http.ResponseWriter, err error) {
	rfc := autherrors.ToRFC6749(err)
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(rfc.StatusCode())
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            rfc.ErrorField,
		ErrorDescription: rfc.DescriptionField,
	})
}
