// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/sgrastar/authrim/pkg/api/errors"
	"github.com/sgrastar/authrim/pkg/authserver/tokens"
	autherrors "github.com/sgrastar/authrim/pkg/errors"
	"github.com/sgrastar/authrim/pkg/logger"
)

type revokeFamilyRequest struct {
	FamilyID string `json:"familyId"`
	Reason   string `json:"reason,omitempty"`
}

type revokeUserRequest struct {
	UserID string `json:"userId"`
}

type sessionListResponse struct {
	UserID   string           `json:"userId"`
	Sessions []tokens.Session `json:"sessions"`
}

// TokenRoutes serves family revocation and session listing.
type TokenRoutes struct {
	admin TokenAdmin
}

// TokenRouter creates the token administration routes.
func TokenRouter(admin TokenAdmin) http.Handler {
	routes := &TokenRoutes{admin: admin}

	r := chi.NewRouter()
	r.Post("/revoke-family", apierrors.ErrorHandler(routes.revokeFamily))
	r.Post("/revoke-user", apierrors.ErrorHandler(routes.revokeUser))
	r.Get("/users/{user}/sessions", apierrors.ErrorHandler(routes.listSessions))
	return r
}

// revokeFamily
//
//	@Summary	Revoke a refresh token family
//	@Tags		tokens
//	@Accept		json
//	@Produce	json
//	@Param		request	body		revokeFamilyRequest	true	"Family to revoke"
//	@Success	200		{object}	storage.TokenFamily
//	@Failure	400		{object}	map[string]string
//	@Failure	404		{object}	map[string]string
//	@Router		/api/v1/revoke-family [post]
func (t *TokenRoutes) revokeFamily(w http.ResponseWriter, r *http.Request) error {
	var req revokeFamilyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return autherrors.NewInvalidArgumentError("invalid request body", err)
	}
	if req.FamilyID == "" {
		return autherrors.NewInvalidArgumentError("familyId is required", nil)
	}

	fam, err := t.admin.RevokeFamily(r.Context(), req.FamilyID, req.Reason)
	if err != nil {
		return err
	}
	logger.Infow("token family revoked via admin API", "family", fam.ID, "reason", fam.RevokedReason)
	apierrors.WriteJSON(w, http.StatusOK, fam)
	return nil
}

// revokeUser
//
//	@Summary	Revoke every token family of a user
//	@Tags		tokens
//	@Accept		json
//	@Produce	json
//	@Param		request	body		revokeUserRequest	true	"User to revoke"
//	@Success	200		{object}	tokens.RevokeUserResult
//	@Router		/api/v1/revoke-user [post]
func (t *TokenRoutes) revokeUser(w http.ResponseWriter, r *http.Request) error {
	var req revokeUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return autherrors.NewInvalidArgumentError("invalid request body", err)
	}
	if req.UserID == "" {
		return autherrors.NewInvalidArgumentError("userId is required", nil)
	}

	res, err := t.admin.RevokeUser(r.Context(), req.UserID)
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, res)
	return nil
}

func (t *TokenRoutes) listSessions(w http.ResponseWriter, r *http.Request) error {
	user := chi.URLParam(r, "user")
	sessions, err := t.admin.ListSessions(r.Context(), user)
	if err != nil {
		return err
	}
	if sessions == nil {
		sessions = []tokens.Session{}
	}
	apierrors.WriteJSON(w, http.StatusOK, sessionListResponse{UserID: user, Sessions: sessions})
	return nil
}
