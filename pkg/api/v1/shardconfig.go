// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/sgrastar/authrim/pkg/api/errors"
	"github.com/sgrastar/authrim/pkg/authserver/migration"
	autherrors "github.com/sgrastar/authrim/pkg/errors"
	"github.com/sgrastar/authrim/pkg/logger"
	"github.com/sgrastar/authrim/pkg/shard"
)

// ShardConfigRoutes serves shard group configuration.
type ShardConfigRoutes struct {
	service ShardConfigService
}

// ShardConfigRouter creates the shard-config routes.
func ShardConfigRouter(service ShardConfigService) http.Handler {
	routes := &ShardConfigRoutes{service: service}

	r := chi.NewRouter()
	r.Post("/validate", apierrors.ErrorHandler(routes.validateCandidate))
	r.Get("/{group}", apierrors.ErrorHandler(routes.describe))
	r.Put("/{group}", apierrors.ErrorHandler(routes.migrate))
	r.Get("/{group}/validate", apierrors.ErrorHandler(routes.validateCurrent))
	return r
}

// describe
//
//	@Summary	Get a shard group's configuration and generations
//	@Tags		shard-config
//	@Produce	json
//	@Param		group	path		string	true	"Group key"
//	@Success	200		{object}	migration.Description
//	@Failure	404		{object}	map[string]string
//	@Router		/api/v1/shard-config/{group} [get]
func (s *ShardConfigRoutes) describe(w http.ResponseWriter, r *http.Request) error {
	desc, err := s.service.Describe(r.Context(), chi.URLParam(r, "group"))
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, desc)
	return nil
}

// migrate
//
//	@Summary	Activate a new shard group configuration
//	@Tags		shard-config
//	@Accept		json
//	@Produce	json
//	@Param		group	path		string				true	"Group key"
//	@Param		config	body		shard.GroupConfig	true	"New configuration"
//	@Success	200		{object}	migration.Result
//	@Failure	422		{object}	shard.ValidationResult
//	@Router		/api/v1/shard-config/{group} [put]
func (s *ShardConfigRoutes) migrate(w http.ResponseWriter, r *http.Request) error {
	group := chi.URLParam(r, "group")
	cfg, err := decodeGroupConfig(r)
	if err != nil {
		return err
	}
	if cfg.GroupID == "" && cfg.TenantID == "" {
		cfg.GroupID = group
	}

	res, err := s.service.Migrate(r.Context(), group, cfg)
	var verr *migration.ValidationError
	if errors.As(err, &verr) {
		apierrors.WriteJSON(w, http.StatusUnprocessableEntity, verr.Result)
		return nil
	}
	if err != nil {
		return err
	}

	logger.Infow("shard group migrated via admin API",
		"group", group,
		"previous", res.Previous.ID,
		"generation", res.Current.ID)
	apierrors.WriteJSON(w, http.StatusOK, res)
	return nil
}

// validateCurrent re-checks the active configuration without changing it.
func (s *ShardConfigRoutes) validateCurrent(w http.ResponseWriter, r *http.Request) error {
	res, err := s.service.ValidateCurrent(r.Context(), chi.URLParam(r, "group"))
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, res)
	return nil
}

// validateCandidate is a dry run: it answers 200 with the checks whether
// or not they pass.
func (s *ShardConfigRoutes) validateCandidate(w http.ResponseWriter, r *http.Request) error {
	cfg, err := decodeGroupConfig(r)
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, s.service.Validate(cfg))
	return nil
}

func decodeGroupConfig(r *http.Request) (*shard.GroupConfig, error) {
	var cfg shard.GroupConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		return nil, autherrors.NewInvalidArgumentError("invalid request body", err)
	}
	return &cfg, nil
}
