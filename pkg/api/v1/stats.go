// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/sgrastar/authrim/pkg/api/errors"
	"github.com/sgrastar/authrim/pkg/authserver/storage"
	autherrors "github.com/sgrastar/authrim/pkg/errors"
	"github.com/sgrastar/authrim/pkg/shard"
)

type shardStats struct {
	Placement shard.Placement `json:"placement"`
	storage.Stats
}

type poolStats struct {
	Pool   string        `json:"pool"`
	Total  storage.Stats `json:"total"`
	Shards []shardStats  `json:"shards"`
}

type statsRoutes struct {
	sources []StatsSource
}

// StatsRouter reports the per-shard counts of every live worker.
func StatsRouter(sources ...StatsSource) http.Handler {
	routes := &statsRoutes{sources: sources}
	r := chi.NewRouter()
	r.Get("/", apierrors.ErrorHandler(routes.getStats))
	return r
}

func (s *statsRoutes) getStats(w http.ResponseWriter, r *http.Request) error {
	out := make([]poolStats, 0, len(s.sources))
	for _, src := range s.sources {
		byShard, err := src.Stats(r.Context())
		if err != nil {
			return autherrors.NewInternalError("failed to collect shard stats", err)
		}
		ps := poolStats{Pool: src.Name(), Shards: make([]shardStats, 0, len(byShard))}
		for p, st := range byShard {
			ps.Total.Add(st)
			ps.Shards = append(ps.Shards, shardStats{Placement: p, Stats: st})
		}
		slices.SortFunc(ps.Shards, func(a, b shardStats) int {
			if a.Placement.Generation != b.Placement.Generation {
				return a.Placement.Generation - b.Placement.Generation
			}
			return a.Placement.Shard - b.Placement.Shard
		})
		out = append(out, ps)
	}
	apierrors.WriteJSON(w, http.StatusOK, out)
	return nil
}
