// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/sgrastar/authrim/pkg/api/v1/mocks"
	"github.com/sgrastar/authrim/pkg/authserver/storage"
	"github.com/sgrastar/authrim/pkg/shard"
)

func TestStatsRouter(t *testing.T) {
	t.Parallel()

	t.Run("sums shards in placement order", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		src := mocks.NewMockStatsSource(ctrl)
		src.EXPECT().Name().Return("user-client")
		src.EXPECT().Stats(gomock.Any()).Return(map[shard.Placement]storage.Stats{
			{Generation: 2, Region: "weur", Shard: 40}: {AuthorizationCodes: 1},
			{Generation: 1, Region: "enam", Shard: 9}:  {RefreshTokens: 3, Families: 2},
			{Generation: 2, Region: "apac", Shard: 1}:  {AuthorizationCodes: 2, ConsumedCodes: 1},
		}, nil)

		rec := httptest.NewRecorder()
		StatsRouter(src).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var got []poolStats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "user-client", got[0].Pool)
		assert.Equal(t, storage.Stats{AuthorizationCodes: 3, ConsumedCodes: 1, RefreshTokens: 3, Families: 2}, got[0].Total)

		var order []shard.Placement
		for _, s := range got[0].Shards {
			order = append(order, s.Placement)
		}
		assert.Equal(t, []shard.Placement{
			{Generation: 1, Region: "enam", Shard: 9},
			{Generation: 2, Region: "apac", Shard: 1},
			{Generation: 2, Region: "weur", Shard: 40},
		}, order)
	})

	t.Run("storage failure", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		src := mocks.NewMockStatsSource(ctrl)
		src.EXPECT().Stats(gomock.Any()).Return(nil, errors.New("boom"))

		rec := httptest.NewRecorder()
		StatsRouter(src).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
