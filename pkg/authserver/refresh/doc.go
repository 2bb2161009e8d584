// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package refresh implements refresh token families with rotation and
// reuse detection.
//
// Every family lives on the shard its (user, client) pair routes to in the
// generation that was current when the family was created, the same shard
// the authorization code for that pair used. Rotation never moves a family:
// tokens minted by rotation keep the family's placement, so a family stays
// on one single-owner worker for its whole life.
//
// Presenting a token that has already been rotated away is treated as
// theft. The whole family is revoked and every member becomes unusable.
package refresh
