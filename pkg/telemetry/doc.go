// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides the OpenTelemetry meter provider and the token
// lifecycle instruments recorded by the shard stores.
package telemetry
