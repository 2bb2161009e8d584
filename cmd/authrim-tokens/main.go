// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point of authrim-tokens, the sharded token
// lifecycle store.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sgrastar/authrim/cmd/authrim-tokens/app"
	"github.com/sgrastar/authrim/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		cancel()
		os.Exit(1)
	}
}
