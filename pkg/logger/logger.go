// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger holds the process-wide slog logger used by the token store.
//
// Components that are constructed explicitly should take a *slog.Logger; use
// [Get] to obtain the shared one. The package-level helpers exist for code
// paths, like background loops, that have no natural place to inject one.
package logger

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

// singleton is replaced atomically by Initialize and Set.
var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(logging.New())
}

// Options controls how Initialize builds the logger.
type Options struct {
	// Level is one of debug, info, warn or error. Empty means info.
	Level string
	// Format is text or json. Empty defers to the UNSTRUCTURED_LOGS variable.
	Format string
}

// Get returns the underlying *slog.Logger for injection into structs.
func Get() *slog.Logger {
	return singleton.Load()
}

// Set replaces the singleton logger. Tests use it to capture output.
func Set(l *slog.Logger) {
	singleton.Store(l)
}

// Debugw logs at debug level with key-value pairs.
func Debugw(msg string, keysAndValues ...any) {
	Get().Debug(msg, keysAndValues...)
}

// Debugf logs a formatted message at debug level.
func Debugf(msg string, args ...any) {
	Get().Debug(fmt.Sprintf(msg, args...))
}

// Infow logs at info level with key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	Get().Info(msg, keysAndValues...)
}

// Infof logs a formatted message at info level.
func Infof(msg string, args ...any) {
	Get().Info(fmt.Sprintf(msg, args...))
}

// Warnw logs at warn level with key-value pairs.
func Warnw(msg string, keysAndValues ...any) {
	Get().Warn(msg, keysAndValues...)
}

// Warnf logs a formatted message at warn level.
func Warnf(msg string, args ...any) {
	Get().Warn(fmt.Sprintf(msg, args...))
}

// Errorw logs at error level with key-value pairs.
func Errorw(msg string, keysAndValues ...any) {
	Get().Error(msg, keysAndValues...)
}

// Errorf logs a formatted message at error level.
func Errorf(msg string, args ...any) {
	Get().Error(fmt.Sprintf(msg, args...))
}

// Initialize configures the singleton from opts and the process environment.
func Initialize(opts Options) {
	InitializeWithEnv(&env.OSReader{}, opts)
}

// InitializeWithEnv is Initialize with an injectable environment reader.
func InitializeWithEnv(envReader env.Reader, opts Options) {
	singleton.Store(logging.New(buildOptions(envReader, opts)...))
}

func buildOptions(envReader env.Reader, opts Options) []logging.Option {
	var out []logging.Option

	switch strings.ToLower(opts.Format) {
	case "text":
		out = append(out, logging.WithFormat(logging.FormatText))
	case "json":
	default:
		if unstructuredLogsWithEnv(envReader) {
			out = append(out, logging.WithFormat(logging.FormatText))
		}
	}

	if level, ok := parseLevel(opts.Level); ok {
		out = append(out, logging.WithLevel(level))
	}
	return out
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "info":
		return slog.LevelInfo, true
	}
	return slog.LevelInfo, false
}

func unstructuredLogsWithEnv(envReader env.Reader) bool {
	unstructuredLogs, err := strconv.ParseBool(envReader.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		// unset or unparsable: operators running locally get text output
		return true
	}
	return unstructuredLogs
}
