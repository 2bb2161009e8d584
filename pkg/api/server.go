// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api assembles the administrative HTTP server of the token store.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/sgrastar/authrim/pkg/api/v1"
	"github.com/sgrastar/authrim/pkg/logger"
	"github.com/sgrastar/authrim/pkg/telemetry"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
	maxRequestBody    = 1 << 20
)

// Services are the backends the admin API is served from.
type Services struct {
	ShardConfig v1.ShardConfigService
	Tokens      v1.TokenAdmin
	Health      v1.HealthChecker
	Stats       []v1.StatsSource
	// Metrics is mounted at /metrics when not nil.
	Metrics http.Handler
	// RequestMetrics instruments every request when not nil.
	RequestMetrics *telemetry.HTTPMiddleware
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}

// limitWriter turns the 400 a handler writes after its body hit the size
// limit into a 413.
type limitWriter struct {
	http.ResponseWriter
	exceeded    bool
	wroteHeader bool
}

func (w *limitWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	if w.exceeded && code == http.StatusBadRequest {
		code = http.StatusRequestEntityTooLarge
	}
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *limitWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

type trackingReader struct {
	io.ReadCloser
	w *limitWriter
}

func (r *trackingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		r.w.exceeded = true
	}
	return n, err
}

func requestBodySizeLimitMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
			lw := &limitWriter{ResponseWriter: w}
			r.Body = &trackingReader{ReadCloser: http.MaxBytesReader(lw, r.Body, limit), w: lw}
			next.ServeHTTP(lw, r)
		})
	}
}

// NewRouter builds the admin router.
func NewRouter(svc Services) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
		requestBodySizeLimitMiddleware(maxRequestBody),
		headersMiddleware,
	)
	if svc.RequestMetrics != nil {
		r.Use(svc.RequestMetrics.Handler)
	}

	r.Mount("/health", v1.HealthcheckRouter(svc.Health))
	if svc.Metrics != nil {
		r.Handle("/metrics", svc.Metrics)
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/shard-config", v1.ShardConfigRouter(svc.ShardConfig))
		r.Mount("/stats", v1.StatsRouter(svc.Stats...))
		r.Mount("/", v1.TokenRouter(svc.Tokens))
	})
	return r
}

// Serve runs the admin server on address until ctx is cancelled.
func Serve(ctx context.Context, address string, svc Services) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return ServeListener(ctx, listener, svc)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, listener net.Listener, svc Services) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           NewRouter(svc),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("starting admin server", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin server stopped with error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Infof("admin server stopped")
	return nil
}
