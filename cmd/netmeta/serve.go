// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNMA/services/nma/api"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the analysis API over HTTP",
		Long: `serve exposes the analysis engine over HTTP:

  POST /v1/nma/analyze    full report for a dataset
  POST /v1/nma/validate   validation only
  GET  /v1/nma/health     liveness
  GET  /metrics           Prometheus metrics, when telemetry is enabled

Results are cached in BadgerDB when cache.dir is set.`,
		Example: `  curl -X POST http://localhost:8090/v1/nma/analyze \
    -H "Content-Type: application/json" -d @contrasts.json`,
		Args: exactArgs(0),
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	cmd.Flags().BoolVar(&debug, "debug", false, "gin debug mode")

	cmd.RunE = a.run(func(cmd *cobra.Command, args []string) error {
		sc := a.cfg.Server
		if cmd.Flags().Changed("addr") {
			sc.Addr = addr
		}
		if debug {
			gin.SetMode(gin.DebugMode)
		} else {
			gin.SetMode(gin.ReleaseMode)
		}

		engine, closeEngine, err := a.newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		opts := api.Options{
			ServiceName:  "netmeta",
			MaxBodyBytes: sc.MaxBodyBytes,
			Logger:       a.logger.Slog(),
			RateLimit:    sc.RateLimit,
			RateBurst:    sc.RateBurst,
		}
		var router *gin.Engine
		if a.cfg.Telemetry.Enabled && a.cfg.Telemetry.MetricsExporter == "prometheus" {
			router = api.NewDefaultRouter(engine, opts)
		} else {
			router = api.NewRouter(engine, opts)
		}

		srv := &http.Server{
			Addr:         sc.Addr,
			Handler:      router,
			ReadTimeout:  sc.ReadTimeout,
			WriteTimeout: sc.WriteTimeout,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		serveErr := make(chan error, 1)
		go func() {
			a.logger.Info("starting netmeta server", "address", sc.Addr, "cache", a.cfg.Cache.Dir)
			serveErr <- srv.ListenAndServe()
		}()

		select {
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("listen %s: %w", sc.Addr, err)
		case <-ctx.Done():
		}

		a.logger.Info("shutting down netmeta server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return cmd
}
