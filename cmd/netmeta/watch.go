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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNMA/services/nma/batch"
	"github.com/AleutianAI/AleutianNMA/services/nma/watch"
)

func newWatchCmd(a *app) *cobra.Command {
	var af analysisFlags
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch FILE",
		Short: "Re-run the analysis whenever the dataset changes",
		Long: `watch analyses FILE, then analyses it again every time it is saved.
An analysis still running when the file changes is abandoned. Stop with
Ctrl-C.`,
		Args: exactArgs(1),
	}
	af.register(cmd)
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultOptions().Debounce, "quiet period before re-running")

	cmd.RunE = a.run(func(cmd *cobra.Command, args []string) error {
		if err := af.apply(cmd, &a.cfg); err != nil {
			return err
		}
		engine, closeEngine, err := a.newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		out := newPrinter(cmd.OutOrStdout(), a.noColor)
		errOut := newPrinter(cmd.ErrOrStderr(), a.noColor)

		handler := func(ctx context.Context, path string) {
			start := time.Now()
			ds, err := loadDataset(path, af.inputFormat)
			if err != nil {
				errOut.Error(err.Error())
				return
			}
			rep, err := engine.Run(ctx, ds)
			switch {
			case errors.Is(err, batch.ErrCancelled):
				a.logger.Debug("superseded analysis abandoned", "path", path)
				return
			case err != nil:
				reportComponents(cmd, a, err)
				errOut.Error(err.Error())
				return
			}
			renderReport(out, rep)
			out.Muted("analysed in " + time.Since(start).Round(time.Millisecond).String() + ", watching " + path)
		}

		w, err := watch.New(args[0], handler, watch.Options{Debounce: debounce, Logger: a.logger.Slog()})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a.logger.Info("watching dataset", "path", w.Path())
		return w.Run(ctx)
	})
	return cmd
}
