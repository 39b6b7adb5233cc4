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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNMA/services/nma/dataset"
	"github.com/AleutianAI/AleutianNMA/services/nma/model"
	"github.com/AleutianAI/AleutianNMA/services/nma/pipeline"
	"github.com/AleutianAI/AleutianNMA/services/nma/ranking"
)

// outputFlags select the report format and destination.
type outputFlags struct {
	format string
	out    string
}

func (f *outputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.format, "format", "text", "output format: text or json")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "write the report to a file instead of stdout")
}

// open returns the report destination and its close function.
func (f *outputFlags) open(cmd *cobra.Command) (io.Writer, func() error, error) {
	switch f.format {
	case "text", "json":
	default:
		return nil, nil, fmt.Errorf("%w: unknown output format %q", errUsage, f.format)
	}
	if f.out == "" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	file, err := os.Create(f.out)
	if err != nil {
		return nil, nil, err
	}
	return file, file.Close, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newAnalyzeCmd(a *app) *cobra.Command {
	var af analysisFlags
	var of outputFlags
	cmd := &cobra.Command{
		Use:   "analyze FILE",
		Short: "Run the full analysis: effects, consistency, ranking and leave-one-out",
		Example: `  netmeta analyze contrasts.csv
  netmeta analyze contrasts.yaml --tau-method DL --n-boot 5000 --format json -o report.json`,
		Args: exactArgs(1),
	}
	af.register(cmd)
	of.register(cmd)

	cmd.RunE = a.run(func(cmd *cobra.Command, args []string) error {
		if err := af.apply(cmd, &a.cfg); err != nil {
			return err
		}
		ds, err := loadDataset(args[0], af.inputFormat)
		if err != nil {
			return err
		}
		w, closeOut, err := of.open(cmd)
		if err != nil {
			return err
		}

		engine, closeEngine, err := a.newEngine()
		if err != nil {
			_ = closeOut()
			return err
		}
		defer closeEngine()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rep, err := engine.Run(ctx, ds)
		if err != nil {
			_ = closeOut()
			reportComponents(cmd, a, err)
			return err
		}

		if of.format == "json" {
			err = writeJSON(w, rep)
		} else {
			renderReport(newPrinter(w, a.noColor), rep)
		}
		if cerr := closeOut(); err == nil {
			err = cerr
		}
		return err
	})
	return cmd
}

// rankOutput is the JSON body of `netmeta rank`.
type rankOutput struct {
	RunID      string                `json:"run_id"`
	Treatments []string              `json:"treatments"`
	Ranking    *ranking.Distribution `json:"ranking"`
	PScores    []float64             `json:"p_scores"`
}

func newRankCmd(a *app) *cobra.Command {
	var af analysisFlags
	var of outputFlags
	cmd := &cobra.Command{
		Use:     "rank FILE",
		Short:   "Rank treatments by bootstrap (SUCRA, mean rank) and P-score",
		Example: `  netmeta rank contrasts.csv --n-boot 10000 --seed 42 --smaller-is-better`,
		Args:    exactArgs(1),
	}
	af.register(cmd)
	of.register(cmd)

	cmd.RunE = a.run(func(cmd *cobra.Command, args []string) error {
		if err := af.apply(cmd, &a.cfg); err != nil {
			return err
		}
		ds, err := loadDataset(args[0], af.inputFormat)
		if err != nil {
			return err
		}
		w, closeOut, err := of.open(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = closeOut() }()

		engine, closeEngine, err := a.newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		an, err := engine.Prepare(ctx, ds)
		if err != nil {
			reportComponents(cmd, a, err)
			return err
		}
		dist, err := an.Ranking(ctx)
		if err != nil {
			return err
		}

		if of.format == "json" {
			return writeJSON(w, rankOutput{
				RunID:      an.RunID,
				Treatments: an.Treatments().Labels(),
				Ranking:    dist,
				PScores:    an.PScores(),
			})
		}
		p := newPrinter(w, a.noColor)
		renderRanking(p, &pipeline.Report{Ranking: dist, PScores: an.PScores()})
		renderWarnings(p, dist.Warnings)
		return nil
	})
	return cmd
}

func newValidateCmd(a *app) *cobra.Command {
	var inputFormat, reference, export string
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check that a dataset is well formed and forms a connected network",
		Example: `  netmeta validate contrasts.yaml
  netmeta validate contrasts.json --export contrasts.csv`,
		Args: exactArgs(1),
	}
	cmd.Flags().StringVar(&inputFormat, "input-format", "", "input format: csv, yaml or json (default: from extension)")
	cmd.Flags().StringVar(&reference, "reference", "", "reference treatment")
	cmd.Flags().StringVar(&export, "export", "", "write the validated contrasts as CSV to this file")

	cmd.RunE = a.run(func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("reference") {
			a.cfg.Analysis.Reference = reference
		}
		ds, err := loadDataset(args[0], inputFormat)
		if err != nil {
			return err
		}
		set, err := pipeline.New(a.cfg.Analysis, pipeline.WithLogger(a.logger.Slog())).Validate(ds)
		if err != nil {
			reportComponents(cmd, a, err)
			return err
		}
		p := newPrinter(cmd.OutOrStdout(), a.noColor)
		renderValidation(p, args[0], set.Labels(), len(model.GroupStudies(ds.Contrasts)), len(ds.Contrasts))
		if export == "" {
			return nil
		}
		if err := exportContrasts(export, ds.Contrasts); err != nil {
			return err
		}
		p.Info("contrasts written to " + export)
		return nil
	})
	return cmd
}

// exportContrasts writes contrasts to path in the canonical CSV layout.
func exportContrasts(path string, contrasts []model.Contrast) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := dataset.WriteCSV(file, contrasts); err != nil {
		_ = file.Close()
		return fmt.Errorf("export %s: %w", path, err)
	}
	return file.Close()
}

// reportComponents lists the components of a disconnected network on
// stderr. Other errors are left to the caller.
func reportComponents(cmd *cobra.Command, a *app, err error) {
	var verr *model.ValidationError
	if errors.As(err, &verr) && len(verr.Components) > 1 {
		renderComponents(newPrinter(cmd.ErrOrStderr(), a.noColor), verr.Components)
	}
}
