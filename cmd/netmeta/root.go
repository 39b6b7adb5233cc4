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
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNMA/pkg/logging"
	"github.com/AleutianAI/AleutianNMA/pkg/ux"
	"github.com/AleutianAI/AleutianNMA/services/nma/config"
	"github.com/AleutianAI/AleutianNMA/services/nma/dataset"
	"github.com/AleutianAI/AleutianNMA/services/nma/heterogeneity"
	"github.com/AleutianAI/AleutianNMA/services/nma/pipeline"
	resultstore "github.com/AleutianAI/AleutianNMA/services/nma/storage/badger"
	"github.com/AleutianAI/AleutianNMA/services/nma/telemetry"
)

const defaultConfigPath = "netmeta.yaml"

// errUsage marks configuration and flag errors (exit code 2).
var errUsage = errors.New("usage error")

// app carries state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
	logJSON    bool
	quiet      bool
	noColor    bool

	cfg      config.Config
	logger   *logging.Logger
	shutdown func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "netmeta",
		Short: "Frequentist network meta-analysis",
		Long: `netmeta pools direct and indirect evidence across a network of
treatment comparisons, checks consistency, ranks treatments by bootstrap
and measures the influence of each study.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", defaultConfigPath, "config file (YAML or JSON)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&a.logJSON, "log-json", false, "write logs as JSON")
	pf.BoolVarP(&a.quiet, "quiet", "q", false, "suppress logs on stderr")
	pf.BoolVar(&a.noColor, "no-color", false, "disable styled output")

	root.AddCommand(
		newAnalyzeCmd(a),
		newRankCmd(a),
		newValidateCmd(a),
		newWatchCmd(a),
		newServeCmd(a),
		newCacheCmd(a),
	)

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errUsage, err)
	})
	return root
}

// execute runs the root command and reports a failure on stderr.
func execute(root *cobra.Command, stderr io.Writer) error {
	err := root.Execute()
	if err != nil {
		newPrinter(stderr, false).Error(err.Error())
	}
	return err
}

// exactArgs is cobra.ExactArgs reporting errUsage.
func exactArgs(n int) cobra.PositionalArgs {
	check := cobra.ExactArgs(n)
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
		return nil
	}
}

// setup loads configuration, applies global flag overrides and builds the
// logger and telemetry.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("config") {
		if _, err := os.Stat(a.configPath); err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if flags.Changed("log-json") {
		cfg.Logging.JSON = a.logJSON
	}
	if flags.Changed("quiet") {
		cfg.Logging.Quiet = a.quiet
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	a.cfg = cfg
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: logging.DefaultService,
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Quiet,
		Output:  cmd.ErrOrStderr(),
	})

	if cfg.Telemetry.Enabled {
		tc := telemetry.DefaultConfig()
		tc.TraceExporter = cfg.Telemetry.TraceExporter
		tc.MetricExporter = cfg.Telemetry.MetricsExporter
		if cfg.Telemetry.OTLPEndpoint != "" {
			tc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
		}
		tc.SampleRate = cfg.Telemetry.SampleRate
		shutdown, err := telemetry.Init(cmd.Context(), tc)
		if err != nil {
			_ = a.logger.Close()
			return fmt.Errorf("telemetry: %w", err)
		}
		a.shutdown = shutdown
	}
	a.logger.Debug("configuration loaded", "config", a.configPath, "command", cmd.Name())
	return nil
}

// run wraps a command body so telemetry and the logger are released on
// every exit path.
func (a *app) run(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer a.teardown()
		return fn(cmd, args)
	}
}

func (a *app) teardown() {
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

// newEngine builds the analysis engine from the loaded configuration. The
// returned close function releases the result store.
func (a *app) newEngine() (*pipeline.Engine, func(), error) {
	opts := []pipeline.Option{pipeline.WithLogger(a.logger.Slog())}

	instr, err := telemetry.NewGlobalInstruments()
	if err != nil {
		return nil, nil, fmt.Errorf("instruments: %w", err)
	}
	opts = append(opts, pipeline.WithInstruments(instr))

	closeFn := func() {}
	if a.cfg.Cache.Dir != "" {
		store, err := a.openStore()
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, pipeline.WithStore(store))
		closeFn = func() {
			if err := store.Close(); err != nil {
				a.logger.Warn("close result cache", "error", err)
			}
		}
	}
	return pipeline.New(a.cfg.Analysis, opts...), closeFn, nil
}

// openStore opens the result cache at cache.dir.
func (a *app) openStore() (*resultstore.ResultStore, error) {
	sc := resultstore.DefaultConfig(a.cfg.Cache.Dir)
	sc.TTL = a.cfg.Cache.TTL
	sc.Logger = a.logger.Slog()
	store, err := resultstore.Open(sc)
	if err != nil {
		return nil, fmt.Errorf("open result cache: %w", err)
	}
	return store, nil
}

// loadDataset reads path, honoring an explicit input format.
func loadDataset(path, format string) (*dataset.Dataset, error) {
	if format == "" {
		return dataset.Load(path)
	}
	f, err := dataset.ParseFormat(format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return dataset.Read(file, f)
}

// newPrinter styles output only for terminals.
func newPrinter(w io.Writer, noColor bool) *ux.Printer {
	return ux.NewPrinter(w, !noColor && isTerminal(w))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// -----------------------------------------------------------------------------
// Analysis flags
// -----------------------------------------------------------------------------

// analysisFlags override config.AnalysisConfig for one command.
type analysisFlags struct {
	tauMethod       string
	nBoot           int
	seed            uint64
	reference       string
	workers         int
	smallerIsBetter bool
	alpha           float64
	inputFormat     string
}

func (f *analysisFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.tauMethod, "tau-method", "", "heterogeneity estimator: REML, DL or ML")
	fs.IntVar(&f.nBoot, "n-boot", 0, "bootstrap iterations")
	fs.Uint64Var(&f.seed, "seed", 0, "bootstrap seed")
	fs.StringVar(&f.reference, "reference", "", "reference treatment")
	fs.IntVar(&f.workers, "workers", 0, "parallel workers")
	fs.BoolVar(&f.smallerIsBetter, "smaller-is-better", false, "rank lower effects first")
	fs.Float64Var(&f.alpha, "alpha", 0, "two-sided significance level")
	fs.StringVar(&f.inputFormat, "input-format", "", "input format: csv, yaml or json (default: from extension)")
}

// apply copies changed flags into cfg and revalidates it.
func (f *analysisFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	fs := cmd.Flags()
	if fs.Changed("tau-method") {
		m, err := heterogeneity.ParseMethod(f.tauMethod)
		if err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
		cfg.Analysis.TauMethod = m
	}
	if fs.Changed("n-boot") {
		cfg.Analysis.NBoot = f.nBoot
	}
	if fs.Changed("seed") {
		cfg.Analysis.Seed = f.seed
	}
	if fs.Changed("reference") {
		cfg.Analysis.Reference = f.reference
	}
	if fs.Changed("workers") {
		cfg.Analysis.Workers = f.workers
	}
	if fs.Changed("smaller-is-better") {
		cfg.Analysis.SmallerIsBetter = f.smallerIsBetter
	}
	if fs.Changed("alpha") {
		cfg.Analysis.Alpha = f.alpha
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	return nil
}
