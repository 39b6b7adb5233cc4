// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNMA/services/nma/heterogeneity"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, heterogeneity.MethodREML, cfg.Analysis.TauMethod)
	assert.Equal(t, 1000, cfg.Analysis.NBoot)
	assert.Equal(t, 100, cfg.Analysis.MaxResampleRetries)
	assert.Equal(t, 1e-10, cfg.Analysis.SVDTolerance)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "nma.yaml", `
analysis:
  tau_method: DL
  n_boot: 250
  smaller_is_better: true
  seed: 42
  workers: 4
  reference: placebo
cache:
  dir: /tmp/nma-cache
  ttl: 1h
server:
  addr: ":9000"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, heterogeneity.MethodDL, cfg.Analysis.TauMethod)
	assert.Equal(t, 250, cfg.Analysis.NBoot)
	assert.True(t, cfg.Analysis.SmallerIsBetter)
	assert.Equal(t, uint64(42), cfg.Analysis.Seed)
	assert.Equal(t, 4, cfg.Analysis.Workers)
	assert.Equal(t, "placebo", cfg.Analysis.Reference)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	// Untouched keys keep defaults.
	assert.Equal(t, 0.05, cfg.Analysis.Alpha)
}

func TestLoad_JSONFallback(t *testing.T) {
	path := writeFile(t, "nma.json", `{"analysis": {"tau_method": "ML", "alpha": 0.1}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, heterogeneity.MethodML, cfg.Analysis.TauMethod)
	assert.Equal(t, 0.1, cfg.Analysis.Alpha)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "nma.yaml", "analysis:\n  n_boot: 250\n")
	t.Setenv("NMA_N_BOOT", "99")
	t.Setenv("NMA_TAU_METHOD", "ml")
	t.Setenv("NMA_LOG_LEVEL", "debug")
	t.Setenv("NMA_SERVER_ADDR", ":7000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 99, cfg.Analysis.NBoot)
	assert.Equal(t, heterogeneity.MethodML, cfg.Analysis.TauMethod)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":7000", cfg.Server.Addr)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("unparsable file", func(t *testing.T) {
		_, err := Load(writeFile(t, "bad.yaml", "analysis: [unclosed"))
		assert.Error(t, err)
	})

	t.Run("unknown method in env", func(t *testing.T) {
		t.Setenv("NMA_TAU_METHOD", "bayes")
		_, err := Load("")
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"zero n_boot", func(c *Config) { c.Analysis.NBoot = 0 }, "analysis.n_boot"},
		{"alpha one", func(c *Config) { c.Analysis.Alpha = 1 }, "analysis.alpha"},
		{"negative svd tolerance", func(c *Config) { c.Analysis.SVDTolerance = -1 }, "analysis.svd_tolerance"},
		{"zero workers", func(c *Config) { c.Analysis.Workers = 0 }, "analysis.workers"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad exporter", func(c *Config) { c.Telemetry.TraceExporter = "zipkin" }, "telemetry.trace_exporter"},
		{"negative rate limit", func(c *Config) { c.Server.RateLimit = -1 }, "server.rate_limit"},
		{"unknown method", func(c *Config) { c.Analysis.TauMethod = heterogeneity.Method(9) }, "analysis.tau_method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestAnalysisConfig_Conversions(t *testing.T) {
	a := Default().Analysis
	a.SVDTolerance = 1e-8
	a.MaxIterations = 30
	a.Alpha = 0.1
	a.TauMethod = heterogeneity.MethodDL

	assert.Equal(t, 1e-8, a.Network().Kernel.RelTolerance)
	assert.Equal(t, 30, a.Network().Kernel.MaxSweeps)
	assert.Equal(t, 0.1, a.Network().Alpha)
	assert.True(t, a.Network().FixedEffectStats)

	h := a.Heterogeneity()
	assert.Equal(t, heterogeneity.MethodDL, h.Method)
	assert.Equal(t, 50, h.MaxIterations)
	assert.Equal(t, 1e-8, h.Tolerance)
}
