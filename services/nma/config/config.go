// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads netmeta configuration.
//
// Priority: environment (NMA_*) > file (YAML, JSON fallback) > defaults.
// The merged result is checked with struct validation before use.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianNMA/services/nma/heterogeneity"
	"github.com/AleutianAI/AleutianNMA/services/nma/linalg"
	"github.com/AleutianAI/AleutianNMA/services/nma/network"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NMA_"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the complete netmeta configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	Analysis  AnalysisConfig  `json:"analysis" yaml:"analysis"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Cache     CacheConfig     `json:"cache" yaml:"cache" envPrefix:"CACHE_"`
	Server    ServerConfig    `json:"server" yaml:"server" envPrefix:"SERVER_"`
}

// AnalysisConfig holds the statistical settings.
type AnalysisConfig struct {
	// TauMethod is REML, DL or ML.
	TauMethod heterogeneity.Method `json:"tau_method" yaml:"tau_method" env:"TAU_METHOD"`

	// NBoot is the number of bootstrap iterations.
	NBoot int `json:"n_boot" yaml:"n_boot" env:"N_BOOT" validate:"gt=0"`

	// SmallerIsBetter ranks lower effects first.
	SmallerIsBetter bool `json:"smaller_is_better" yaml:"smaller_is_better" env:"SMALLER_IS_BETTER"`

	// Alpha is the two-sided significance level.
	Alpha float64 `json:"alpha" yaml:"alpha" env:"ALPHA" validate:"gt=0,lt=1"`

	// SVDTolerance truncates singular values relative to the largest.
	SVDTolerance float64 `json:"svd_tolerance" yaml:"svd_tolerance" env:"SVD_TOLERANCE" validate:"gt=0,lt=1"`

	// MaxIterations caps Jacobi sweeps.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations" env:"MAX_ITERATIONS" validate:"gt=0"`

	TauMaxIterations int     `json:"tau_max_iterations" yaml:"tau_max_iterations" env:"TAU_MAX_ITERATIONS" validate:"gt=0"`
	TauTolerance     float64 `json:"tau_tolerance" yaml:"tau_tolerance" env:"TAU_TOLERANCE" validate:"gt=0"`

	// Seed selects the bootstrap streams.
	Seed uint64 `json:"seed" yaml:"seed" env:"SEED"`

	// Workers is the batch parallelism. 1 runs inline.
	Workers int `json:"workers" yaml:"workers" env:"WORKERS" validate:"gte=1,lte=256"`

	MaxResampleRetries int `json:"max_resample_retries" yaml:"max_resample_retries" env:"MAX_RESAMPLE_RETRIES" validate:"gt=0"`

	// Reference overrides the reference treatment. Empty uses the first
	// treatment in input order.
	Reference string `json:"reference" yaml:"reference" env:"REFERENCE"`
}

// LoggingConfig maps onto pkg/logging.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Dir   string `json:"dir" yaml:"dir" env:"DIR"`
	JSON  bool   `json:"json" yaml:"json" env:"JSON"`
	Quiet bool   `json:"quiet" yaml:"quiet" env:"QUIET"`
}

// TelemetryConfig selects OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string `json:"trace_exporter" yaml:"trace_exporter" env:"TRACE_EXPORTER" validate:"oneof=otlp stdout none"`

	// MetricsExporter is "prometheus", "stdout" or "none".
	MetricsExporter string `json:"metrics_exporter" yaml:"metrics_exporter" env:"METRICS_EXPORTER" validate:"oneof=prometheus stdout none"`

	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	SampleRate   float64 `json:"sample_rate" yaml:"sample_rate" env:"SAMPLE_RATE" validate:"gte=0,lte=1"`
}

// CacheConfig configures the persistent result store.
type CacheConfig struct {
	// Dir enables the BadgerDB store. Empty keeps results in memory only.
	Dir string        `json:"dir" yaml:"dir" env:"DIR"`
	TTL time.Duration `json:"ttl" yaml:"ttl" env:"TTL" validate:"gte=0"`
}

// ServerConfig configures `netmeta serve`.
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr" env:"ADDR" validate:"required"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" env:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`

	// MaxBodyBytes limits request bodies.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes" env:"MAX_BODY_BYTES" validate:"gt=0"`

	// RateLimit caps analyze requests per second. Zero disables the limit.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit" env:"RATE_LIMIT" validate:"gte=0"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst" env:"RATE_BURST" validate:"gte=0"`
}

// Default returns the default configuration.
//
// Outputs:
//   - Config: REML, 1000 bootstrap iterations, alpha 0.05, single worker.
func Default() Config {
	kernel := linalg.DefaultOptions()
	tau := heterogeneity.DefaultOptions()
	return Config{
		Analysis: AnalysisConfig{
			TauMethod:          heterogeneity.MethodREML,
			NBoot:              1000,
			Alpha:              0.05,
			SVDTolerance:       kernel.RelTolerance,
			MaxIterations:      kernel.MaxSweeps,
			TauMaxIterations:   tau.MaxIterations,
			TauTolerance:       tau.Tolerance,
			Seed:               1,
			Workers:            1,
			MaxResampleRetries: 100,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:   "none",
			MetricsExporter: "prometheus",
			OTLPEndpoint:    "localhost:4317",
			SampleRate:      1.0,
		},
		Cache: CacheConfig{
			TTL: 7 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Addr:            ":8090",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    8 << 20,
			RateBurst:       4,
		},
	}
}

// Load merges defaults, the optional file at path and the environment.
//
// Inputs:
//   - path: YAML or JSON file. Empty or missing uses defaults.
//
// Outputs:
//   - Config: Merged configuration.
//   - error: Non-nil if the file is unparsable, an env value is malformed,
//     or the result fails validation (wraps ErrInvalid).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

var configValidate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	configValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return yamlName(f.Tag.Get("yaml"))
	})
}

// Validate checks the configuration.
//
// Outputs:
//   - error: Wraps ErrInvalid and names the first offending key.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s fails %s", ErrInvalid, dottedPath(fe.Namespace()), describeTag(fe))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Analysis.TauMethod {
	case heterogeneity.MethodREML, heterogeneity.MethodDL, heterogeneity.MethodML:
	default:
		return fmt.Errorf("%w: analysis.tau_method %d unknown", ErrInvalid, int(c.Analysis.TauMethod))
	}
	return nil
}

// dottedPath turns "Config.analysis.n_boot" into "analysis.n_boot".
func dottedPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describeTag(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

func yamlName(tag string) string {
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return ""
	}
	return name
}

// -----------------------------------------------------------------------------
// Conversions
// -----------------------------------------------------------------------------

// Kernel returns the linear algebra options.
func (a AnalysisConfig) Kernel() linalg.Options {
	k := linalg.DefaultOptions()
	k.MaxSweeps = a.MaxIterations
	k.RelTolerance = a.SVDTolerance
	return k
}

// Network returns the estimator options.
func (a AnalysisConfig) Network() network.Options {
	o := network.DefaultOptions()
	o.Alpha = a.Alpha
	o.Kernel = a.Kernel()
	return o
}

// Heterogeneity returns the τ² estimator options.
func (a AnalysisConfig) Heterogeneity() heterogeneity.Options {
	return heterogeneity.Options{
		Method:        a.TauMethod,
		MaxIterations: a.TauMaxIterations,
		Tolerance:     a.TauTolerance,
		Kernel:        a.Kernel(),
	}
}
