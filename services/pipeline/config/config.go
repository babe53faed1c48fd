// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the runtime configuration of the pipeline service.
//
// Values come from DefaultConfig, then an optional YAML file, then
// ALEUTIANFLOW_* environment variables (with .env files loaded first), and
// are validated with struct tags before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/engine"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/runs"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ALEUTIANFLOW_"

// Config is the full service configuration.
type Config struct {
	Engine     EngineConfig     `yaml:"engine" validate:"required"`
	Server     ServerConfig     `yaml:"server" validate:"required"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type EngineConfig struct {
	BufferSize      int           `yaml:"buffer_size" validate:"min=1"`
	MaxParallel     int           `yaml:"max_parallel" validate:"min=0"`
	StrictLoaders   bool          `yaml:"strict_loaders"`
	RunTTL          time.Duration `yaml:"run_ttl" validate:"gt=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
}

type ServerConfig struct {
	Addr       string `yaml:"addr" validate:"required,hostname_port"`
	WebSockets bool   `yaml:"websockets"`
}

type CheckpointConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Path       string        `yaml:"path" validate:"required_if=Enabled true InMemory false"`
	InMemory   bool          `yaml:"in_memory"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"min=0"`
}

type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=otlp jaeger stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Environment    string `yaml:"environment"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns settings for a local single-process deployment.
func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			BufferSize:      engine.DefaultBufferSize,
			RunTTL:          runs.DefaultConfig().TTL,
			CleanupInterval: runs.DefaultConfig().CleanupInterval,
		},
		Server: ServerConfig{
			Addr:       "127.0.0.1:12230",
			WebSockets: true,
		},
		Checkpoint: CheckpointConfig{
			Path:       "~/.aleutianflow/checkpoints",
			GCInterval: 5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			Environment:    "development",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment. envFiles are loaded into the
// environment first; missing ones are ignored. Variables already set win
// over .env values.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []string
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	num("BUFFER_SIZE", &c.Engine.BufferSize)
	num("MAX_PARALLEL", &c.Engine.MaxParallel)
	flag("STRICT_LOADERS", &c.Engine.StrictLoaders)
	dur("RUN_TTL", &c.Engine.RunTTL)
	dur("CLEANUP_INTERVAL", &c.Engine.CleanupInterval)
	str("ADDR", &c.Server.Addr)
	flag("WEBSOCKETS", &c.Server.WebSockets)
	flag("CHECKPOINTS", &c.Checkpoint.Enabled)
	str("CHECKPOINT_PATH", &c.Checkpoint.Path)
	flag("CHECKPOINT_IN_MEMORY", &c.Checkpoint.InMemory)
	str("TRACE_EXPORTER", &c.Telemetry.TraceExporter)
	str("METRIC_EXPORTER", &c.Telemetry.MetricExporter)
	str("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("ENV", &c.Telemetry.Environment)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_DIR", &c.Logging.Dir)
	flag("LOG_JSON", &c.Logging.JSON)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SchedulerOptions returns the engine settings.
func (c Config) SchedulerOptions() engine.Config {
	return engine.Config{
		BufferSize:    c.Engine.BufferSize,
		MaxParallel:   c.Engine.MaxParallel,
		StrictLoaders: c.Engine.StrictLoaders,
	}
}

// RunOptions returns the run manager settings.
func (c Config) RunOptions() runs.Config {
	return runs.Config{TTL: c.Engine.RunTTL, CleanupInterval: c.Engine.CleanupInterval}
}

// StoreOptions returns the checkpoint database settings.
func (c Config) StoreOptions() checkpoint.Config {
	cc := checkpoint.DefaultConfig()
	cc.Path = expandHome(c.Checkpoint.Path)
	cc.InMemory = c.Checkpoint.InMemory
	cc.GCInterval = c.Checkpoint.GCInterval
	return cc
}

// ExporterOptions returns the exporter settings.
func (c Config) ExporterOptions() telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.TraceExporter = c.Telemetry.TraceExporter
	tc.MetricExporter = c.Telemetry.MetricExporter
	tc.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	tc.Environment = c.Telemetry.Environment
	return tc
}

// LoggerOptions returns the logger settings. Validate has already vetted
// the level.
func (c Config) LoggerOptions() logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: "aleutianflow",
		JSON:    c.Logging.JSON,
	}
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + p[1:]
		}
	}
	return p
}
