package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/intentflow/intentflow/runtime/engine"
	"github.com/intentflow/intentflow/runtime/tools"
)

type (
	// Config is the worker configuration. Values come from defaults, then
	// the YAML file, then INTENTFLOW_* environment variables, each layer
	// overriding the previous one.
	Config struct {
		// ServiceID names this worker in Lamport stamps and logs.
		ServiceID string `yaml:"service_id"`
		// Namespace prefixes every Redis key.
		Namespace string `yaml:"namespace"`
		// HTTPAddr serves the health endpoints.
		HTTPAddr string `yaml:"http_addr"`

		Redis   RedisConfig   `yaml:"redis"`
		Mongo   MongoConfig   `yaml:"mongo"`
		Gateway GatewayConfig `yaml:"gateway"`
		Outbox  OutboxConfig  `yaml:"outbox"`
		Resume  ResumeConfig  `yaml:"resume"`
		Sweeper SweeperConfig `yaml:"sweeper"`
		Budgets BudgetsConfig `yaml:"budgets"`

		// Tools declares the static tool catalog registered at startup.
		Tools []ToolConfig `yaml:"tools"`
	}

	// RedisConfig locates the Redis instance backing the checkpoint store,
	// the resume queue, and the Pulse streams.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// MongoConfig locates the MongoDB deployment backing the outbox log.
	MongoConfig struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	// GatewayConfig locates the JSON-RPC tool gateway.
	GatewayConfig struct {
		Endpoint string        `yaml:"endpoint"`
		Timeout  time.Duration `yaml:"timeout"`
	}

	// OutboxConfig tunes the emitter and the relay. Zero values select the
	// runtime defaults.
	OutboxConfig struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		BatchSize    int           `yaml:"batch_size"`
		MaxAttempts  int           `yaml:"max_attempts"`
		EventTTL     time.Duration `yaml:"event_ttl"`
	}

	// ResumeConfig tunes the resume queue poller. Zero values select the
	// poller defaults.
	ResumeConfig struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		BatchSize    int           `yaml:"batch_size"`
		RetryDelay   time.Duration `yaml:"retry_delay"`
	}

	// SweeperConfig tunes the zombie recovery sweeper. Zero values select
	// the sweeper defaults.
	SweeperConfig struct {
		PollInterval        time.Duration `yaml:"poll_interval"`
		StuckAfter          time.Duration `yaml:"stuck_after"`
		MaxPerTick          int           `yaml:"max_per_tick"`
		ConfidenceFloor     float64       `yaml:"confidence_floor"`
		MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
	}

	// BudgetsConfig bounds segment execution. Zero values select the
	// engine defaults.
	BudgetsConfig struct {
		InvocationWallClock time.Duration `yaml:"invocation_wall_clock"`
		CheckpointThreshold time.Duration `yaml:"checkpoint_threshold"`
		SegmentTimeout      time.Duration `yaml:"segment_timeout"`
		ResumeDelay         time.Duration `yaml:"resume_delay"`
		MaxParallelSteps    int           `yaml:"max_parallel_steps"`
		CompensationTimeout time.Duration `yaml:"compensation_timeout"`
	}

	// ToolConfig declares one tool descriptor.
	ToolConfig struct {
		Name         string                 `yaml:"name"`
		Version      string                 `yaml:"version"`
		Description  string                 `yaml:"description"`
		Category     string                 `yaml:"category"`
		Origin       string                 `yaml:"origin"`
		TimeoutMS    int                    `yaml:"timeout_ms"`
		Params       map[string]ParamConfig `yaml:"params"`
		Aliases      map[string]string      `yaml:"aliases"`
		Compensation *CompensationConfig    `yaml:"compensation"`
	}

	// ParamConfig declares one tool parameter.
	ParamConfig struct {
		Type     string `yaml:"type"`
		Required bool   `yaml:"required"`
	}

	// CompensationConfig declares the undo tool and how its parameters are
	// assembled from the forward call: named fields copied from the forward
	// input and output, plus fixed values. Fixed values win over output
	// fields, output fields over input fields.
	CompensationConfig struct {
		Tool       string         `yaml:"tool"`
		FromInput  []string       `yaml:"from_input"`
		FromOutput []string       `yaml:"from_output"`
		Fixed      map[string]any `yaml:"fixed"`
	}
)

// Defaults returns the worker's production defaults.
func Defaults() Config {
	return Config{
		ServiceID: "intentflow-worker",
		Namespace: "intentflow",
		HTTPAddr:  ":8081",
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Mongo:     MongoConfig{URI: "mongodb://localhost:27017", Database: "intentflow"},
		Gateway:   GatewayConfig{Endpoint: "http://127.0.0.1:8080/rpc", Timeout: 30 * time.Second},
	}
}

// LoadConfig builds the effective configuration: defaults, overlaid by the
// YAML file at path when non-empty, overlaid by environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overlays INTENTFLOW_* environment variables on cfg.
func applyEnv(cfg *Config) {
	cfg.ServiceID = envOr("INTENTFLOW_SERVICE_ID", cfg.ServiceID)
	cfg.Namespace = envOr("INTENTFLOW_NAMESPACE", cfg.Namespace)
	cfg.HTTPAddr = envOr("INTENTFLOW_HTTP_ADDR", cfg.HTTPAddr)
	cfg.Redis.Addr = envOr("INTENTFLOW_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envOr("INTENTFLOW_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envIntOr("INTENTFLOW_REDIS_DB", cfg.Redis.DB)
	cfg.Mongo.URI = envOr("INTENTFLOW_MONGO_URI", cfg.Mongo.URI)
	cfg.Mongo.Database = envOr("INTENTFLOW_MONGO_DATABASE", cfg.Mongo.Database)
	cfg.Mongo.Collection = envOr("INTENTFLOW_MONGO_COLLECTION", cfg.Mongo.Collection)
	cfg.Gateway.Endpoint = envOr("INTENTFLOW_GATEWAY_ENDPOINT", cfg.Gateway.Endpoint)
	cfg.Gateway.Timeout = envDurationOr("INTENTFLOW_GATEWAY_TIMEOUT", cfg.Gateway.Timeout)
}

// budgets converts the config section into engine budgets.
func (c BudgetsConfig) budgets() engine.Budgets {
	return engine.Budgets{
		InvocationWallClock: c.InvocationWallClock,
		CheckpointThreshold: c.CheckpointThreshold,
		SegmentTimeout:      c.SegmentTimeout,
		ResumeDelay:         c.ResumeDelay,
		MaxParallelSteps:    c.MaxParallelSteps,
		CompensationTimeout: c.CompensationTimeout,
	}
}

// descriptor converts the config entry into a registry descriptor.
func (t ToolConfig) descriptor() tools.Descriptor {
	d := tools.Descriptor{
		Name:        t.Name,
		Version:     t.Version,
		Description: t.Description,
		Category:    t.Category,
		Origin:      t.Origin,
		TimeoutMS:   t.TimeoutMS,
		Aliases:     t.Aliases,
	}
	if len(t.Params) > 0 {
		d.Params = make(map[string]tools.Field, len(t.Params))
		for name, p := range t.Params {
			d.Params[name] = tools.Field{Type: p.Type, Required: p.Required}
		}
	}
	if t.Compensation != nil {
		d.Compensation = &tools.CompensationSpec{
			Tool:      t.Compensation.Tool,
			MapParams: t.Compensation.mapParams(),
		}
	}
	return d
}

// mapParams compiles the declarative field lists into the parameter mapping
// the registry expects.
func (c CompensationConfig) mapParams() func(input, output map[string]any) map[string]any {
	fromInput := append([]string(nil), c.FromInput...)
	fromOutput := append([]string(nil), c.FromOutput...)
	fixed := make(map[string]any, len(c.Fixed))
	for k, v := range c.Fixed {
		fixed[k] = v
	}
	return func(input, output map[string]any) map[string]any {
		params := make(map[string]any, len(fromInput)+len(fromOutput)+len(fixed))
		for _, k := range fromInput {
			if v, ok := input[k]; ok {
				params[k] = v
			}
		}
		for _, k := range fromOutput {
			if v, ok := output[k]; ok {
				params[k] = v
			}
		}
		for k, v := range fixed {
			params[k] = v
		}
		return params
	}
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
