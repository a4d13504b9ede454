// Package config loads runtime configuration from a YAML file, environment
// variables, and CLI flags, in that order of increasing precedence: viper
// for layered loading, go-playground/validator for struct validation, and
// mitchellh/mapstructure decode hooks for the handful of types viper's
// default decoder doesn't know how to parse on its own.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the complete static configuration for one rank of the runtime.
//
// Configuration sources, in order of precedence (highest wins):
//  1. CLI flags, applied by the caller after Load returns
//  2. Environment variables (VT_*)
//  3. Configuration file (YAML)
//  4. Default values
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`

	// Location bounds the location manager's routing algorithm: how many
	// hops a message may ride through guessed (cached) locations before
	// bouncing to an entity's home rank, and the hard ceiling on total
	// hops before a route fails outright.
	Location LocationConfig `mapstructure:"location" yaml:"location"`

	Stats StatsConfig `mapstructure:"stats" yaml:"stats"`

	Trace TraceConfig `mapstructure:"trace" yaml:"trace"`

	// LoadBalancer names a placement strategy by string only. No strategy
	// logic lives in the core runtime; this value is handed, unexamined,
	// to whatever policy a caller wires in at the application layer.
	LoadBalancer LoadBalancerConfig `mapstructure:"load_balancer" yaml:"load_balancer"`
}

// LoggingConfig controls the internal/log global handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing export, set up in
// internal/tracing.
type TelemetryConfig struct {
	Enabled    bool            `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string          `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool            `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64         `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
	Profiling  ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls the optional Pyroscope continuous profiler.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// TransportConfig selects and configures the wire transport a Runtime's
// messenger sends over.
type TransportConfig struct {
	// Kind selects the transport binding: "loopback" (in-process,
	// goroutine-per-rank, used by every unit test) or "grpc" (one gRPC
	// server per rank).
	Kind string `mapstructure:"kind" validate:"required,oneof=loopback grpc" yaml:"kind"`

	// Ranks is the loopback transport's group size; ignored for grpc.
	Ranks int `mapstructure:"ranks" validate:"omitempty,min=1" yaml:"ranks"`

	GRPC GRPCTransportConfig `mapstructure:"grpc" yaml:"grpc"`
}

// GRPCTransportConfig addresses every peer rank for transport/grpctransport.
type GRPCTransportConfig struct {
	// ListenAddr is this rank's own server address (host:port).
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// Peers lists every rank's address in rank order, including this
	// rank's own entry at index Rank.
	Peers []string `mapstructure:"peers" yaml:"peers"`
}

// LocationConfig bounds pkg/location's eager-cache routing algorithm. Both
// fields are validated as required, so neither may be 0 here; defaultConfig
// supplies CacheHopLimit 3 and MaxHops 8 when no config file sets them.
type LocationConfig struct {
	CacheHopLimit int `mapstructure:"cache_hop_limit" validate:"required" yaml:"cache_hop_limit"`
	MaxHops       int `mapstructure:"max_hops" validate:"required" yaml:"max_hops"`
}

// StatsConfig locates the phase/load/communication stats file pkg/statsfile
// writes.
type StatsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`
}

// TraceConfig locates the gzip-compressed event trace pkg/tracewriter
// writes.
type TraceConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`
}

// LoadBalancerConfig is a pass-through strategy name.
type LoadBalancerConfig struct {
	Strategy string `mapstructure:"strategy" yaml:"strategy"`
}

// Load reads configPath (if non-empty), layers VT_-prefixed environment
// variables on top, applies defaults for anything still unset, and
// validates the result. An empty configPath is not an error: the defaults
// alone produce a usable single-rank loopback configuration. Environment
// variables only override keys that also appear in the config file; when
// no config file is found, environment variables are not read at all.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
			return nil, fmt.Errorf("config: unmarshal: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("VT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(".")
	v.SetConfigName("vt")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (found bool, err error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read config file: %w", err)
	}
	return true, nil
}

// Validate runs struct tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// Save writes cfg to path in YAML, creating parent directories as needed.
// Used by vtctl to scaffold a starting config file.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create directory: %w", err)
		}
	}
	data, err := marshalYAML(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}
