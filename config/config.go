// Package config loads process settings for the flowcore command. Values are
// layered as defaults, then an optional YAML file, then FLOWCORE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "FLOWCORE"

type Config struct {
	Log     LogConfig     `yaml:"log" env:"LOG"`
	Engine  EngineConfig  `yaml:"engine" env:"ENGINE"`
	LLM     LLMConfig     `yaml:"llm" env:"LLM"`
	Store   StoreConfig   `yaml:"store" env:"STORE"`
	Server  ServerConfig  `yaml:"server" env:"SERVER"`
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
	Tracing TracingConfig `yaml:"tracing" env:"TRACING"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// EngineConfig holds defaults applied to every run started by the command.
type EngineConfig struct {
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	Wait       time.Duration `yaml:"wait" env:"WAIT"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type LLMConfig struct {
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	Model   string `yaml:"model" env:"MODEL"`
	// RequestsPerSecond throttles LLM calls; zero disables the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int     `yaml:"burst" env:"BURST"`
}

type StoreConfig struct {
	Driver   string        `yaml:"driver" env:"DRIVER"`
	Path     string        `yaml:"path" env:"PATH"`
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	Prefix   string        `yaml:"prefix" env:"PREFIX"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
	// ConnectAttempts bounds the startup retries for network stores.
	ConnectAttempts int `yaml:"connect_attempts" env:"CONNECT_ATTEMPTS"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" env:"ENABLED"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// Output is a file path for stdout-exported spans; empty means stderr.
	Output string `yaml:"output" env:"OUTPUT"`
}

// Store drivers understood by the command.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

var drivers = []string{DriverMemory, DriverFile, DriverRedis, DriverSQLite}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Engine: EngineConfig{
			MaxRetries: 1,
		},
		LLM: LLMConfig{
			Model: "gpt-4o-mini",
			Burst: 1,
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			Path:            "flowcore.db",
			Addr:            "localhost:6379",
			Prefix:          "flowcore:",
			ConnectAttempts: 3,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{Namespace: "flowcore"},
		Tracing: TracingConfig{ServiceName: "flowcore"},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when path
// is empty) and the environment. OPENAI_API_KEY fills llm.api_key when neither
// the file nor FLOWCORE_LLM_API_KEY set it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix); err != nil {
		return nil, err
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(drivers, c.Store.Driver) {
		errs = append(errs, fmt.Errorf("store.driver %q is not one of %s", c.Store.Driver, strings.Join(drivers, ", ")))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	for name, v := range map[string]int64{
		"engine.max_retries":     int64(c.Engine.MaxRetries),
		"engine.wait":            int64(c.Engine.Wait),
		"engine.timeout":         int64(c.Engine.Timeout),
		"llm.burst":              int64(c.LLM.Burst),
		"store.db":               int64(c.Store.DB),
		"store.ttl":              int64(c.Store.TTL),
		"store.connect_attempts": int64(c.Store.ConnectAttempts),
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.LLM.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("llm.requests_per_second must not be negative"))
	}
	return errors.Join(errs...)
}

var durationType = reflect.TypeOf(time.Duration(0))

// applyEnv walks v and overrides each field whose PREFIX_SECTION_FIELD
// variable is set.
func applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := range v.NumField() {
		field, meta := v.Field(i), t.Field(i)
		tag := meta.Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field, key); err != nil {
				return err
			}
			continue
		}
		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
	case field.Kind() == reflect.String:
		field.SetString(raw)
	case field.Kind() == reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(n))
	case field.Kind() == reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case field.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
