// Package config loads the changefeed YAML configuration.
//
// A file is checked against the embedded CUE schema before it is decoded,
// so unknown keys and out of range values fail with a positioned message.
// Keys missing from the file keep the values of Default.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/changefeed/internal/policy"
)

//go:embed schema.cue
var schemaSource string

// DefaultPath is the configuration file read when --config is not given.
const DefaultPath = "changefeed.yaml"

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Sync     SyncConfig     `yaml:"sync"`
	Policy   PolicyConfig   `yaml:"policy"`
	Types    []TypeConfig   `yaml:"types"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Migrator MigratorConfig `yaml:"migrator"`
	NATS     NATSConfig     `yaml:"nats"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig selects the store holding both the queue and the entity tables.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SyncConfig bounds sync requests.
type SyncConfig struct {
	MaxLimit     int           `yaml:"max_limit"`
	DefaultLimit int           `yaml:"default_limit"`
	Timeout      time.Duration `yaml:"timeout"`
}

// PolicyConfig holds the allow and deny glob lists.
type PolicyConfig struct {
	Included []string `yaml:"included"`
	Excluded []string `yaml:"excluded"`
}

// TypeConfig declares one entity class.
type TypeConfig struct {
	Class     string      `yaml:"class"`
	Parent    string      `yaml:"parent"`
	Table     string      `yaml:"table"`
	TypeName  string      `yaml:"type_name"`
	Versioned bool        `yaml:"versioned"`
	SizeField string      `yaml:"size_field"`
	Veto      *VetoConfig `yaml:"veto"`
}

// VetoConfig selects a built-in per-instance veto.
type VetoConfig struct {
	RequireField string `yaml:"require_field"`
	ExcludeWhen  string `yaml:"exclude_when"`
}

// TrackerConfig controls flush retries.
type TrackerConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// MigratorConfig controls seeding and purging.
type MigratorConfig struct {
	ChunkSize int `yaml:"chunk_size"`
}

// NATSConfig configures flush notifications. An empty URL disables NATS.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for missing keys.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite3", DSN: "changefeed.db"},
		Sync:     SyncConfig{MaxLimit: 1000, DefaultLimit: 1000, Timeout: 30 * time.Second},
		Tracker:  TrackerConfig{RetryAttempts: 3, RetryInterval: 50 * time.Millisecond},
		Migrator: MigratorConfig{ChunkSize: 1000},
		NATS: NATSConfig{
			Subject:       "changefeed.content_changed",
			MaxReconnects: 60,
			ReconnectWait: 2 * time.Second,
		},
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "INFO", Format: "JSON"},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// LoadOrDefault behaves like Load but returns Default when path is the
// default path and the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg, err := Load(path)
	if err != nil && path == DefaultPath && errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse validates and decodes YAML data. filename is used in messages.
func Parse(filename string, data []byte) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Default(), nil
	}
	if err := checkSchema(filename, data); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", filename, err)
	}
	return cfg, nil
}

// checkSchema unifies data with #Config.
func checkSchema(filename string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", filename, err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.BuildFile(file))
	if err := v.Validate(); err != nil {
		return fmt.Errorf("invalid config %s:\n%s", filename, cueerrors.Details(err, nil))
	}
	return nil
}

// Validate checks constraints spanning several keys.
func (c *Config) Validate() error {
	if c.Sync.DefaultLimit > c.Sync.MaxLimit {
		return fmt.Errorf("sync.default_limit %d exceeds sync.max_limit %d", c.Sync.DefaultLimit, c.Sync.MaxLimit)
	}
	seen := make(map[string]bool, len(c.Types))
	for i, t := range c.Types {
		if t.Class == "" {
			return fmt.Errorf("types[%d]: class is required", i)
		}
		if seen[t.Class] {
			return fmt.Errorf("types[%d]: duplicate class %s", i, t.Class)
		}
		seen[t.Class] = true
		if t.Veto != nil && t.Veto.RequireField != "" && t.Veto.ExcludeWhen != "" {
			return fmt.Errorf("types[%d]: veto takes one of require_field or exclude_when", i)
		}
	}
	return nil
}

// RegistryConfig converts the type declarations and glob lists for policy.New.
func (c *Config) RegistryConfig() policy.Config {
	types := make([]policy.TypeSpec, 0, len(c.Types))
	for _, t := range c.Types {
		spec := policy.TypeSpec{
			Class:     t.Class,
			Parent:    t.Parent,
			Table:     t.Table,
			TypeName:  t.TypeName,
			Versioned: t.Versioned,
			SizeField: t.SizeField,
		}
		if t.Veto != nil {
			switch {
			case t.Veto.RequireField != "":
				spec.Veto = policy.RequireField(t.Veto.RequireField)
			case t.Veto.ExcludeWhen != "":
				spec.Veto = policy.ExcludeWhenField(t.Veto.ExcludeWhen)
			}
		}
		types = append(types, spec)
	}
	return policy.Config{
		Included: c.Policy.Included,
		Excluded: c.Policy.Excluded,
		Types:    types,
	}
}

// Registry builds the inclusion registry.
func (c *Config) Registry() (*policy.Registry, error) {
	return policy.New(c.RegistryConfig())
}
