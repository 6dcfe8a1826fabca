package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/circles/internal/delivery"
	"github.com/roach88/circles/internal/remote"
	"github.com/roach88/circles/internal/validate"
)

//go:embed schema.cue
var schemaSource []byte

// Defaults.
const (
	DefaultMaxRetries      = 5
	DefaultInitialInterval = 30 * time.Second
	DefaultMaxInterval     = time.Hour
	DefaultMultiplier      = 4
	DefaultJobInterval     = time.Minute
	DefaultWorkers         = 4
	DefaultSyncTimeout     = 10 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
)

// ErrUnsupportedFormat is returned for files that are neither YAML nor CUE.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Config is the configuration of one node.
type Config struct {
	Node     Node     `yaml:"node" json:"node"`
	Database string   `yaml:"database" json:"database" validate:"required"`
	Log      Log      `yaml:"log" json:"log"`
	Remotes  []Remote `yaml:"remotes" json:"remotes" validate:"unique=ID,dive"`
	Delivery Delivery `yaml:"delivery" json:"delivery"`
	Dispatch Dispatch `yaml:"dispatch" json:"dispatch"`
}

// Node describes the local node.
type Node struct {
	ID     string `yaml:"id" json:"id" validate:"required"`
	Listen string `yaml:"listen" json:"listen" validate:"omitempty,hostname_port"`
	Addr   string `yaml:"addr" json:"addr" validate:"omitempty,url"`
	Secret string `yaml:"secret" json:"secret"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=text json"`
}

// Remote is a known federation peer.
type Remote struct {
	ID     string `yaml:"id" json:"id" validate:"required"`
	Addr   string `yaml:"addr" json:"addr" validate:"omitempty,url"`
	Trust  string `yaml:"trust" json:"trust" validate:"required,oneof=untrusted passive external trusted global_scale"`
	Secret string `yaml:"secret" json:"secret"`
}

// Delivery configures outcome wrapper delivery and the retry job.
type Delivery struct {
	MaxRetries      int      `yaml:"max_retries" json:"max_retries" validate:"gte=0"`
	InitialInterval Duration `yaml:"initial_interval" json:"initial_interval" validate:"gte=0"`
	MaxInterval     Duration `yaml:"max_interval" json:"max_interval" validate:"gte=0"`
	Multiplier      float64  `yaml:"multiplier" json:"multiplier" validate:"omitempty,gte=1"`
	JobInterval     Duration `yaml:"job_interval" json:"job_interval" validate:"gte=0"`
	Workers         int      `yaml:"workers" json:"workers" validate:"gte=0"`
}

// Dispatch configures the dispatcher.
type Dispatch struct {
	SyncTimeout Duration `yaml:"sync_timeout" json:"sync_timeout" validate:"gte=0"`
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	case ".cue":
		cfg, err = ParseCUE(filepath.Base(path), data)
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseYAML decodes, validates and completes a YAML configuration.
// Unknown fields are rejected.
func ParseYAML(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return finish(&cfg)
}

// ParseCUE unifies a CUE configuration with the schema, then decodes,
// validates and completes it.
func ParseCUE(filename string, data []byte) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compile cue: %w", err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate cue: %w", err)
	}
	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode cue: %w", err)
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyDefaults()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	d := &c.Delivery
	if d.MaxRetries == 0 {
		d.MaxRetries = DefaultMaxRetries
	}
	if d.InitialInterval == 0 {
		d.InitialInterval = Duration(DefaultInitialInterval)
	}
	if d.MaxInterval == 0 {
		d.MaxInterval = Duration(DefaultMaxInterval)
	}
	if d.Multiplier == 0 {
		d.Multiplier = DefaultMultiplier
	}
	if d.JobInterval == 0 {
		d.JobInterval = Duration(DefaultJobInterval)
	}
	if d.Workers == 0 {
		d.Workers = DefaultWorkers
	}
	if c.Dispatch.SyncTimeout == 0 {
		c.Dispatch.SyncTimeout = Duration(DefaultSyncTimeout)
	}
}

// LocalNode returns the record of the local node.
func (c *Config) LocalNode() remote.Node {
	return remote.Node{ID: c.Node.ID, Addr: c.Node.Addr, Secret: c.Node.Secret}
}

// RemoteNodes returns the configured peers as registry records.
func (c *Config) RemoteNodes() ([]remote.Node, error) {
	out := make([]remote.Node, 0, len(c.Remotes))
	for _, r := range c.Remotes {
		trust, err := remote.ParseTrust(r.Trust)
		if err != nil {
			return nil, fmt.Errorf("remote %s: %w", r.ID, err)
		}
		out = append(out, remote.Node{ID: r.ID, Addr: r.Addr, Trust: trust, Secret: r.Secret})
	}
	return out, nil
}

// Registry builds the node registry of the configuration.
func (c *Config) Registry() (*remote.Registry, error) {
	remotes, err := c.RemoteNodes()
	if err != nil {
		return nil, err
	}
	return remote.NewRegistry(c.LocalNode(), remotes...), nil
}

// Policy returns the delivery retry policy.
func (c *Config) Policy() delivery.Policy {
	p := delivery.DefaultPolicy()
	p.MaxRetries = c.Delivery.MaxRetries
	p.InitialInterval = c.Delivery.InitialInterval.Std()
	p.MaxInterval = c.Delivery.MaxInterval.Std()
	p.Multiplier = c.Delivery.Multiplier
	p.JobInterval = c.Delivery.JobInterval.Std()
	return p
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
