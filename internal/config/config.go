// Package config loads the lattice runtime configuration from YAML, TOML or
// JSON files.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Store drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// DefaultFile is looked up when no path is given.
const DefaultFile = "lattice.yaml"

// Duration is a time.Duration written as a string ("500ms") in every format.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the root of a lattice configuration file.
type Config struct {
	Namespace string          `yaml:"namespace" toml:"namespace" json:"namespace"`
	LogLevel  string          `yaml:"log_level" toml:"log_level" json:"log_level"`
	LogFormat string          `yaml:"log_format" toml:"log_format" json:"log_format"`
	Runtime   RuntimeConfig   `yaml:"runtime" toml:"runtime" json:"runtime"`
	Clock     ClockConfig     `yaml:"clock" toml:"clock" json:"clock"`
	Graph     GraphConfig     `yaml:"graph" toml:"graph" json:"graph"`
	Processes []ProcessConfig `yaml:"processes" toml:"processes" json:"processes"`
	Endpoints []string        `yaml:"endpoints" toml:"endpoints" json:"endpoints"`
	Store     StoreConfig     `yaml:"store" toml:"store" json:"store"`
	Control   ListenConfig    `yaml:"control" toml:"control" json:"control"`
	HTTP      ListenConfig    `yaml:"http" toml:"http" json:"http"`
}

// RuntimeConfig tunes the actor runtime.
type RuntimeConfig struct {
	LazySpawn       bool `yaml:"lazy_spawn" toml:"lazy_spawn" json:"lazy_spawn"`
	MailboxCapacity int  `yaml:"mailbox_capacity" toml:"mailbox_capacity" json:"mailbox_capacity"`
}

// ClockConfig tunes the clock driver. Zero values disable the matching policy.
type ClockConfig struct {
	Interval   Duration `yaml:"interval" toml:"interval" json:"interval"`
	MaxPulses  int64    `yaml:"max_pulses" toml:"max_pulses" json:"max_pulses"`
	Rate       float64  `yaml:"rate" toml:"rate" json:"rate"`
	Burst      int      `yaml:"burst" toml:"burst" json:"burst"`
	RearmDelay Duration `yaml:"rearm_delay" toml:"rearm_delay" json:"rearm_delay"`
	Targets    []string `yaml:"targets" toml:"targets" json:"targets"`
}

// GraphConfig seeds the graph at startup.
type GraphConfig struct {
	Vertices []VertexConfig `yaml:"vertices" toml:"vertices" json:"vertices"`
	Edges    []EdgeConfig   `yaml:"edges" toml:"edges" json:"edges"`
}

// VertexConfig declares one vertex.
type VertexConfig struct {
	Key   string         `yaml:"key" toml:"key" json:"key"`
	Props map[string]any `yaml:"props" toml:"props" json:"props"`
}

// EdgeConfig declares one edge. Label defaults to "signal".
type EdgeConfig struct {
	Key    string         `yaml:"key" toml:"key" json:"key"`
	Source string         `yaml:"source" toml:"source" json:"source"`
	Target string         `yaml:"target" toml:"target" json:"target"`
	Label  string         `yaml:"label" toml:"label" json:"label"`
	Props  map[string]any `yaml:"props" toml:"props" json:"props"`
}

// ProcessConfig binds a process type to a vertex at startup.
type ProcessConfig struct {
	Vertex  string         `yaml:"vertex" toml:"vertex" json:"vertex"`
	Type    string         `yaml:"type" toml:"type" json:"type"`
	Options map[string]any `yaml:"options" toml:"options" json:"options"`
}

// StoreConfig selects the graph backend.
type StoreConfig struct {
	Driver string      `yaml:"driver" toml:"driver" json:"driver"`
	Redis  RedisConfig `yaml:"redis" toml:"redis" json:"redis"`
}

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr" json:"addr"`
	Password string `yaml:"password" toml:"password" json:"password"`
	DB       int    `yaml:"db" toml:"db" json:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix" json:"prefix"`
}

// ListenConfig holds a listen address. Empty disables the listener.
type ListenConfig struct {
	Addr string `yaml:"addr" toml:"addr" json:"addr"`
}

// Default returns the configuration used when a file leaves fields unset.
func Default() *Config {
	return &Config{
		Namespace: "default",
		LogLevel:  "info",
		LogFormat: "text",
		Store:     StoreConfig{Driver: DriverMemory},
		Control:   ListenConfig{Addr: "127.0.0.1:7070"},
	}
}

// Load reads path, decoding by extension (.yaml/.yml, .toml, .json), applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext and validates the result.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := Default()
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yaml", "yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse yaml: %w", err)
		}
	case "toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown keys %v", ErrInvalidConfig, undecoded)
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse json: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidConfig, ext)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values and cross references. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if strings.TrimSpace(c.Namespace) == "" || strings.ContainsAny(c.Namespace, " \t") {
		bad("namespace must be a single non-empty word")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		bad("%v", err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		bad("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Runtime.MailboxCapacity < 0 {
		bad("runtime.mailbox_capacity must not be negative")
	}

	if c.Clock.Interval.Duration < 0 || c.Clock.RearmDelay.Duration < 0 {
		bad("clock durations must not be negative")
	}
	if c.Clock.MaxPulses < 0 {
		bad("clock.max_pulses must not be negative")
	}
	if c.Clock.Rate < 0 || c.Clock.Burst < 0 {
		bad("clock.rate and clock.burst must not be negative")
	}
	if c.Clock.Rate > 0 && c.Clock.Burst == 0 {
		bad("clock.burst must be set when clock.rate is")
	}
	for _, t := range c.Clock.Targets {
		if _, err := domain.ParseBinding(t); err != nil {
			bad("clock target %q: %v", t, err)
		}
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			bad("store.redis.addr is required for the redis driver")
		}
	default:
		bad("store.driver must be memory or redis, got %q", c.Store.Driver)
	}

	vertices := make(map[string]struct{}, len(c.Graph.Vertices))
	for i, v := range c.Graph.Vertices {
		if err := domain.ValidateKey(v.Key); err != nil {
			bad("graph.vertices[%d]: %v", i, err)
			continue
		}
		if _, dup := vertices[v.Key]; dup {
			bad("graph.vertices: duplicate key %q", v.Key)
		}
		vertices[v.Key] = struct{}{}
	}
	// A redis graph may already hold vertices the file does not declare.
	declared := func(key string) bool {
		if c.Store.Driver == DriverRedis {
			return true
		}
		_, ok := vertices[key]
		return ok
	}

	edges := make(map[string]struct{}, len(c.Graph.Edges))
	for i, e := range c.Graph.Edges {
		if err := domain.ValidateKey(e.Key); err != nil {
			bad("graph.edges[%d]: %v", i, err)
			continue
		}
		if _, dup := edges[e.Key]; dup {
			bad("graph.edges: duplicate key %q", e.Key)
		}
		edges[e.Key] = struct{}{}
		if !declared(e.Source) {
			bad("edge %q: unknown source vertex %q", e.Key, e.Source)
		}
		if !declared(e.Target) {
			bad("edge %q: unknown target vertex %q", e.Key, e.Target)
		}
	}

	for i, p := range c.Processes {
		if p.Vertex == "" || p.Type == "" {
			bad("processes[%d]: vertex and type are required", i)
			continue
		}
		if !declared(p.Vertex) {
			bad("process %s/%s: unknown vertex %q", p.Vertex, p.Type, p.Vertex)
		}
	}

	return errors.Join(errs...)
}

// CheckProcessTypes reports processes and clock targets whose type is not
// registered.
func (c *Config) CheckProcessTypes(has func(tag string) bool) error {
	var errs []error
	for _, p := range c.Processes {
		if !has(p.Type) {
			errs = append(errs, fmt.Errorf("%w: process %s/%s: %w", ErrInvalidConfig, p.Vertex, p.Type, domain.ErrUnknownProcessType))
		}
	}
	for _, t := range c.Clock.Targets {
		b, err := domain.ParseBinding(t)
		if err == nil && !has(b.Process) {
			errs = append(errs, fmt.Errorf("%w: clock target %s: %w", ErrInvalidConfig, t, domain.ErrUnknownProcessType))
		}
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level. Validate has already rejected bad names.
func (c *Config) Level() slog.Level {
	lvl, _ := logging.ParseLevel(c.LogLevel)
	return lvl
}

// ClockTargets returns the parsed clock targets.
func (c *Config) ClockTargets() []domain.Binding {
	out := make([]domain.Binding, 0, len(c.Clock.Targets))
	for _, t := range c.Clock.Targets {
		if b, err := domain.ParseBinding(t); err == nil {
			out = append(out, b)
		}
	}
	return out
}

// DomainVertices returns the declared vertices as domain values.
func (g GraphConfig) DomainVertices() []domain.Vertex {
	out := make([]domain.Vertex, 0, len(g.Vertices))
	for _, v := range g.Vertices {
		out = append(out, domain.Vertex{Key: v.Key, Props: v.Props})
	}
	return out
}

// DomainEdges returns the declared edges as domain values.
func (g GraphConfig) DomainEdges() []domain.Edge {
	out := make([]domain.Edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		label := e.Label
		if label == "" {
			label = domain.LabelSignal
		}
		out = append(out, domain.Edge{Key: e.Key, Source: e.Source, Target: e.Target, Label: label, Props: e.Props})
	}
	return out
}
