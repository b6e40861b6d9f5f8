// Package config loads the offsync YAML configuration.
//
// Example:
//
//	db: ~/.offsync/offsync.db
//	kv_driver: sqlite          # sqlite | bolt | memory
//	id_field: id
//	probe_interval: 5s
//	backend:
//	  url: http://localhost:8080
//	  timeout: 10s
//	  probe_addr: localhost:8080
//	resources:
//	  - name: weight_logs
//	    filter: { field: user_id, value: u1 }
//	    order: { field: recorded_at, desc: true }
//	schemas:
//	  weight_logs: |
//	    user_id: string
//	    weight:  number & >0
//
// Environment variables OFFSYNC_DB, OFFSYNC_KV_DRIVER and
// OFFSYNC_BACKEND_URL override the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/kv"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/schema"
)

// Key-value drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

// Defaults.
const (
	DefaultDB            = "offsync.db"
	DefaultTimeout       = 10 * time.Second
	DefaultProbeInterval = 5 * time.Second
)

// Config is the whole configuration file.
type Config struct {
	DB            string            `yaml:"db"`
	KVDriver      string            `yaml:"kv_driver"`
	IDField       string            `yaml:"id_field"`
	ProbeInterval time.Duration     `yaml:"probe_interval"`
	Backend       Backend           `yaml:"backend"`
	Resources     []Resource        `yaml:"resources"`
	Schemas       map[string]string `yaml:"schemas"`
}

// Backend addresses the remote HTTP backend.
type Backend struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`

	// ProbeAddr is the host:port dialled by the link probe. Defaults to
	// the URL's host.
	ProbeAddr string `yaml:"probe_addr"`
}

// Resource is a named resource with its default query.
type Resource struct {
	Name   string         `yaml:"name"`
	Filter *record.Filter `yaml:"filter,omitempty"`
	Order  *record.Order  `yaml:"order,omitempty"`
}

// Query returns the resource's query.
func (r Resource) Query() record.Query {
	return record.Query{Filter: r.Filter, Order: r.Order}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads the file at path. An empty path yields the defaults.
// Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	var c *Config
	if path == "" {
		c = Default()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		c, err = decode(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	c.applyEnv(os.LookupEnv)
	c.DB = expandHome(c.DB)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse decodes and validates YAML without consulting the environment.
func Parse(data []byte) (*Config, error) {
	c, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func decode(data []byte) (*Config, error) {
	var c Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.DB == "" {
		c.DB = DefaultDB
	}
	if c.KVDriver == "" {
		c.KVDriver = DriverSQLite
	}
	if c.IDField == "" {
		c.IDField = record.DefaultIDField
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = DefaultTimeout
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("OFFSYNC_DB"); ok && v != "" {
		c.DB = v
	}
	if v, ok := lookup("OFFSYNC_KV_DRIVER"); ok && v != "" {
		c.KVDriver = v
	}
	if v, ok := lookup("OFFSYNC_BACKEND_URL"); ok && v != "" {
		c.Backend.URL = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.KVDriver {
	case DriverSQLite, DriverBolt, DriverMemory:
	default:
		return fmt.Errorf("kv_driver %q: must be one of sqlite, bolt, memory", c.KVDriver)
	}
	if c.ProbeInterval < 0 {
		return fmt.Errorf("probe_interval must be positive")
	}
	if c.Backend.Timeout < 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	if c.Backend.URL != "" {
		u, err := url.Parse(c.Backend.URL)
		if err != nil {
			return fmt.Errorf("backend.url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("backend.url %q: scheme must be http or https", c.Backend.URL)
		}
	}

	seen := make(map[string]bool, len(c.Resources))
	for i, r := range c.Resources {
		if r.Name == "" {
			return fmt.Errorf("resources[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("resources[%d]: duplicate resource %q", i, r.Name)
		}
		seen[r.Name] = true
		if r.Filter != nil && r.Filter.Field == "" {
			return fmt.Errorf("resources[%d]: filter.field is required", i)
		}
		if r.Order != nil && r.Order.Field == "" {
			return fmt.Errorf("resources[%d]: order.field is required", i)
		}
	}
	return nil
}

// Resource returns the configured resource called name. Unknown names get
// an empty query.
func (c *Config) Resource(name string) Resource {
	for _, r := range c.Resources {
		if r.Name == name {
			return r
		}
	}
	return Resource{Name: name}
}

// ProbeAddr returns the address the link probe dials, or "" when no
// backend is configured.
func (c *Config) ProbeAddr() string {
	if c.Backend.ProbeAddr != "" {
		return c.Backend.ProbeAddr
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return u.Host + ":443"
	}
	return u.Host + ":80"
}

// OpenStore opens the configured key-value store.
func (c *Config) OpenStore() (kv.Store, error) {
	switch c.KVDriver {
	case DriverMemory:
		return kv.NewMemory(), nil
	case DriverBolt:
		b, err := kv.OpenBolt(c.DB)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		s, err := kv.OpenSQLite(c.DB)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Validator compiles the configured schemas. It returns nil, nil when
// none are configured.
func (c *Config) Validator() (*schema.Validator, error) {
	if len(c.Schemas) == 0 {
		return nil, nil
	}
	return schema.Compile(c.Schemas)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
