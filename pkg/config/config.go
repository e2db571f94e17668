// Package config decodes driver-selected configuration blocks the same way
// every pluggable reva backend does: a small typed struct with mapstructure
// tags, a parseConfig helper, and an init() applying defaults.
package config

import (
	"encoding/json"
	"os"

	"github.com/mitchellh/mapstructure"
)

// Config is the top-level bootstrap configuration for a NexusFS deployment.
// Each driver block (CAS, Metadata, Events, LockManager) selects a driver by
// name and carries driver-specific options. The CAS driver is resolved
// through pkg/cas's registry; the metadata, events and lock-manager drivers
// are selected by name in the bootstrap wiring (cmd/nexusfsd).
type Config struct {
	Zone string `mapstructure:"zone"`

	CAS struct {
		Driver  string                 `mapstructure:"driver"`
		Options map[string]interface{} `mapstructure:"options"`
	} `mapstructure:"cas"`

	Metadata struct {
		Driver  string                 `mapstructure:"driver"`
		Options map[string]interface{} `mapstructure:"options"`
	} `mapstructure:"metadata"`

	Events struct {
		Driver  string                 `mapstructure:"driver"`
		Options map[string]interface{} `mapstructure:"options"`
	} `mapstructure:"events"`

	LockManager struct {
		Driver  string                 `mapstructure:"driver"`
		Options map[string]interface{} `mapstructure:"options"`
	} `mapstructure:"lock_manager"`

	AuditStrictMode bool `mapstructure:"audit_strict_mode"`
}

func (c *Config) init() {
	if c.Zone == "" {
		c.Zone = "default"
	}
	if c.Metadata.Driver == "" {
		c.Metadata.Driver = "sqlite"
	}
	if c.CAS.Driver == "" {
		c.CAS.Driver = "disk"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.LockManager.Driver == "" {
		c.LockManager.Driver = "memory"
	}
}

// Parse decodes a generic map (as produced by JSON/YAML/TOML unmarshalling
// into map[string]interface{}) into a Config, applying defaults.
func Parse(m map[string]interface{}) (*Config, error) {
	c := &Config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, err
	}
	c.init()
	return c, nil
}

// LoadFromFile reads a JSON configuration file from disk and parses it.
func LoadFromFile(fn string) (*Config, error) {
	data, err := os.ReadFile(fn)
	if err != nil {
		return nil, err
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	return Parse(m)
}

// DecodeDriverOptions is a small helper driver constructors (sqlite,
// natsbus, redislock, the ReBAC repository and L2 cache) use to turn their
// Options map into a typed config struct.
func DecodeDriverOptions(opts map[string]interface{}, dst interface{}) error {
	return mapstructure.Decode(opts, dst)
}
