// Copyright 2025 ScanGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the scangate YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"scangate/internal/common"
)

// Duration wraps time.Duration with YAML support for "30s"-style values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// EngineConfig configures the scanning engine connection.
type EngineConfig struct {
	// Address is the clamd endpoint: a unix socket path (contains "/")
	// or a host:port TCP address.
	Address string `yaml:"address"`
	// Pool is the number of concurrent scanner sessions.
	Pool int `yaml:"pool"`
	// Timeout bounds a single scan call.
	Timeout Duration `yaml:"timeout"`
}

// Network returns the network for net.Dial based on the address shape.
func (e EngineConfig) Network() string {
	if filepath.IsAbs(e.Address) {
		return "unix"
	}
	return "tcp"
}

// CacheConfig configures the scan verdict cache.
type CacheConfig struct {
	// Capacity bounds the number of resolved verdicts kept in memory.
	Capacity int `yaml:"capacity"`
}

// LayerConfig describes one loop-mounted storage layer.
type LayerConfig struct {
	Name       string   `yaml:"name"`
	Image      string   `yaml:"image"`  // backing image file; empty for bind-style directory sources
	Source     string   `yaml:"source"` // directory source when Image is empty
	FSType     string   `yaml:"fstype"`
	Mountpoint string   `yaml:"mountpoint"`
	Options    []string `yaml:"options"`
	ReadOnly   bool     `yaml:"readonly"`
}

// EventsConfig configures the security event journal.
type EventsConfig struct {
	// Path of the SQLite events database. Empty disables journaling.
	Path string `yaml:"path"`
}

// Config is the top-level scangate configuration.
type Config struct {
	// Source is the real directory tree being proxied.
	Source string `yaml:"source"`
	// Mountpoint is where the proxy filesystem is exposed.
	Mountpoint string `yaml:"mountpoint"`

	Engine  EngineConfig  `yaml:"engine"`
	Cache   CacheConfig   `yaml:"cache"`
	Events  EventsConfig  `yaml:"events"`
	Layers  []LayerConfig `yaml:"layers"`
	Exclude []string      `yaml:"exclude"` // gitignore-style patterns exempt from scanning
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.Engine.Address == "" {
		cfg.Engine.Address = "/var/run/clamav/clamd.ctl"
	}
	if cfg.Engine.Pool <= 0 {
		cfg.Engine.Pool = 4
	}
	if cfg.Engine.Timeout == 0 {
		cfg.Engine.Timeout = Duration(30 * time.Second)
	}
	if cfg.Cache.Capacity <= 0 {
		cfg.Cache.Capacity = 4096
	}
	for i := range cfg.Layers {
		if cfg.Layers[i].FSType == "" {
			cfg.Layers[i].FSType = "ext4"
		}
	}
}

// Validate checks structural invariants. Layer mountpoints must be absolute
// and unique; nesting between them is allowed and drives the mount graph.
func (cfg *Config) Validate() error {
	if cfg.Source == "" || !filepath.IsAbs(cfg.Source) {
		return fmt.Errorf("%w: source must be an absolute path", common.ErrInvalidConfig)
	}
	if cfg.Mountpoint == "" || !filepath.IsAbs(cfg.Mountpoint) {
		return fmt.Errorf("%w: mountpoint must be an absolute path", common.ErrInvalidConfig)
	}
	if cfg.Mountpoint == cfg.Source || common.IsPathUnder(cfg.Source, cfg.Mountpoint) {
		return fmt.Errorf("%w: mountpoint must not lie under source", common.ErrInvalidConfig)
	}

	seen := make(map[string]string, len(cfg.Layers))
	names := make(map[string]bool, len(cfg.Layers))
	for _, layer := range cfg.Layers {
		if layer.Name == "" {
			return fmt.Errorf("%w: layer without a name", common.ErrInvalidConfig)
		}
		if names[layer.Name] {
			return fmt.Errorf("%w: duplicate layer name %q", common.ErrInvalidConfig, layer.Name)
		}
		names[layer.Name] = true
		if layer.Image == "" && layer.Source == "" {
			return fmt.Errorf("%w: layer %q needs an image or a source directory", common.ErrInvalidConfig, layer.Name)
		}
		if !filepath.IsAbs(layer.Mountpoint) {
			return fmt.Errorf("%w: layer %q mountpoint must be absolute", common.ErrInvalidConfig, layer.Name)
		}
		if other, dup := seen[layer.Mountpoint]; dup {
			return fmt.Errorf("%w: layers %q and %q share mountpoint %s",
				common.ErrInvalidConfig, other, layer.Name, layer.Mountpoint)
		}
		seen[layer.Mountpoint] = layer.Name
	}
	return nil
}
