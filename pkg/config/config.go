// Package config loads the daemon configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warrenhq/warren/pkg/engine"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "1h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// PortRange is the host-side port pool for instance control channels.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// LimitsConfig is the uniform container resource profile.
type LimitsConfig struct {
	Memory    string `yaml:"memory"`
	CPUs      string `yaml:"cpus"`
	PidsLimit int    `yaml:"pids_limit"`
}

// Config is the daemon configuration. Every field has a default; an absent
// config file is not an error.
type Config struct {
	DataDir         string       `yaml:"data_dir"`
	Image           string       `yaml:"image"`
	ListenAddr      string       `yaml:"listen_addr"`
	ContainerPrefix string       `yaml:"container_prefix"`
	EngineBinary    string       `yaml:"engine_binary"`
	Ports           PortRange    `yaml:"ports"`
	Limits          LimitsConfig `yaml:"limits"`

	FlushInterval     Duration `yaml:"flush_interval"`
	ReconcileInterval Duration `yaml:"reconcile_interval"`
	Retention         Duration `yaml:"retention"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() Config {
	limits := engine.DefaultLimits()
	return Config{
		DataDir:         defaultDataDir(),
		Image:           "warren/workload:latest",
		ListenAddr:      "127.0.0.1:8080",
		ContainerPrefix: "warren-",
		EngineBinary:    "docker",
		Ports:           PortRange{Min: 19000, Max: 19999},
		Limits: LimitsConfig{
			Memory:    limits.Memory,
			CPUs:      limits.CPUs,
			PidsLimit: limits.PidsLimit,
		},
		FlushInterval:     Duration(5 * time.Second),
		ReconcileInterval: Duration(30 * time.Second),
		Retention:         Duration(time.Hour),
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/warren"
	}
	return filepath.Join(home, ".warren")
}

// Load reads the config at path, layered over the defaults. An empty path
// or a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ContainerPrefix == "" {
		return fmt.Errorf("container_prefix cannot be empty")
	}
	if c.Ports.Min <= 0 || c.Ports.Max < c.Ports.Min {
		return fmt.Errorf("invalid port range %d-%d", c.Ports.Min, c.Ports.Max)
	}
	if c.Image == "" {
		return fmt.Errorf("image cannot be empty")
	}
	return nil
}

// InstanceTablePath is the durable instance table location.
func (c Config) InstanceTablePath() string {
	return filepath.Join(c.DataDir, "instances.json")
}

// EngineLimits converts the configured ceilings to the engine profile.
func (c Config) EngineLimits() engine.Limits {
	return engine.Limits{
		Memory:    c.Limits.Memory,
		CPUs:      c.Limits.CPUs,
		PidsLimit: c.Limits.PidsLimit,
	}
}
