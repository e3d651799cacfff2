// Package config loads the flickermeter configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/flicker/internal/flicker"
	"github.com/banshee-data/flicker/internal/seriallink"
	"github.com/banshee-data/flicker/internal/stream"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root of flicker.yaml. Optional values are pointers; the Get*
// methods supply defaults for anything left out.
type Config struct {
	Control     LinkConfig        `yaml:"control"`
	Data        LinkConfig        `yaml:"data"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
}

// LinkConfig describes one serial link.
type LinkConfig struct {
	Path                   string `yaml:"path"`
	seriallink.PortOptions `yaml:",inline"`
	// ReadTimeout is a duration string like "2s". Only the control link
	// uses it; unset means reads block until a line arrives.
	ReadTimeout *string `yaml:"read_timeout,omitempty"`
}

// AcquisitionConfig holds the measurement defaults.
type AcquisitionConfig struct {
	Samples      *uint32 `yaml:"samples,omitempty"`
	Gain         *string `yaml:"gain,omitempty"`          // "x16"
	Time         *string `yaml:"time,omitempty"`          // "4ms"
	DrainDelay   *string `yaml:"drain_delay,omitempty"`   // "1s"
	ChunkQueue   *int    `yaml:"chunk_queue,omitempty"`   // chunks in flight
	PollInterval *string `yaml:"poll_interval,omitempty"` // "50ms"
}

// Default returns a configuration with every optional value unset.
func Default() *Config {
	return &Config{}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	for name, link := range map[string]LinkConfig{"control": c.Control, "data": c.Data} {
		if _, err := link.PortOptions.Normalize(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := checkDuration(name+".read_timeout", link.ReadTimeout); err != nil {
			return err
		}
	}

	a := c.Acquisition
	if a.Samples != nil && *a.Samples > flicker.MaxSamples {
		return fmt.Errorf("acquisition.samples: %w: %d exceeds the maximum of %d", flicker.ErrInvalidSetting, *a.Samples, flicker.MaxSamples)
	}
	if a.Gain != nil {
		if _, err := flicker.ParseGain(*a.Gain); err != nil {
			return fmt.Errorf("acquisition.gain: %w", err)
		}
	}
	if a.Time != nil {
		if _, err := flicker.ParseTime(*a.Time); err != nil {
			return fmt.Errorf("acquisition.time: %w", err)
		}
	}
	if err := checkDuration("acquisition.drain_delay", a.DrainDelay); err != nil {
		return err
	}
	if err := checkDuration("acquisition.poll_interval", a.PollInterval); err != nil {
		return err
	}
	if a.ChunkQueue != nil && *a.ChunkQueue <= 0 {
		return fmt.Errorf("acquisition.chunk_queue must be positive, got %d", *a.ChunkQueue)
	}
	return nil
}

func checkDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative, got %s", name, *v)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// ControlOptions returns the control link serial options with defaults.
func (c *Config) ControlOptions() seriallink.PortOptions {
	opts := c.Control.PortOptions
	if opts.BaudRate == 0 {
		opts.BaudRate = seriallink.DefaultControlBaudRate
	}
	return opts
}

// DataOptions returns the data link serial options with defaults.
func (c *Config) DataOptions() seriallink.PortOptions {
	opts := c.Data.PortOptions
	if opts.BaudRate == 0 {
		opts.BaudRate = seriallink.DefaultDataBaudRate
	}
	return opts
}

// GetReadTimeout returns the control link read timeout (0 = unbounded).
func (c *Config) GetReadTimeout() time.Duration {
	return durationOr(c.Control.ReadTimeout, 0)
}

// GetDrainDelay returns the settle window after a run ended.
func (c *Config) GetDrainDelay() time.Duration {
	return durationOr(c.Acquisition.DrainDelay, time.Second)
}

// GetPollInterval returns the data link read timeout used by the collector.
func (c *Config) GetPollInterval() time.Duration {
	return durationOr(c.Acquisition.PollInterval, stream.DefaultPollInterval)
}

// GetChunkQueue returns the capacity of the chunk channel.
func (c *Config) GetChunkQueue() int {
	if c.Acquisition.ChunkQueue == nil {
		return stream.DefaultQueue
	}
	return *c.Acquisition.ChunkQueue
}

// Settings returns the acquisition defaults.
func (c *Config) Settings() (flicker.Settings, error) {
	s := flicker.DefaultSettings()
	a := c.Acquisition
	if a.Samples != nil {
		s.Samples = *a.Samples
	}
	if a.Gain != nil {
		g, err := flicker.ParseGain(*a.Gain)
		if err != nil {
			return s, err
		}
		s.Gain = g
	}
	if a.Time != nil {
		t, err := flicker.ParseTime(*a.Time)
		if err != nil {
			return s, err
		}
		s.Time = t
	}
	return s, s.Validate()
}
