// Package config handles YAML configuration for nodeforge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/w-gao/nodeforge/internal/compute"
)

// DefaultPath is where the CLI looks for a config file when none is given.
const DefaultPath = "nodeforge.yaml"

// Config is the root configuration structure.
type Config struct {
	AWS       AWSConfig       `yaml:"aws"`
	Launch    LaunchConfig    `yaml:"launch"`
	Retry     RetryConfig     `yaml:"retry"`
	Policy    PolicyConfig    `yaml:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// AWSConfig holds AWS session settings.
type AWSConfig struct {
	Region          string `yaml:"region"`
	Profile         string `yaml:"profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	// MaxAttempts caps the SDK's own retries of throttled calls.
	MaxAttempts int `yaml:"max_attempts"`
}

// LaunchConfig is the default launch spec for commands that create
// instances, spot requests or launch templates.
type LaunchConfig struct {
	ImageID            string              `yaml:"image_id"`
	InstanceType       string              `yaml:"instance_type"`
	KeyName            string              `yaml:"key_name"`
	SecurityGroupIDs   []string            `yaml:"security_group_ids"`
	SubnetID           string              `yaml:"subnet_id"`
	AvailabilityZone   string              `yaml:"availability_zone"`
	InstanceProfileARN string              `yaml:"instance_profile_arn"`
	UserDataFile       string              `yaml:"user_data_file"`
	BlockDevices       []BlockDeviceConfig `yaml:"block_devices"`
	Tags               map[string]string   `yaml:"tags"`
}

// BlockDeviceConfig maps onto compute.BlockDevice.
type BlockDeviceConfig struct {
	DeviceName          string `yaml:"device_name"`
	VirtualName         string `yaml:"virtual_name"`
	SizeGiB             int32  `yaml:"size_gib"`
	VolumeType          string `yaml:"volume_type"`
	Encrypted           bool   `yaml:"encrypted"`
	DeleteOnTermination bool   `yaml:"delete_on_termination"`
}

// RetryConfig holds the retry windows.
type RetryConfig struct {
	ShortWindowStr string        `yaml:"short_window"`
	LongWindowStr  string        `yaml:"long_window"`
	ShortWindow    time.Duration `yaml:"-"`
	LongWindow     time.Duration `yaml:"-"`
}

// PolicyConfig lists Rego files or directories.
type PolicyConfig struct {
	Paths []string `yaml:"paths"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName string        `yaml:"service_name"`
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// ListenAddr serves /metrics and /healthz while a command runs.
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var logFormats = []string{"console", "json"}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	// Defaults always parse.
	_ = cfg.finish()
	return cfg
}

func (c *Config) finish() error {
	applyDefaults(c)
	return parseWindows(c)
}

func applyDefaults(cfg *Config) {
	if cfg.AWS.MaxAttempts == 0 {
		cfg.AWS.MaxAttempts = 5
	}
	if cfg.Retry.ShortWindowStr == "" {
		cfg.Retry.ShortWindowStr = "50s"
	}
	if cfg.Retry.LongWindowStr == "" {
		cfg.Retry.LongWindowStr = "1h"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "nodeforge"
	}
	if cfg.Telemetry.Traces.SampleRate == 0 {
		cfg.Telemetry.Traces.SampleRate = 1.0
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

func parseWindows(cfg *Config) error {
	short, err := time.ParseDuration(cfg.Retry.ShortWindowStr)
	if err != nil {
		return fmt.Errorf("parse short_window %q: %w", cfg.Retry.ShortWindowStr, err)
	}
	long, err := time.ParseDuration(cfg.Retry.LongWindowStr)
	if err != nil {
		return fmt.Errorf("parse long_window %q: %w", cfg.Retry.LongWindowStr, err)
	}
	cfg.Retry.ShortWindow = short
	cfg.Retry.LongWindow = long
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if (c.AWS.AccessKeyID == "") != (c.AWS.SecretAccessKey == "") {
		return fmt.Errorf("aws: access_key_id and secret_access_key must be set together")
	}
	if c.AWS.MaxAttempts < 1 {
		return fmt.Errorf("aws: max_attempts must be at least 1 (got %d)", c.AWS.MaxAttempts)
	}
	if c.Retry.ShortWindow < 0 || c.Retry.LongWindow < 0 {
		return fmt.Errorf("retry: windows must not be negative")
	}
	if c.Launch.AvailabilityZone != "" {
		if _, err := compute.ZoneToRegion(c.Launch.AvailabilityZone); err != nil {
			return fmt.Errorf("launch: %w", err)
		}
	}
	if c.Telemetry.Traces.SampleRate < 0.0 || c.Telemetry.Traces.SampleRate > 1.0 {
		return fmt.Errorf("telemetry: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.Telemetry.Traces.SampleRate)
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		return fmt.Errorf("log: format must be one of %v (got %q)", logFormats, c.Log.Format)
	}
	return nil
}

// Region returns the configured region, falling back to the launch zone's.
func (c *Config) Region() string {
	if c.AWS.Region != "" {
		return c.AWS.Region
	}
	if region, err := compute.ZoneToRegion(c.Launch.AvailabilityZone); err == nil {
		return region
	}
	return ""
}

// Spec builds the default launch spec, reading the user data file if set.
func (c *Config) Spec() (compute.Spec, error) {
	l := c.Launch
	spec := compute.Spec{
		ImageID:            l.ImageID,
		InstanceType:       l.InstanceType,
		KeyName:            l.KeyName,
		SecurityGroupIDs:   l.SecurityGroupIDs,
		InstanceProfileARN: l.InstanceProfileARN,
		AvailabilityZone:   l.AvailabilityZone,
		SubnetID:           l.SubnetID,
	}
	for _, d := range l.BlockDevices {
		spec.BlockDevices = append(spec.BlockDevices, compute.BlockDevice{
			DeviceName:          d.DeviceName,
			VirtualName:         d.VirtualName,
			VolumeSizeGiB:       d.SizeGiB,
			VolumeType:          d.VolumeType,
			Encrypted:           d.Encrypted,
			DeleteOnTermination: d.DeleteOnTermination,
		})
	}
	if l.UserDataFile != "" {
		data, err := os.ReadFile(filepath.Clean(l.UserDataFile))
		if err != nil {
			return compute.Spec{}, fmt.Errorf("read user data: %w", err)
		}
		spec.UserData = data
	}
	return spec, nil
}
