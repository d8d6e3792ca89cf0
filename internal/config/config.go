// Package config provides configuration management using Viper.
// It supports loading from command-line flags, config files, environment
// variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/depin-agent/nvfs/internal/hardware/gpu"
	"github.com/depin-agent/nvfs/pkg/logger"
)

// Config holds all configuration values for nvfs.
type Config struct {
	// Mountpoint is the directory where the GPU filesystem is mounted
	Mountpoint string `mapstructure:"mountpoint"`

	// PollInterval is the period between telemetry queries
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Source selects the telemetry backend: nvml, smi, or mock
	Source string `mapstructure:"source"`

	// DeviceIndex is the NVML index of the exported GPU
	DeviceIndex int `mapstructure:"device_index"`

	// AllowOther lets users other than the mounter read the files
	AllowOther bool `mapstructure:"allow_other"`

	// FsName is the filesystem source name shown in /proc/mounts
	FsName string `mapstructure:"fs_name"`

	AttrTimeout  time.Duration `mapstructure:"attr_timeout"`
	EntryTimeout time.Duration `mapstructure:"entry_timeout"`

	// HealthAddress is the listen address of the gRPC health service.
	// Empty disables it.
	HealthAddress string `mapstructure:"health_address"`

	// DevMode enables development-friendly logging
	DevMode bool `mapstructure:"dev_mode"`

	// LogLevel sets the minimum log level (debug, info, warn, error)
	LogLevel string `mapstructure:"log_level"`

	// DebugFUSE logs every FUSE request
	DebugFUSE bool `mapstructure:"debug_fuse"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 5 * time.Second,
		Source:       string(gpu.KindNVML),
		DeviceIndex:  0,
		FsName:       "nvfs",
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
		LogLevel:     "info",
	}
}

// Flags returns the command-line flag set. Flags that are set take
// precedence over every other source.
func Flags() *pflag.FlagSet {
	defaults := DefaultConfig()
	flags := pflag.NewFlagSet("nvfs", pflag.ContinueOnError)

	flags.String("config", "", "path to a YAML config file")
	flags.String("mountpoint", "", "directory to mount the GPU filesystem on (or first argument)")
	flags.Duration("poll-interval", defaults.PollInterval, "time between telemetry queries")
	flags.String("source", defaults.Source, "telemetry source: nvml, smi, or mock")
	flags.Int("device-index", defaults.DeviceIndex, "index of the GPU to export")
	flags.Bool("allow-other", defaults.AllowOther, "allow other users to read the mount")
	flags.String("fs-name", defaults.FsName, "filesystem name shown in /proc/mounts")
	flags.Duration("attr-timeout", defaults.AttrTimeout, "kernel attribute cache timeout")
	flags.Duration("entry-timeout", defaults.EntryTimeout, "kernel name lookup cache timeout")
	flags.String("health-address", defaults.HealthAddress, "gRPC health service listen address (empty disables)")
	flags.Bool("dev", defaults.DevMode, "development logging")
	flags.String("log-level", defaults.LogLevel, "log level: debug, info, warn, error")
	flags.Bool("debug-fuse", defaults.DebugFUSE, "log every FUSE request")

	return flags
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"mountpoint":     "mountpoint",
	"poll-interval":  "poll_interval",
	"source":         "source",
	"device-index":   "device_index",
	"allow-other":    "allow_other",
	"fs-name":        "fs_name",
	"attr-timeout":   "attr_timeout",
	"entry-timeout":  "entry_timeout",
	"health-address": "health_address",
	"dev":            "dev_mode",
	"log-level":      "log_level",
	"debug-fuse":     "debug_fuse",
}

// Load parses args and merges flags, environment variables, an optional
// config file, and defaults, in that order of precedence.
// All environment variables are prefixed with "NVFS_" (e.g., NVFS_POLL_INTERVAL).
// The first positional argument, if any, is the mountpoint.
func Load(args []string) (*Config, error) {
	flags := Flags()
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()

	// Set default values
	defaults := DefaultConfig()
	v.SetDefault("mountpoint", defaults.Mountpoint)
	v.SetDefault("poll_interval", defaults.PollInterval)
	v.SetDefault("source", defaults.Source)
	v.SetDefault("device_index", defaults.DeviceIndex)
	v.SetDefault("allow_other", defaults.AllowOther)
	v.SetDefault("fs_name", defaults.FsName)
	v.SetDefault("attr_timeout", defaults.AttrTimeout)
	v.SetDefault("entry_timeout", defaults.EntryTimeout)
	v.SetDefault("health_address", defaults.HealthAddress)
	v.SetDefault("dev_mode", defaults.DevMode)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("debug_fuse", defaults.DebugFUSE)

	// Environment variables are prefixed with NVFS_ and use underscores
	// Example: NVFS_MOUNTPOINT=/run/gpu, NVFS_SOURCE=mock
	v.SetEnvPrefix("NVFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, fmt.Errorf("binding flag %s: %w", name, err)
		}
	}

	configFile, _ := flags.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("nvfs")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")          // Current directory
		v.AddConfigPath("./config")   // Config subdirectory
		v.AddConfigPath("/etc/nvfs/") // System-wide config
	}

	// Read config file if it exists (not an error if missing, unless it
	// was named explicitly)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if positional := flags.Args(); len(positional) > 0 {
		if len(positional) > 1 {
			return nil, fmt.Errorf("unexpected arguments: %v", positional[1:])
		}
		cfg.Mountpoint = positional[0]
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks that all configuration values are valid.
func (c *Config) Validate() error {
	if c.Mountpoint == "" {
		return errors.New("mountpoint is required")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}

	if _, err := gpu.ParseKind(c.Source); err != nil {
		return err
	}

	if c.DeviceIndex < 0 {
		return fmt.Errorf("device_index must not be negative, got %d", c.DeviceIndex)
	}

	if c.AttrTimeout < 0 || c.EntryTimeout < 0 {
		return fmt.Errorf("attr_timeout and entry_timeout must not be negative, got %v and %v", c.AttrTimeout, c.EntryTimeout)
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: must be one of debug, info, warn, error", c.LogLevel)
	}

	return nil
}

// String returns a string representation of the config (useful for logging).
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Mountpoint: %s, PollInterval: %v, Source: %s, DeviceIndex: %d, AllowOther: %v, HealthAddress: %q, DevMode: %v, LogLevel: %s}",
		c.Mountpoint, c.PollInterval, c.Source, c.DeviceIndex, c.AllowOther, c.HealthAddress, c.DevMode, c.LogLevel,
	)
}
