package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. GROUBOY_WASM_MEMORY_PAGES.
const EnvPrefix = "GROUBOY"

type Config struct {
	CorePaths []string       `mapstructure:"core_paths"`
	LogLevel  string         `mapstructure:"log_level"`
	Emulator  EmulatorConfig `mapstructure:"emulator"`
	Wasm      WasmConfig     `mapstructure:"wasm"`
	ROM       ROMConfig      `mapstructure:"rom"`
	Stream    StreamConfig   `mapstructure:"stream"`
}

// EmulatorConfig selects and paces the emulator core.
type EmulatorConfig struct {
	// Core name; empty picks a core by ROM extension.
	Core string `mapstructure:"core"`
	// Frames per second of a running handle.
	FrameRate float64 `mapstructure:"frame_rate"`
	// Upscale factor of PNG snapshots.
	SnapshotScale int `mapstructure:"snapshot_scale"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per core instance (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages"`
	// Trace boundary calls.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent instances.
	MaxInstances int `mapstructure:"max_instances"`
	// Upper bound of a single boundary call (seconds).
	CallTimeout int `mapstructure:"call_timeout"`
}

// CallTimeoutDuration returns CallTimeout as a duration.
func (c WasmConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(c.CallTimeout) * time.Second
}

// ROMConfig bounds image intake.
type ROMConfig struct {
	// Largest accepted image in bytes, after decompression.
	MaxSize int64 `mapstructure:"max_size"`
	// Network fetch timeout (seconds).
	FetchTimeout int `mapstructure:"fetch_timeout"`
	// File extensions recognized inside archives.
	Extensions []string `mapstructure:"extensions"`
}

// FetchTimeoutDuration returns FetchTimeout as a duration.
func (c ROMConfig) FetchTimeoutDuration() time.Duration {
	return time.Duration(c.FetchTimeout) * time.Second
}

// StreamConfig configures the websocket frame stream.
type StreamConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("core_paths", []string{"./cores"})
	v.SetDefault("log_level", "info")

	v.SetDefault("emulator.core", "")
	v.SetDefault("emulator.frame_rate", 59.73)
	v.SetDefault("emulator.snapshot_scale", 4)

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.max_instances", 100)
	v.SetDefault("wasm.call_timeout", 10)

	v.SetDefault("rom.max_size", 8<<20)
	v.SetDefault("rom.fetch_timeout", 30)
	v.SetDefault("rom.extensions", []string{".gb", ".gbc"})

	v.SetDefault("stream.enabled", false)
	v.SetDefault("stream.addr", ":8090")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values the host cannot run with.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q (must be one of: debug, info, warn, error)", c.LogLevel)
	}
	if c.Emulator.FrameRate <= 0 {
		return fmt.Errorf("emulator.frame_rate must be positive, got %v", c.Emulator.FrameRate)
	}
	if c.Emulator.SnapshotScale < 1 {
		return fmt.Errorf("emulator.snapshot_scale must be at least 1, got %d", c.Emulator.SnapshotScale)
	}
	if c.Wasm.MemoryPages == 0 || c.Wasm.MemoryPages > 65536 {
		return fmt.Errorf("wasm.memory_pages must be within 1..65536, got %d", c.Wasm.MemoryPages)
	}
	if c.Wasm.CallTimeout < 0 {
		return fmt.Errorf("wasm.call_timeout must not be negative, got %d", c.Wasm.CallTimeout)
	}
	if c.ROM.MaxSize <= 0 {
		return fmt.Errorf("rom.max_size must be positive, got %d", c.ROM.MaxSize)
	}
	if len(c.ROM.Extensions) == 0 {
		return errors.New("rom.extensions must not be empty")
	}
	return nil
}
