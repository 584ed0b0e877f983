package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/w200024212/pebbleos-sub001/internal/shared/paths"
)

// Config holds all daemon configuration.
type Config struct {
	Server    ServerConfig
	Kernel    KernelConfig
	Process   ProcessConfig
	Memory    MemoryConfig
	Crash     CrashConfig
	Storage   StorageConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds control API configuration.
type ServerConfig struct {
	Port string `envconfig:"WATCHD_PORT" default:"8040"`
	Host string `envconfig:"WATCHD_HOST" default:"127.0.0.1"`
	// CORSOrigins is comma separated; "*" allows any origin
	CORSOrigins []string `envconfig:"WATCHD_CORS_ORIGINS" default:"*"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// KernelConfig holds kernel main event queue configuration.
type KernelConfig struct {
	QueueSize   int           `envconfig:"KERNEL_QUEUE_SIZE" default:"64"`
	PostTimeout time.Duration `envconfig:"KERNEL_POST_TIMEOUT" default:"1s"`
	TickPeriod  time.Duration `envconfig:"KERNEL_TICK_PERIOD" default:"1m"`
}

// ProcessConfig holds process lifecycle tunables.
type ProcessConfig struct {
	GracefulTimeout  time.Duration `envconfig:"PROCESS_GRACEFUL_TIMEOUT" default:"3s"`
	ForceTimeout     time.Duration `envconfig:"PROCESS_FORCE_TIMEOUT" default:"3s"`
	EventTimeout     time.Duration `envconfig:"PROCESS_EVENT_TIMEOUT" default:"1s"`
	QueueSize        int           `envconfig:"PROCESS_QUEUE_SIZE" default:"20"`
	AppPriority      int           `envconfig:"PROCESS_APP_PRIORITY" default:"2"`
	WorkerPriority   int           `envconfig:"PROCESS_WORKER_PRIORITY" default:"1"`
	FuzzHeap         bool          `envconfig:"PROCESS_FUZZ_HEAP" default:"false"`
	BackHoldDuration time.Duration `envconfig:"PROCESS_BACK_HOLD" default:"2s"`
}

// MemoryConfig holds process RAM configuration.
type MemoryConfig struct {
	// AppRAM and WorkerRAM size the arenas; zero derives them from layouts.
	AppRAM     uint32 `envconfig:"MEMORY_APP_RAM" default:"0"`
	WorkerRAM  uint32 `envconfig:"MEMORY_WORKER_RAM" default:"0"`
	GuardSize  uint32 `envconfig:"MEMORY_GUARD_SIZE" default:"32"`
	LayoutFile string `envconfig:"MEMORY_LAYOUT_FILE"`
}

// CrashConfig holds watchface crash handling configuration.
type CrashConfig struct {
	DialogWindow     time.Duration `envconfig:"CRASH_DIALOG_WINDOW" default:"60s"`
	ReportDir        string        `envconfig:"CRASH_REPORT_DIR"`
	MaxReports       int           `envconfig:"CRASH_MAX_REPORTS" default:"32"`
	BreakerThreshold uint32        `envconfig:"CRASH_BREAKER_THRESHOLD" default:"3"`
	BreakerWindow    time.Duration `envconfig:"CRASH_BREAKER_WINDOW" default:"10m"`
	BreakerCooldown  time.Duration `envconfig:"CRASH_BREAKER_COOLDOWN" default:"5m"`
}

// StorageConfig holds registry and preference locations.
type StorageConfig struct {
	// DataDir, when set, places the registry, preferences and crash reports
	// under one directory and overrides their individual settings.
	DataDir     string `envconfig:"DATA_DIR"`
	RegistryDir string `envconfig:"REGISTRY_DIR" default:"./apps"`
	PrefsFile   string `envconfig:"PREFS_FILE" default:"./prefs.toml"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"20"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"40"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyDataDir()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ApplyDataDir points storage locations at the data directory layout
func (c *Config) ApplyDataDir() {
	if c.Storage.DataDir == "" {
		return
	}
	l := paths.New(c.Storage.DataDir)
	c.Storage.RegistryDir = l.Apps()
	c.Storage.PrefsFile = l.Prefs()
	c.Crash.ReportDir = l.Crashes()
}

// Validate rejects values the process core cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Kernel.QueueSize <= 0:
		return fmt.Errorf("invalid config: KERNEL_QUEUE_SIZE must be positive")
	case c.Process.QueueSize <= 0:
		return fmt.Errorf("invalid config: PROCESS_QUEUE_SIZE must be positive")
	case c.Process.GracefulTimeout <= 0 || c.Process.ForceTimeout <= 0:
		return fmt.Errorf("invalid config: close timeouts must be positive")
	case c.Memory.GuardSize%8 != 0:
		return fmt.Errorf("invalid config: MEMORY_GUARD_SIZE must be 8-byte aligned")
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8040",
			Host:        "127.0.0.1",
			CORSOrigins: []string{"*"},
		},
		Kernel: KernelConfig{
			QueueSize:   64,
			PostTimeout: time.Second,
			TickPeriod:  time.Minute,
		},
		Process: ProcessConfig{
			GracefulTimeout:  3 * time.Second,
			ForceTimeout:     3 * time.Second,
			EventTimeout:     time.Second,
			QueueSize:        20,
			AppPriority:      2,
			WorkerPriority:   1,
			BackHoldDuration: 2 * time.Second,
		},
		Memory: MemoryConfig{
			GuardSize: 32,
		},
		Crash: CrashConfig{
			DialogWindow:     60 * time.Second,
			MaxReports:       32,
			BreakerThreshold: 3,
			BreakerWindow:    10 * time.Minute,
			BreakerCooldown:  5 * time.Minute,
		},
		Storage: StorageConfig{
			RegistryDir: "./apps",
			PrefsFile:   "./prefs.toml",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			Enabled:           true,
		},
	}
}
