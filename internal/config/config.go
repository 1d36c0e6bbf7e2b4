package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "~/.config/particlestack/config.json"
	defaultParallel   = 2

	// EnvPrefix is the prefix for environment overrides, e.g.
	// PARTICLESTACK_ALIGNMENT_THRESHOLD.
	EnvPrefix = "PARTICLESTACK"

	// PathEnv names the environment variable that points at the config file.
	PathEnv = "PARTICLESTACK_CONFIG"
)

// Config holds user-editable settings for the aligner and its services.
type Config struct {
	Processing Processing `mapstructure:"processing" json:"processing"`
	Logging    Logging    `mapstructure:"logging" json:"logging"`
	Paths      Paths      `mapstructure:"paths" json:"paths"`
	Alignment  Alignment  `mapstructure:"alignment" json:"alignment"`
	Dataset    Dataset    `mapstructure:"dataset" json:"dataset"`
	Server     Server     `mapstructure:"server" json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `mapstructure:"parallel_jobs" json:"parallel_jobs"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `mapstructure:"level" json:"level"`             // debug, info, warn, error
	Format     string `mapstructure:"format" json:"format"`           // text, json
	FileOutput bool   `mapstructure:"file_output" json:"file_output"` // Enable file logging
	LogDir     string `mapstructure:"log_dir" json:"log_dir"`
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `mapstructure:"default_input" json:"default_input"`
	DefaultOutput string `mapstructure:"default_output" json:"default_output"`
	DatabasePath  string `mapstructure:"database_path" json:"database_path"`
}

// Alignment configures a single aligner pass.
type Alignment struct {
	Threshold        float64 `mapstructure:"threshold" json:"threshold"`
	ProgressInterval int     `mapstructure:"progress_interval" json:"progress_interval"`
	PlotConvergence  bool    `mapstructure:"plot_convergence" json:"plot_convergence"`
	SnapshotDir      string  `mapstructure:"snapshot_dir" json:"snapshot_dir"` // empty disables snapshots
}

// Dataset configures the two-subset dataset run.
type Dataset struct {
	ReferenceIndex   int      `mapstructure:"reference_index" json:"reference_index"`
	SplitAt          int      `mapstructure:"split_at" json:"split_at"`
	ConcurrentPasses bool     `mapstructure:"concurrent_passes" json:"concurrent_passes"`
	Extensions       []string `mapstructure:"extensions" json:"extensions"`
}

// Server configures the HTTP and gRPC listeners and the directory watcher.
type Server struct {
	Addr        string        `mapstructure:"addr" json:"addr"`
	GRPCAddr    string        `mapstructure:"grpc_addr" json:"grpc_addr"`
	WatchSettle time.Duration `mapstructure:"watch_settle" json:"watch_settle"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{ParallelJobs: defaultParallel},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "particlestack.db"),
		},
		Alignment: Alignment{
			Threshold:        0.8,
			ProgressInterval: 50,
		},
		Dataset: Dataset{
			ReferenceIndex:   99,
			SplitAt:          250,
			ConcurrentPasses: true,
			Extensions:       []string{".tif", ".tiff"},
		},
		Server: Server{
			Addr:        ":8080",
			GRPCAddr:    ":9090",
			WatchSettle: 2 * time.Second,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("processing.parallel_jobs", d.Processing.ParallelJobs)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file_output", d.Logging.FileOutput)
	v.SetDefault("logging.log_dir", d.Logging.LogDir)

	v.SetDefault("paths.default_input", d.Paths.DefaultInput)
	v.SetDefault("paths.default_output", d.Paths.DefaultOutput)
	v.SetDefault("paths.database_path", d.Paths.DatabasePath)

	v.SetDefault("alignment.threshold", d.Alignment.Threshold)
	v.SetDefault("alignment.progress_interval", d.Alignment.ProgressInterval)
	v.SetDefault("alignment.plot_convergence", d.Alignment.PlotConvergence)
	v.SetDefault("alignment.snapshot_dir", d.Alignment.SnapshotDir)

	v.SetDefault("dataset.reference_index", d.Dataset.ReferenceIndex)
	v.SetDefault("dataset.split_at", d.Dataset.SplitAt)
	v.SetDefault("dataset.concurrent_passes", d.Dataset.ConcurrentPasses)
	v.SetDefault("dataset.extensions", d.Dataset.Extensions)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.grpc_addr", d.Server.GRPCAddr)
	v.SetDefault("server.watch_settle", d.Server.WatchSettle)
}

// Load reads configuration from $PARTICLESTACK_CONFIG (or the default path),
// applies environment overrides and validates the result. A missing file is
// not an error.
func Load() (*Config, error) {
	path := os.Getenv(PathEnv)
	if path == "" {
		path = defaultConfigPath
	}
	return LoadFile(path)
}

// LoadFile is Load for an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}
	if expanded != "" {
		_, statErr := os.Stat(expanded)
		switch {
		case statErr == nil:
			v.SetConfigFile(expanded)
			v.SetConfigType("json")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", expanded, err)
			}
		case !errors.Is(statErr, os.ErrNotExist):
			return nil, statErr
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Paths.DatabasePath, err = expandUser(cfg.Paths.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks value ranges that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	validLevels := []string{"debug", "info", "warn", "warning", "error"}
	if !contains(validLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.Logging.Level, strings.Join(validLevels, ", "))
	}
	if f := strings.ToLower(c.Logging.Format); f != "text" && f != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}
	if c.Processing.ParallelJobs < 1 {
		return fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs)
	}
	if c.Alignment.ProgressInterval < 0 {
		return fmt.Errorf("alignment.progress_interval must not be negative, got %d", c.Alignment.ProgressInterval)
	}
	if c.Dataset.ReferenceIndex < 0 {
		return fmt.Errorf("dataset.reference_index must not be negative, got %d", c.Dataset.ReferenceIndex)
	}
	if c.Dataset.SplitAt < 1 {
		return fmt.Errorf("dataset.split_at must be at least 1, got %d", c.Dataset.SplitAt)
	}
	if len(c.Dataset.Extensions) == 0 {
		return errors.New("dataset.extensions must not be empty")
	}
	if c.Server.WatchSettle < 0 {
		return fmt.Errorf("server.watch_settle must not be negative, got %s", c.Server.WatchSettle)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
