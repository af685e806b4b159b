// Package config loads tool-level configuration: logging, the job
// database location, and external executable names. Precedence is
// runtime overrides, then RELAXCTL_ environment variables, then an
// optional config file, then defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the loaded tool configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Casm    CasmConfig    `mapstructure:"casm"`
}

type LoggingConfig struct {
	// Level is a zap level name.
	Level string `mapstructure:"level"`
	// Format is "console" or "json".
	Format string `mapstructure:"format"`
}

type JobsConfig struct {
	// DBPath is the sqlite job database location.
	DBPath string `mapstructure:"db_path"`
}

type CasmConfig struct {
	// Exe is the casm executable name or path.
	Exe string `mapstructure:"exe"`
}

const envPrefix = "RELAXCTL"

// Load reads configuration. A config file at path is optional; pass ""
// to use $HOME/.relaxctl.yaml when present.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("jobs.db_path", defaultDBPath())
	v.SetDefault("casm.exe", "casm")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigFile(filepath.Join(home, ".relaxctl.yaml"))
		// A missing default config file is not an error.
		if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "jobs.db"
	}
	return filepath.Join(home, ".relaxctl", "jobs.db")
}
