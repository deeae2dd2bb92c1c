// Package config loads userscript-watch settings from a YAML file, .env
// files and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvRoot     = "USERSCRIPT_ROOT"
	EnvDevTools = "USERSCRIPT_DEVTOOLS"
	EnvADB      = "USERSCRIPT_ADB"
	EnvADBKey   = "USERSCRIPT_ADB_KEY"
)

// DefaultFileName is looked up in the settings root when no path is given.
const DefaultFileName = "config.yaml"

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// ADBConfig selects an Android device reached through adb.
type ADBConfig struct {
	Addr string `yaml:"addr"`
	Key  string `yaml:"key"`
}

// Config is the complete runtime configuration.
type Config struct {
	Root      string        `yaml:"root"`
	DevTools  string        `yaml:"devtools"`
	ADB       ADBConfig     `yaml:"adb"`
	Reconnect time.Duration `yaml:"reconnect"`
	Watch     bool          `yaml:"watch"`
	Debug     bool          `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	root := ".userscript-watch"
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".userscript-watch")
	}
	return &Config{
		Root:      root,
		DevTools:  "ws://localhost:9222/devtools/browser",
		Reconnect: 10 * time.Second,
		Watch:     true,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// it exists), then .env and environment overrides. An empty path means
// <root>/config.yaml.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if root := os.Getenv(EnvRoot); root != "" {
		cfg.Root = root
	}
	if path == "" {
		path = filepath.Join(cfg.Root, DefaultFileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRoot); v != "" {
		c.Root = v
	}
	if v := os.Getenv(EnvDevTools); v != "" {
		c.DevTools = v
	}
	if v := os.Getenv(EnvADB); v != "" {
		c.ADB.Addr = v
	}
	if v := os.Getenv(EnvADBKey); v != "" {
		c.ADB.Key = v
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs ValidationErrors
	if c.Root == "" {
		errs = append(errs, ValidationError{Field: "root", Value: c.Root, Message: "must not be empty"})
	}
	if !strings.HasPrefix(c.DevTools, "ws://") && !strings.HasPrefix(c.DevTools, "wss://") &&
		!strings.HasPrefix(c.DevTools, "http://") && !strings.HasPrefix(c.DevTools, "https://") {
		errs = append(errs, ValidationError{Field: "devtools", Value: c.DevTools, Message: "must be a ws:// or http:// URL"})
	}
	if c.Reconnect < time.Second {
		errs = append(errs, ValidationError{Field: "reconnect", Value: c.Reconnect, Message: "must be at least 1s"})
	}
	if c.ADB.Key != "" && c.ADB.Addr == "" {
		errs = append(errs, ValidationError{Field: "adb.key", Value: c.ADB.Key, Message: "requires adb.addr"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
