package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/binzume/userscript-watch/internal/config"
	"github.com/binzume/userscript-watch/internal/registry"
	"github.com/binzume/userscript-watch/internal/userscript"
)

// AddGlobalFlags registers the flags every command understands.
func AddGlobalFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Config file (default <root>/config.yaml)")
	flags.String("root", "", "Settings root holding scripts/ and extensions.yaml")
	flags.Bool("debug", false, "Enable debug logging")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	root, _ := cmd.Flags().GetString("root")
	if path == "" && root != "" {
		path = filepath.Join(root, config.DefaultFileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if root != "" {
		cfg.Root = root
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Debug = true
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// openRegistry loads configuration and the script registry for a command.
func openRegistry(cmd *cobra.Command) (*config.Config, *registry.Registry, *slog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	logger := newLogger(cfg)

	reg := registry.New(cfg.Root, registry.WithLogger(logger))
	if err := reg.Load(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load scripts: %w", err)
	}
	return cfg, reg, logger, nil
}

// findScript resolves a full name, or a plain @name when it is unambiguous.
func findScript(reg *registry.Registry, name string) (*userscript.Script, error) {
	if s, ok := reg.Script(name); ok {
		return s, nil
	}
	var found []*userscript.Script
	for _, s := range reg.AllScripts() {
		if s.Name == name {
			found = append(found, s)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %s", registry.ErrScriptNotFound, name)
	case 1:
		return found[0], nil
	}
	return nil, fmt.Errorf("script name %q is ambiguous, use the full name", name)
}
