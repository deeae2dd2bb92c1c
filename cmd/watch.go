package cmd

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/binzume/userscript-watch/internal/adb"
	"github.com/binzume/userscript-watch/internal/browser"
	"github.com/binzume/userscript-watch/internal/inject"
	"github.com/binzume/userscript-watch/internal/registry"
)

func WatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Inject userscripts into a running Chrome",
		Long:  "Connect to Chrome's DevTools endpoint and inject matching userscripts into every page as it navigates.",
		RunE:  runWatch,
	}

	cmd.Flags().String("devtools", "", "DevTools Socket URL")
	cmd.Flags().String("adb", "", "Connect via adb (host:port)")
	cmd.Flags().String("adbkey", "", "RSA Private key file for ADB (e.g. ~/.android/adbkey )")
	cmd.Flags().Bool("no-reload", false, "Do not reload scripts when files change")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, reg, logger, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("cannot save disabled scripts", "error", err)
		}
	}()

	if v, _ := cmd.Flags().GetString("devtools"); v != "" {
		cfg.DevTools = v
	}
	if v, _ := cmd.Flags().GetString("adb"); v != "" {
		cfg.ADB.Addr = v
	}
	if v, _ := cmd.Flags().GetString("adbkey"); v != "" {
		cfg.ADB.Key = v
	}
	if noReload, _ := cmd.Flags().GetBool("no-reload"); noReload {
		cfg.Watch = false
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ADB.Addr != "" {
		var key *rsa.PrivateKey
		if cfg.ADB.Key != "" {
			key, err = adb.LoadKey(cfg.ADB.Key)
			if err != nil {
				return err
			}
			logger.Info("adb: key loaded", "file", cfg.ADB.Key)
		}
		if err := adb.Tunnel(ctx, cfg.ADB.Addr, key, logger); err != nil {
			return fmt.Errorf("failed to connect to adb: %w", err)
		}
	}

	logger.Info("scripts loaded", "count", len(reg.AllScripts()), "dir", reg.ScriptsDir())
	planner := inject.NewPlanner(reg, inject.WithLogger(logger))
	w := browser.NewWatcher(planner,
		browser.WithLogger(logger),
		browser.WithReconnectInterval(cfg.Reconnect),
	)
	reg.Subscribe(func(c registry.Change) {
		if c.Script != nil {
			logger.Info("scripts changed", "change", c.Kind.String(), "script", c.Script.FullName())
		} else {
			logger.Info("scripts changed", "change", c.Kind.String())
		}
		go w.Refresh()
	})

	if cfg.Watch {
		go func() {
			if err := registry.NewWatcher(reg, 0).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("script reload disabled", "error", err)
			}
		}()
	}

	err = w.Run(ctx, cfg.DevTools)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
