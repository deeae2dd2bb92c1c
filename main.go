package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/binzume/userscript-watch/cmd"
)

var version = "0.2.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "userscript-watch",
		Short:         "Userscript manager for Chrome over DevTools",
		Long:          "userscript-watch keeps a directory of userscripts and injects the matching ones into Chrome pages as they load.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddGlobalFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(cmd.WatchCmd())
	rootCmd.AddCommand(cmd.ListCmd())
	rootCmd.AddCommand(cmd.EnableCmd())
	rootCmd.AddCommand(cmd.DisableCmd())
	rootCmd.AddCommand(cmd.RemoveCmd())
	rootCmd.AddCommand(cmd.PlanCmd())
	rootCmd.AddCommand(cmd.InstallCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
