package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/binzume/userscript-watch/internal/install"
)

func InstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <url|file>",
		Short: "Install a userscript from a URL or a local file",
		Args:  cobra.ExactArgs(1),
		RunE:  runInstall,
	}
}

func runInstall(cmd *cobra.Command, args []string) error {
	_, reg, logger, err := openRegistry(cmd)
	if err != nil {
		return err
	}

	inst := install.New(reg, install.WithLogger(logger))
	source := args[0]
	var installFn = inst.InstallFile
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		installFn = inst.Install
	}

	script, err := installFn(cmd.Context(), source)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "installed %s (%s)\n", script.FullName(), script.FileName)
	return nil
}
