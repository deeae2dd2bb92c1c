package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func ListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed userscripts",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
}

func runList(cmd *cobra.Command, args []string) error {
	_, reg, _, err := openRegistry(cmd)
	if err != nil {
		return err
	}

	scripts := reg.AllScripts()
	if len(scripts) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No scripts in %s\n", reg.ScriptsDir())
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tRUN-AT\tNAME\tVERSION\tFILE")
	for _, s := range scripts {
		state := "enabled"
		if !s.Enabled() {
			state = "disabled"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", state, s.RunAt, s.FullName(), s.Version, s.FileName)
	}
	return tw.Flush()
}

func EnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <name>...",
		Short: "Enable userscripts",
		Args:  cobra.MinimumNArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return runToggle(cmd, args, true) },
	}
}

func DisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>...",
		Short: "Disable userscripts",
		Args:  cobra.MinimumNArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return runToggle(cmd, args, false) },
	}
}

func runToggle(cmd *cobra.Command, args []string, enable bool) error {
	_, reg, _, err := openRegistry(cmd)
	if err != nil {
		return err
	}

	for _, name := range args {
		script, err := findScript(reg, name)
		if err != nil {
			return err
		}
		if enable {
			err = reg.EnableScript(script)
		} else {
			err = reg.DisableScript(script)
		}
		if err != nil {
			return err
		}
		state := "enabled"
		if !enable {
			state = "disabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", state, script.FullName())
	}
	return reg.SaveState()
}

func RemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a userscript and delete its file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemove,
	}
}

func runRemove(cmd *cobra.Command, args []string) error {
	_, reg, _, err := openRegistry(cmd)
	if err != nil {
		return err
	}

	script, err := findScript(reg, args[0])
	if err != nil {
		return err
	}
	if err := reg.RemoveScript(script); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s (%s)\n", script.FullName(), script.FileName)
	return nil
}
