package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/binzume/userscript-watch/internal/inject"
)

func PlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <url>",
		Short: "Show which userscripts would run on a URL",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlan,
	}

	cmd.Flags().Bool("code", false, "Print the code that would be evaluated")

	return cmd
}

func runPlan(cmd *cobra.Command, args []string) error {
	_, reg, logger, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	showCode, _ := cmd.Flags().GetBool("code")

	plan := inject.NewPlanner(reg, inject.WithLogger(logger)).Plan(args[0])
	out := cmd.OutOrStdout()
	if plan.Empty() {
		fmt.Fprintf(out, "No scripts run on %s\n", plan.URL)
		return nil
	}

	groups := []struct {
		title string
		list  []inject.Injection
	}{
		{"document-start", plan.Start},
		{"document-end", plan.End},
	}
	for _, g := range groups {
		fmt.Fprintf(out, "%s:\n", g.title)
		for _, inj := range g.list {
			fmt.Fprintf(out, "  %s\n", inj.Script)
			if showCode {
				fmt.Fprintf(out, "%s\n", inj.Code)
			}
		}
	}
	return nil
}
