package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect previously recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if store == nil {
			return fmt.Errorf("no database configured; set --db-dsn to record runs")
		}
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := store.ListRuns(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			color.White("no recorded runs\n")
			return nil
		}

		for _, r := range runs {
			verdict := color.GreenString("clean")
			if r.RaceDetected {
				verdict = severityColor(r.Severity).Sprintf("%s/%s", r.Severity, r.Confidence)
			}
			color.White("%s  %s  %s  %d/%d accepted  %s\n",
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.RunID, r.Target, r.Successful, r.Total, verdict)
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Print the full stored report for a run as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if store == nil {
			return fmt.Errorf("no database configured; set --db-dsn to record runs")
		}

		report, err := store.GetReport(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)

	runsListCmd.Flags().Int("limit", 20, "maximum runs to list")
}
