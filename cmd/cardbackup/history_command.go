package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cardbackup/internal/client"
	"cardbackup/internal/history"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent backup runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				resp, err := c.History(cmd.Context(), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(resp.Runs) == 0 {
					fmt.Fprintln(out, "No recorded runs")
					return nil
				}
				fmt.Fprintln(out, renderHistoryTable(resp.Runs))
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list")
	return cmd
}

func renderHistoryTable(runs []history.RunRecord) string {
	headers := []string{"Finished", "Origin", "State", "Duration", "Source", "Target"}
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.FinishedAt.Local().Format("2006-01-02 15:04"),
			run.Origin,
			run.State,
			formatDuration(run.FinishedAt.Sub(run.StartedAt)),
			run.SourcePath,
			run.TargetPath,
		})
	}
	return renderTable(headers, rows, []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft})
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return ""
	}
	return d.Round(time.Second).String()
}
