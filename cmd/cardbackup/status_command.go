package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"cardbackup/internal/api"
	"cardbackup/internal/client"
	"cardbackup/internal/orchestrator"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and backup status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				status, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderStatus(status, colorize) {
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}
}

func renderStatus(status *api.StatusResponse, colorize bool) []string {
	lines := []string{renderSectionHeader("Daemon", colorize)}

	daemonKind := statusError
	daemonMsg := "not running"
	if status.Running {
		daemonKind = statusOK
		daemonMsg = "pid " + strconv.Itoa(status.PID)
	}
	lines = append(lines, renderStatusLine("Daemon", daemonKind, daemonMsg, colorize))

	watcherKind := statusWarn
	watcherMsg := "automatic backups unavailable"
	if status.WatcherRunning {
		watcherKind = statusOK
		watcherMsg = "listening for cards"
	}
	lines = append(lines, renderStatusLine("Device watcher", watcherKind, watcherMsg, colorize))

	lines = append(lines, "", renderSectionHeader("Backup", colorize))
	backup := status.Backup
	lines = append(lines, renderStatusLine("State", backupStateKind(backup), string(backup.State), colorize))
	if backup.Message != "" {
		lines = append(lines, renderStatusLine("Detail", statusInfo, backup.Message, colorize))
	}
	if backup.CorrelationID != "" {
		lines = append(lines, renderStatusLine("Run", statusInfo, backup.CorrelationID, colorize))
	}
	if !backup.StartedAt.IsZero() {
		lines = append(lines, renderStatusLine("Started", statusInfo, backup.StartedAt.Local().Format(time.RFC3339), colorize))
	}
	if !backup.FinishedAt.IsZero() {
		lines = append(lines, renderStatusLine("Finished", statusInfo, backup.FinishedAt.Local().Format(time.RFC3339), colorize))
	}

	if len(status.Dependencies) > 0 {
		lines = append(lines, "", renderSectionHeader("Tools", colorize))
		for _, dep := range status.Dependencies {
			kind := statusOK
			msg := dep.Command
			if !dep.Available {
				kind = statusError
				if dep.Optional {
					kind = statusWarn
				}
				msg = dep.Detail
			}
			lines = append(lines, renderStatusLine(dep.Name, kind, msg, colorize))
		}
	}
	return lines
}

func backupStateKind(snap orchestrator.Snapshot) statusKind {
	if snap.Active {
		return statusWarn
	}
	return statusOK
}
