package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cardbackup/internal/client"
)

func newBackupCommand(ctx *commandContext) *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Start or cancel backups",
	}
	backupCmd.AddCommand(newBackupStartCommand(ctx))
	backupCmd.AddCommand(newBackupCancelCommand(ctx))
	return backupCmd
}

func newBackupStartCommand(ctx *commandContext) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "start <source>",
		Short: "Back up a directory now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				resp, err := c.StartBackup(cmd.Context(), args[0], target)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, resp.Message)
				if resp.CorrelationID != "" {
					fmt.Fprintf(out, "Run: %s\n", resp.CorrelationID)
					fmt.Fprintln(out, "Follow progress with `cardbackup logs -f`")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "Target path template (defaults to the configured template)")
	return cmd
}

func newBackupCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the active backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				resp, err := c.CancelBackup(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				return nil
			})
		},
	}
}
