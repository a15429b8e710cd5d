package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cardbackup/internal/client"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test push notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				resp, err := c.TestNotify(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				return nil
			})
		},
	}
}
