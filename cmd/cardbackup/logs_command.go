package main

import (
	"context"
	"fmt"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cardbackup/internal/bus"
	"cardbackup/internal/client"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var limit int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon events",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !follow {
				return ctx.withClient(func(c *client.Client) error {
					resp, err := c.TailLogs(cmd.Context(), limit)
					if err != nil {
						return err
					}
					for _, evt := range resp.Events {
						fmt.Fprintln(out, formatEvent(evt))
					}
					return nil
				})
			}

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c := ctx.streamingClient()
			tail, err := c.TailLogs(signalCtx, limit)
			if err != nil {
				return err
			}
			for _, evt := range tail.Events {
				fmt.Fprintln(out, formatEvent(evt))
			}

			cursor := tail.Next
			for {
				resp, err := c.Logs(signalCtx, cursor, limit, true)
				if err != nil {
					if signalCtx.Err() != nil {
						return nil
					}
					return err
				}
				for _, evt := range resp.Events {
					fmt.Fprintln(out, formatEvent(evt))
				}
				if resp.Next > cursor {
					cursor = resp.Next
				}
				if len(resp.Events) == 0 {
					if err := sleepUnlessDone(signalCtx); err != nil {
						return nil
					}
				} else if signalCtx.Err() != nil {
					return nil
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream new events as they happen")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum events per page")
	return cmd
}

const followPollInterval = 500 * time.Millisecond

// sleepUnlessDone paces the follow loop when the daemon answers immediately
// with an empty page.
func sleepUnlessDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(followPollInterval):
		return nil
	}
}

func formatEvent(evt bus.Event) string {
	var b strings.Builder
	b.WriteString(evt.Timestamp.Local().Format("15:04:05"))
	b.WriteString(" ")
	b.WriteString(fmt.Sprintf("%-5s", strings.ToUpper(evt.Level)))
	if evt.Component != "" {
		b.WriteString(" [")
		b.WriteString(evt.Component)
		b.WriteString("]")
	}
	b.WriteString(" ")
	b.WriteString(evt.Message)
	if evt.CorrelationID != "" {
		b.WriteString(" run=")
		b.WriteString(shortID(evt.CorrelationID))
	}
	if len(evt.Fields) > 0 {
		keys := make([]string, 0, len(evt.Fields))
		for key := range evt.Fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			b.WriteString(fmt.Sprintf(" %s=%s", key, evt.Fields[key]))
		}
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
