package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"cardbackup/internal/client"
	"cardbackup/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigShowCommand(ctx))
	configCmd.AddCommand(newConfigSetCommand(ctx))
	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigValidateCommand(ctx))

	return configCmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the daemon's active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				resp, err := c.Config(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if resp.Path != "" {
					fmt.Fprintf(out, "# %s\n", resp.Path)
				}
				fmt.Fprint(out, resp.TOML)
				return nil
			})
		},
	}
}

func newConfigSetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Update one configuration key on the daemon",
		Long:  "Updates a configuration key (dotted TOML form, e.g. backup.target_path_template) on the running daemon and persists it to the daemon's config file.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				if _, err := c.UpdateConfig(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", args[0])
				return nil
			})
		},
	}
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Create a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(targetPath)
			if target == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("determine default config path: %w", err)
				}
				target = defaultPath
			} else {
				expanded, err := config.ExpandPath(target)
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				target = expanded
			}

			if err := config.WriteSample(target); err != nil {
				return fmt.Errorf("create sample config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", target)
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	return cmd
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the local configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config path: %s\n", ctx.configPath)
			fmt.Fprintf(out, "API address: %s (auth: %s)\n", cfg.Paths.APIBind, yesNo(strings.TrimSpace(cfg.Paths.APIToken) != ""))
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}
