package cmd

import (
	"fmt"
	"strings"

	"github.com/aaronson2012/grok/grok"
	"github.com/spf13/cobra"
)

var runCheckOnly bool

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Start the Discord and Telegram bots, the digest scheduler and the API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := grok.ValidateConfig(cfg); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if runCheckOnly {
			fmt.Fprintf(cmd.OutOrStdout(), "config ok, enabled: %s\n", strings.Join(enabledServices(cfg), ", "))
			return nil
		}

		bot, err := grok.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		return bot.Run(cmd.Context())
	},
}

// enabledServices names the components `run` would start for c
func enabledServices(c *grok.Config) []string {
	var services []string
	if c.Discord != nil && c.Discord.Enabled() {
		services = append(services, "discord")
	}
	if c.Telegram != nil && c.Telegram.Enabled() {
		services = append(services, "telegram")
	}
	if c.API != nil && c.API.Listen != "" {
		services = append(services, "api ("+c.API.Listen+")")
	}
	return services
}

//nolint:gochecknoinits
func init() {
	runCmd.Flags().BoolVar(
		&runCheckOnly,
		"check",
		false,
		"Validate the config and list what would start, then exit",
	)
	rootCmd.AddCommand(runCmd)
}
