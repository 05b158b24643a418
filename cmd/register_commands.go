package cmd

import (
	"fmt"

	"github.com/aaronson2012/grok/grok"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"
)

var registerCommandsCmd = &cobra.Command{
	Use:   "register-commands",
	Short: "Overwrite the bot's Discord slash commands and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		bot, err := grok.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		commands, err := bot.RegisterSlashCommands(ctx, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}
		out := cmd.OutOrStdout()
		for _, c := range commands {
			fmt.Fprintf(out, "registered /%s (%s)\n", c.Name, c.ID)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(registerCommandsCmd)
}
