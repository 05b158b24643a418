package cmd

import (
	"fmt"

	"github.com/aaronson2012/grok/grok"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration as YAML, with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := grok.ValidateConfig(cfg); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: invalid config: %v\n", err)
		}
		data, err := cfg.RedactedYAML()
		if err != nil {
			return fmt.Errorf("error rendering config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(configCmd)
}
