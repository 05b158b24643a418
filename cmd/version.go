package cmd

import (
	"fmt"
	"runtime"

	"github.com/aaronson2012/grok/grok"
	"github.com/spf13/cobra"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		if versionShort {
			fmt.Fprintln(out, grok.Version)
			return
		}
		fmt.Fprintf(
			out,
			"grok %s\ncommit: %s\nbuilt: %s\ngo: %s %s/%s\n",
			grok.Version,
			grok.CommitSHA,
			grok.BuildTime,
			runtime.Version(),
			runtime.GOOS,
			runtime.GOARCH,
		)
	},
}

//nolint:gochecknoinits
func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Print only the version")
	rootCmd.AddCommand(versionCmd)
}
