// Package cmd is the sightline command line: serve runs the live session
// endpoint, scan runs the same pipeline offline over saved pages.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "sightline",
	Short: "Code intelligence overlay engine for code-hosting pages",
	Long: `Sightline turns static code pages on GitHub, GitLab, Bitbucket Server,
and Phabricator into navigable code: hover tooltips, definition jumps,
and line decorations, computed server-side against a code intelligence
backend and streamed to a thin in-page shim as DOM patches.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", ".sightline.yml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
