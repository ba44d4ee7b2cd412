package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sightline-dev/sightline/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize sightline configuration with an interactive wizard",
	Long:  `Runs an interactive wizard to configure the backend connection and enabled code hosts, and generates a .sightline.yml file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := config.RunWizard()
		return err
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
