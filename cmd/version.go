package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opamci/opamci/pkg/opamci"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the version of this opamci build",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(opamci.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
