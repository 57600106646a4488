package cmd

import (
	"github.com/spf13/cobra"
)

// describeCmd represents the describe command
var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Describes the pipeline configuration",
}

func init() {
	rootCmd.AddCommand(describeCmd)
}
