package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/avery/tally/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}
