package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amla-dev/amla/internal/build"
)

// versionCmd implements the version command.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of amla",
	Run: func(_ *cobra.Command, _ []string) {
		info := build.Get()
		fmt.Printf("amla version %s\n", info.Full())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
