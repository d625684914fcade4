package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the cinder release version, overridable at link time.
var Version = "0.4.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cinder version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("cinder " + Version)
	},
}
