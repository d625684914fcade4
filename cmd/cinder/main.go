// Command cinder runs the scrape-job queue daemon and its operator tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emberworks/cinder/internal/rpc"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "cinder",
	Short:         "Distributed scrape-job queue over FoundationDB",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rpc.ClientVersion = Version

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.AddCommand(serveCmd, statusCmd, janitorCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cinder: %v\n", err)
		os.Exit(1)
	}
}
