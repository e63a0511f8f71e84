// Command latticed is Lattice's daemon entrypoint: it loads configuration,
// wires every component together, and serves the /v2/* HTTP surface until
// told to stop.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags; "dev" otherwise.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "latticed",
	Short: "latticed - Minecraft item anomaly detection backend",
	Long:  "latticed ingests player-item events, detects anomalous acquisitions against configurable rules, and delivers alerts to a chat bridge.",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the latticed version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("latticed " + Version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
