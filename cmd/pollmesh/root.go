package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "pollmesh",
	Short:        "Short-polling WebRTC signaling relay and mesh client",
	Long:         `pollmesh relays WebRTC signaling over plain HTTP polling. Commands: serve (relay), join (mesh client), version.`,
	RunE:         runServe, // default: run the relay (same as "pollmesh serve")
	SilenceUsage: true,
	// The relay's flags are owned by config.Load; cobra must pass them
	// through untouched.
	DisableFlagParsing: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(*cobra.Command, []string) {
		commit, built := resolveBuildInfo(buildCommit, buildTime)
		fmt.Printf("pollmesh commit=%s built=%s\n", commit, built)
	},
}
