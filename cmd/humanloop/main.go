package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version can be overridden at build time with
// -ldflags "-X main.version=1.2.3".
var version = "0.1.0"

var statePath string

var rootCmd = &cobra.Command{
	Use:          "humanloop",
	Short:        "Human-in-the-loop tools for coding agents",
	Long:         color.CyanString("humanloop") + " lets a coding agent ask questions, request plan reviews and track task lists with a human in the loop.",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "SQLite state file (overrides HUMANLOOP_STATE_PATH)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(tasklistsCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
