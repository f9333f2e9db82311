// Package cli provides the gitwatch command-line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "gitwatch",
	Short:         "Telegram bot that reports GitHub repository changes",
	Long:          "gitwatch lets Telegram users watch GitHub repositories and periodically sends them star, watcher, issue, pull request and fork changes.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "gitwatch %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.json", "path to config file (json or yaml)")
	rootCmd.AddCommand(versionCmd, serveCmd, backupCmd, doctorCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
