package cli

import (
	"gitwatch/internal/app"

	"github.com/spf13/cobra"
)

var probeRepo string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check config, storage and optionally GitHub access",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return app.Doctor(cmd.Context(), configPath, probeRepo, cmd.OutOrStdout())
	},
}

func init() {
	doctorCmd.Flags().StringVar(&probeRepo, "probe", "", "repository to fetch once, e.g. torvalds/linux")
}
