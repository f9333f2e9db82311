package cli

import (
	"fmt"

	"gitwatch/internal/app"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a compressed backup of the store and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, err := app.RunBackup(cmd.Context(), configPath)
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}
