package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sync_daemon",
	Short: "Staging to production synchronization daemon for the card marketplace",
	Long: `A daemon that drains the staging outbox into the EverShop storefront,
pulls completed sales back into the staging archive, and exposes a
status API for sync health.`,
	Run: func(cmd *cobra.Command, args []string) {
		err := cmd.Help()
		if err != nil {
			log.Error().Err(err).Msg("Failed to display help")
		}
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize()
}
