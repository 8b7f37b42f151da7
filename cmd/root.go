package cmd

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "orders",
	Short: "Orders service",
	Long: `Orders service admits orders idempotently, records their side effects in a
transactional outbox and relays them to inventory in the background.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
