package cmd

import (
	"example.com/backstage/services/orders/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()

	if err := models.SetupModels(a.db.Write); err != nil {
		return err
	}

	log.Info().Msg("Migrations applied")
	return nil
}
