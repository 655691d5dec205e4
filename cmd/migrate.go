package cmd

import (
	"github.com/spf13/cobra"

	"hybridrag/src/infrastructure/job"
	"hybridrag/src/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the store schemas",
	Long: `Migrate creates the chunk index of the configured backend, the tag tables
and the jobs table. It is safe to run repeatedly.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := a.Migrate(ctx); err != nil {
		return err
	}
	if a.db != nil {
		if err := job.NewPostgresJobRepository(a.db).Migrate(ctx); err != nil {
			return err
		}
	}
	log.Info("migration complete", "backend", cfg.Store.Backend)
	return nil
}
