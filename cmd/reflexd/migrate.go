package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coachpo/reflex/internal/config"
	"github.com/coachpo/reflex/internal/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("database URL required: set databaseUrl or REFLEX_DATABASE_URL")
		}
		return migrations.Apply(cmd.Context(), cfg.DatabaseURL)
	},
}
