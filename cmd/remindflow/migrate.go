package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"remindflow/internal/config"
	"remindflow/internal/store"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg.Log)

			st, err := store.Open(cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			log.Info().Str("path", cfg.Storage.Path).Msg("schema ready")
			return nil
		},
	}
}
