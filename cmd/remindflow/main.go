package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"remindflow/internal/config"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	var configPath string
	command := &cobra.Command{
		Use:   "remindflow",
		Short: "Recurring schedule engine with multi-channel notification delivery",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}
	command.PersistentFlags().StringVarP(&configPath, "config", "c", "remindflow.yaml", "path to the YAML config file")

	command.AddCommand(serveCmd(&configPath))
	command.AddCommand(migrateCmd(&configPath))

	if err := command.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

// setupLogging applies the log section to the global logger.
func setupLogging(c config.Log) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}
