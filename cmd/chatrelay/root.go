package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"

	dbconfig "chatrelay/pkg/database"
)

type rootOptions struct {
	logLevel string
	dbPath   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Real-time chat relay",
		Long:          "Relays chat messages between connected clients over websockets and stores them in SQLite until delivered.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "", "Log level: DEBUG, INFO, WARN or ERROR (default: $CHATRELAY_LOG_LEVEL or INFO)")
	cmd.PersistentFlags().StringVarP(&opts.dbPath, "db", "d", "", "Database path (default: $CHATRELAY_DATABASE_PATH or "+dbconfig.DefaultConfig().DatabasePath+")")

	cmd.AddCommand(newServeCmd(opts), newMigrateCmd(opts), newPendingCmd(opts))
	return cmd
}

// logger builds the process logger; an explicit flag beats fallback.
func (o *rootOptions) logger(fallback string) *slog.Logger {
	level := fallback
	if o.logLevel != "" {
		level = o.logLevel
	}
	return logs.GetLoggerFromString(level)
}

func (o *rootOptions) databasePath() string {
	if o.dbPath != "" {
		return o.dbPath
	}
	if env := os.Getenv("CHATRELAY_DATABASE_PATH"); env != "" {
		return env
	}
	return dbconfig.DefaultConfig().DatabasePath
}
