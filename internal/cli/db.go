package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/lewisedginton/whatsapp_dispatch/internal/config"
	"github.com/lewisedginton/whatsapp_dispatch/internal/store/postgres"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/logger"
)

// DBCommand returns a command for database operations
func DBCommand() *cli.Command {
	return &cli.Command{
		Name:  "db",
		Usage: "Database operations",
		Subcommands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Apply pending schema migrations",
				Action: dbMigrateAction,
			},
		},
	}
}

func dbMigrateAction(ctx *cli.Context) error {
	log := getLogger(ctx)

	cfg, err := config.Load(ctx.String("config-file"))
	if err != nil {
		log.Error("Failed to load config", logger.ErrorField(err))
		return fmt.Errorf("failed to load config: %w", err)
	}

	pool, err := postgres.Connect(ctx.Context, cfg.Database.URL)
	if err != nil {
		log.Error("Failed to connect to postgres", logger.ErrorField(err))
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(pool, log); err != nil {
		log.Error("Migration failed", logger.ErrorField(err))
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("Migrations applied successfully")
	return nil
}
