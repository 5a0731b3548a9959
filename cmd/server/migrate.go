package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"go.uber.org/zap"

	"github.com/stockfolio/portfolio-engine/internal/config"
	"github.com/stockfolio/portfolio-engine/internal/logger"
)

type migrateCmd struct {
	configPath string
}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "create or update the database schema and exit" }
func (*migrateCmd) Usage() string {
	return `migrate [-config <dir>]

  Applies the schema for the configured database driver. The memory driver
  has nothing to migrate.
`
}

func (m *migrateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.configPath, "config", ".", "Directory containing config.yml.")
}

func (m *migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load(m.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	log, err := logger.New(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer log.Sync()

	if cfg.Database.Driver == config.DriverMemory {
		log.Info("memory driver selected, nothing to migrate")
		return subcommands.ExitSuccess
	}

	_, cleanup, err := openStore(ctx, cfg, true, log)
	if err != nil {
		log.Error("migration failed", zap.Error(err))
		return subcommands.ExitFailure
	}
	cleanup()

	log.Info("schema is up to date", zap.String("driver", cfg.Database.Driver))
	return subcommands.ExitSuccess
}
