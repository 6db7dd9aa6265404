package cmd

import (
	"fmt"

	"github.com/jmehdipour/sagaflow/internal/config"
	"github.com/jmehdipour/sagaflow/internal/db"
	"github.com/jmehdipour/sagaflow/internal/logger"
	"github.com/spf13/cobra"
)

var (
	migrateDown       bool
	migrateClickHouse bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply MySQL migrations (and optionally the ClickHouse read model)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logger.Init(cfg.Log)

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		if migrateDown {
			if err := db.MigrateDown(sqlDB); err != nil {
				return err
			}
			log.Info("mysql migrations reverted")
			return nil
		}
		if err := db.MigrateUp(sqlDB); err != nil {
			return err
		}
		log.Info("mysql migrations applied")

		if migrateClickHouse {
			chDB, err := db.NewClickHouseConnection(db.ClickHouseOptsFrom(cfg.ClickHouse))
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			defer func() { _ = chDB.Close() }()
			if err := db.ApplyClickHouse(cmd.Context(), chDB); err != nil {
				return fmt.Errorf("clickhouse ddl: %w", err)
			}
			log.Info("clickhouse schema applied")
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "revert all MySQL migrations (dev only)")
	migrateCmd.Flags().BoolVar(&migrateClickHouse, "clickhouse", false, "also apply the ClickHouse DDL")
}
