package main

import (
	"fmt"

	"github.com/spf13/cobra"

	coreconfig "github.com/m3rciful/regbot/core/config"
	coredatabase "github.com/m3rciful/regbot/core/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply PostgreSQL migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, coreconfig.ChannelConsole)
		if err != nil {
			return err
		}
		if cfg.Store.Driver != coreconfig.StorePostgres {
			return fmt.Errorf("store.driver is %q; migrations only apply to postgres", cfg.Store.Driver)
		}
		return coredatabase.RunMigrations(cmd.Context(), cfg.Database)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
