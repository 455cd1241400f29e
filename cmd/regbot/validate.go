package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/m3rciful/regbot/core/bootstrap"
	coreconfig "github.com/m3rciful/regbot/core/config"
	"github.com/m3rciful/regbot/core/scenario"
)

var validateCmd = &cobra.Command{
	Use:   "validate [scenarios.yaml]",
	Short: "Check a scenario table against the registered handlers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, coreconfig.ChannelConsole)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			cfg.Scenarios.Path = args[0]
		}

		table, err := bootstrap.LoadTable(cfg, bootstrap.Modules{})
		if err != nil {
			var cfgErr *scenario.ConfigError
			if errors.As(err, &cfgErr) {
				for _, p := range cfgErr.Problems {
					fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", p)
				}
			}
			return fmt.Errorf("%s is invalid", cfg.Scenarios.Path)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d intents, %d scenarios\n",
			cfg.Scenarios.Path, len(table.Intents), len(table.Scenarios))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
