package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	corecmd "github.com/m3rciful/regbot/core/cmd"
	coreconfig "github.com/m3rciful/regbot/core/config"
)

var rootCmd = &cobra.Command{
	Use:   "regbot",
	Short: "regbot runs scripted registration dialogues over Telegram or a console",
	Long: `regbot answers canned questions and walks users through multi-step
scenarios described in a YAML table, issuing a ticket at the end.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the config file (default $CONFIG_PATH or config.yaml)")
}

func baseOptions(cmd *cobra.Command) corecmd.Options {
	path, _ := cmd.Flags().GetString("config")
	return corecmd.Options{
		ConfigPath:        path,
		ConfigEnvVar:      "CONFIG_PATH",
		DefaultConfigPath: "config.yaml",
	}
}

func loadConfig(cmd *cobra.Command, channel string) (*coreconfig.Config, error) {
	opts := baseOptions(cmd)
	opts.Channel = channel
	return corecmd.LoadConfig(opts)
}
