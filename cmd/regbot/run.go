package main

import (
	"github.com/spf13/cobra"

	corecmd "github.com/m3rciful/regbot/core/cmd"
	coreconfig "github.com/m3rciful/regbot/core/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the configured channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return corecmd.Run(cmd.Context(), baseOptions(cmd))
	},
}

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Chat with the bot on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := baseOptions(cmd)
		opts.Channel = coreconfig.ChannelConsole
		opts.AttachmentDir, _ = cmd.Flags().GetString("attachments")
		opts.Stdin = cmd.InOrStdin()
		opts.Stdout = cmd.OutOrStdout()
		return corecmd.Run(cmd.Context(), opts)
	},
}

func init() {
	consoleCmd.Flags().String("attachments", "", "Directory to save attachments to (printed as a summary when empty)")
	rootCmd.AddCommand(runCmd, consoleCmd)
}
