package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/m3rciful/regbot/core/bootstrap"
	coreconfig "github.com/m3rciful/regbot/core/config"
)

var registrationsCmd = &cobra.Command{
	Use:   "registrations",
	Short: "List completed registrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, coreconfig.ChannelConsole)
		if err != nil {
			return err
		}
		store, err := bootstrap.OpenStore(cmd.Context(), cfg, bootstrap.Options{})
		if err != nil {
			return err
		}
		defer store.Close()

		regs, err := store.Registrations(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CREATED\tSCENARIO\tNAME\tEMAIL\tUSER")
		for _, r := range regs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.CreatedAt.Format(time.RFC3339), r.Scenario, r.Name, r.Email, r.UserID)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(registrationsCmd)
}
