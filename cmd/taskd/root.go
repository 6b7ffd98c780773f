package main

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskd",
		Short: "taskd - persistent cron-style job scheduler",
		Long: `taskd stores job definitions, fires recurring ones on their cron
schedule and runs shell, bash or python scripts with at most one
invocation per job in flight.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newValidateCronCmd(), newJobsCmd())
	return root
}
