package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskd/internal/task/trigger"
)

func newValidateCronCmd() *cobra.Command {
	var (
		count int
		tz    string
	)
	cmd := &cobra.Command{
		Use:   "validate-cron <expr>",
		Short: "Check a schedule expression and print its next fire times",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := trigger.LoadLocation(tz)
			if err != nil {
				return err
			}
			times, err := trigger.Preview(args[0], time.Now(), loc, count)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range times {
				fmt.Fprintln(out, t.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fire times to print")
	cmd.Flags().StringVar(&tz, "timezone", "", "IANA timezone (default local)")
	return cmd
}
