package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSyncCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if err := eng.coord.PerformFullSync(ctx); err != nil {
				return err
			}

			status := eng.coord.Status()
			fmt.Printf("sync completed: %d events pending\n", status.PendingEvents)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "abort the sync after this long")
	return cmd
}
