package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/driftsync/internal/models"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the outbox queue",
	}
	cmd.AddCommand(
		newQueueStatsCommand(),
		newQueueResetCommand(),
		newQueuePurgeCommand(),
		newQueueCoalesceCommand(),
	)
	return cmd
}

func newQueueStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show outbox depth per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			stats, err := eng.queue.Stats()
			if err != nil {
				return err
			}

			order := []models.QueueStatus{
				models.QueueStatusPending,
				models.QueueStatusProcessing,
				models.QueueStatusCompleted,
				models.QueueStatusFailed,
				models.QueueStatusCancelled,
			}
			for _, status := range order {
				fmt.Printf("%-12s %d\n", status, stats[status])
			}
			return nil
		},
	}
}

func newQueueResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <event-id>",
		Short: "Requeue a failed or cancelled event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.queue.ResetToPending(args[0]); err != nil {
				return err
			}
			fmt.Printf("event %s requeued\n", args[0])
			return nil
		},
	}
}

func newQueueCoalesceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "coalesce <entity-id>",
		Short: "Merge consecutive pending update events for an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			removed, err := eng.queue.CoalesceEvents(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("coalesced away %d events\n", removed)
			return nil
		},
	}
}

func newQueuePurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete completed, failed and cancelled outbox rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			n, err := eng.queue.PurgeTerminal()
			if err != nil {
				return err
			}
			fmt.Printf("purged %d rows\n", n)
			return nil
		},
	}
}
