package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/driftsync/internal/logging"
	"github.com/kimhsiao/driftsync/internal/statusapi"
	driftsync "github.com/kimhsiao/driftsync/internal/sync"
)

func newRunCommand() *cobra.Command {
	var syncEvery time.Duration
	var fullEach int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sync coordinator and status API",
		Long: `Start the background sync coordinator and the local status API.

The coordinator drains the outbox to the remote service, pulls and
projects remote changes, and reconciles conflicts. The status API serves
sync status, queue and conflict inspection plus manual sync triggers on
the configured address.

Example:
  driftsync run
  driftsync run --sync-every 5m --full-each 12`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(syncEvery, fullEach)
		},
	}

	cmd.Flags().DurationVar(&syncEvery, "sync-every", 5*time.Minute, "interval between scheduled sync attempts")
	cmd.Flags().IntVar(&fullEach, "full-each", 12, "run a full sync every Nth scheduled attempt (0 disables)")
	return cmd
}

func runEngine(syncEvery time.Duration, fullEach int) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logging.Info("shutting down", nil)
		cancel()
	}()

	eng.coord.Start(ctx)

	trigger := driftsync.NewPeriodicTrigger(eng.coord, syncEvery, syncEvery/2, fullEach, logging.With("trigger"))
	go trigger.Run(ctx)

	server := statusapi.NewServer(eng.cfg.StatusAddr, eng.coord)
	return server.Run(ctx)
}
