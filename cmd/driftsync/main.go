// Command driftsync runs the offline-first sync engine: a durable outbox,
// local event projection and a background coordinator against a remote
// sync service, with a local status API.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	godotenv.Load()

	root := &cobra.Command{
		Use:           "driftsync",
		Short:         "Offline-first task sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCommand(),
		newSyncCommand(),
		newQueueCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
