package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Exit codes distinguish record-level failures from fatal run failures so
// callers can tell a partially failed batch from one that never started.
const (
	exitFatal   = 1
	exitPartial = 2
)

// partialFailureError marks a run that completed but left failed records.
type partialFailureError struct {
	failed int
	total  int
}

func (e *partialFailureError) Error() string {
	return fmt.Sprintf("%d of %d records failed", e.failed, e.total)
}

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	root := &cobra.Command{
		Use:           "provisioner",
		Short:         "Bulk-provision platform accounts from a CSV source",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newImportCmd(log),
		newGroupsCmd(log),
		newUpdateEmailCmd(log),
		newResetPasswordCmd(log),
		newDeleteCmd(log),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var partial *partialFailureError
		if errors.As(err, &partial) {
			os.Exit(exitPartial)
		}
		os.Exit(exitFatal)
	}
}
