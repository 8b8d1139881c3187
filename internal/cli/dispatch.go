package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"savings-alerts/internal/app"
)

var (
	dispatchOnce      bool
	dispatchBatchSize int
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Deliver pending alert events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dispatchBatchSize < 0 {
			return fmt.Errorf("--batch-size cannot be negative")
		}

		stats, err := getApp().Dispatch(cmd.Context(), app.DispatchOptions{
			Once:      dispatchOnce,
			BatchSize: dispatchBatchSize,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "processed: %d\nsent: %d\nfailed: %d\n", stats.Processed, stats.Sent, stats.Failed)
		return nil
	},
}

func init() {
	dispatchCmd.Flags().BoolVar(&dispatchOnce, "once", false, "Handle a single batch instead of draining the queue")
	dispatchCmd.Flags().IntVar(&dispatchBatchSize, "batch-size", 0, "Events per batch (defaults to config)")
}
