package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Match active alert settings against current products once",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := getApp().Scan(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "enqueued: %d\n", n)
		return nil
	},
}
