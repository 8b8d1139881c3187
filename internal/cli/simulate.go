package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"savings-alerts/internal/alert"
	"savings-alerts/internal/app"
)

var (
	simulateChannel string
	simulateTo      string
	simulateKind    string
	simulateRate    string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send one synthetic alert through a configured channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		ch, err := alert.ParseChannel(simulateChannel)
		if err != nil {
			return err
		}

		var kind alert.ProductKind
		switch strings.ToUpper(simulateKind) {
		case string(alert.KindDeposit):
			kind = alert.KindDeposit
		case string(alert.KindSavings):
			kind = alert.KindSavings
		default:
			return errors.New("--kind must be DEPOSIT or SAVINGS")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Channel:   ch,
			Recipient: simulateTo,
			Kind:      kind,
			Rate:      simulateRate,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateChannel, "channel", "EMAIL", "Channel to deliver on (EMAIL, SMS, PUSH)")
	simulateCmd.Flags().StringVar(&simulateTo, "to", "", "Recipient address, phone number or device token")
	simulateCmd.Flags().StringVar(&simulateKind, "kind", "DEPOSIT", "Product kind of the synthetic product")
	simulateCmd.Flags().StringVar(&simulateRate, "rate", "3.50", "Synthetic best rate in percent")
	_ = simulateCmd.MarkFlagRequired("to")
}
