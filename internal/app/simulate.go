package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"savings-alerts/internal/alert"
	"savings-alerts/internal/dispatch"
	"savings-alerts/internal/match"
	"savings-alerts/internal/storage"
)

const simulatedSettingID = 1

// SimulateAlert runs one synthetic setting and product through the match and
// dispatch services in memory, delivering over the real configured channel.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if opts.Recipient == "" {
		return errors.New("a recipient is required")
	}
	rate, err := decimal.NewFromString(opts.Rate)
	if err != nil || !rate.IsPositive() {
		return fmt.Errorf("invalid rate %q", opts.Rate)
	}
	if opts.Kind == "" {
		opts.Kind = alert.KindDeposit
	}

	breakers, closeSenders := a.senders()
	defer closeSenders()

	stats, err := simulate(ctx, a, opts, rate, newRouter(a.Logger, breakers))
	if err != nil {
		return err
	}
	if stats.Sent != 1 {
		return fmt.Errorf("simulated alert was not delivered over %s (processed=%d failed=%d)", opts.Channel, stats.Processed, stats.Failed)
	}
	a.Logger.Info().Str("channel", string(opts.Channel)).Str("to", opts.Recipient).Msg("simulated alert delivered")
	return nil
}

func simulate(ctx context.Context, a *App, opts SimulateOptions, rate decimal.Decimal, router dispatch.Router) (dispatch.Stats, error) {
	mem := storage.NewMemoryStore(nil)
	mem.PutSetting(alert.Setting{
		ID:      simulatedSettingID,
		Channel: opts.Channel,
		Active:  true,
		MinRate: rate,
	})
	mem.SetContact(simulatedSettingID, opts.Channel, opts.Recipient)
	mem.PutSnapshot(alert.ProductSnapshot{
		Kind:    opts.Kind,
		Code:    "SIMULATED",
		Name:    "Simulated product",
		Company: "ratealert",
		Options: []alert.RateOption{{
			TermMonths: 12,
			Method:     alert.MethodSimple,
			BaseRate:   rate,
			BestRate:   rate,
		}},
		Version: time.Now().UTC(),
	})

	n, err := match.New(mem, mem, mem, a.Logger).ScanAndEnqueue(ctx)
	if err != nil {
		return dispatch.Stats{}, err
	}
	if n != 1 {
		return dispatch.Stats{}, fmt.Errorf("simulated setting produced %d events", n)
	}

	return dispatch.New(mem, mem, router, dispatch.Options{
		MaxAttempts: 1,
		SendTimeout: a.Config.Dispatch.SendTimeout,
	}, a.Logger).DispatchNow(ctx, 1)
}
