// Package match scans product snapshots against stored alert settings and
// enqueues one deduplicated event per satisfying pair.
package match

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"savings-alerts/internal/alert"
	"savings-alerts/internal/metrics"
	"savings-alerts/internal/storage"
)

// Matcher is the alert match service.
type Matcher struct {
	settings storage.SettingStore
	products storage.ProductStore
	events   storage.EventStore
	logger   zerolog.Logger
}

// New constructs a Matcher.
func New(settings storage.SettingStore, products storage.ProductStore, events storage.EventStore, logger zerolog.Logger) *Matcher {
	return &Matcher{
		settings: settings,
		products: products,
		events:   events,
		logger:   logger.With().Str("component", "match").Logger(),
	}
}

// ScanAndEnqueue evaluates every active setting against the snapshots of its
// product kinds and returns how many events were newly created. Unchanged
// inputs create nothing on a repeated call.
func (m *Matcher) ScanAndEnqueue(ctx context.Context) (int, error) {
	settings, err := m.settings.ListActiveAlertSettings(ctx)
	if err != nil {
		return 0, fmt.Errorf("list alert settings: %w", err)
	}

	snapshots := make(map[alert.ProductKind][]alert.ProductSnapshot, 2)
	enqueued := 0
	for _, setting := range settings {
		for _, kind := range setting.Kinds() {
			products, ok := snapshots[kind]
			if !ok {
				products, err = m.products.ListProductSnapshots(ctx, kind)
				if err != nil {
					return enqueued, fmt.Errorf("list %s snapshots: %w", kind, err)
				}
				snapshots[kind] = products
			}

			for _, product := range products {
				created, err := m.enqueue(ctx, setting, product)
				if err != nil {
					return enqueued, err
				}
				if created {
					enqueued++
				}
			}
		}
	}

	m.logger.Info().
		Int("settings", len(settings)).
		Int("enqueued", enqueued).
		Msg("scan complete")
	return enqueued, nil
}

func (m *Matcher) enqueue(ctx context.Context, setting alert.Setting, product alert.ProductSnapshot) (bool, error) {
	option, ok := alert.Evaluate(setting, product)
	if !ok {
		return false, nil
	}

	version := alert.TruncateVersion(product.Version)
	trigger, err := m.classify(ctx, setting.ID, product, version, option)
	if err != nil {
		return false, err
	}

	ev := alert.Event{
		SettingID:   setting.ID,
		Trigger:     trigger,
		Kind:        product.Kind,
		ProductCode: product.Code,
		ProductName: product.Name,
		Rate:        option.BestRate,
		Version:     version,
		DedupKey:    alert.DeriveKey(setting.ID, trigger, product.Kind, product.Code, version),
	}

	stored, inserted, err := m.events.InsertIfAbsent(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("enqueue setting %d product %s: %w", setting.ID, product.Code, err)
	}
	if !inserted {
		return false, nil
	}

	metrics.RecordEnqueued(string(product.Kind), string(trigger))
	m.logger.Debug().
		Int64("event_id", stored.ID).
		Int64("setting_id", setting.ID).
		Str("product_code", product.Code).
		Str("trigger", string(trigger)).
		Str("rate", option.BestRate.String()).
		Msg("event enqueued")
	return true, nil
}

// classify only consults events with a strictly older version so that a
// re-scan of the same version always derives the same trigger.
func (m *Matcher) classify(ctx context.Context, settingID int64, product alert.ProductSnapshot, version time.Time, option alert.RateOption) (alert.Trigger, error) {
	prev, found, err := m.events.LatestEventBefore(ctx, settingID, product.Kind, product.Code, version)
	if err != nil {
		return "", fmt.Errorf("previous event for setting %d product %s: %w", settingID, product.Code, err)
	}
	if found && prev.Rate.LessThan(option.BestRate) {
		return alert.TriggerRateImproved, nil
	}
	return alert.TriggerMatch, nil
}
