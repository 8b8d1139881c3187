// Package dispatch drains the alert event queue one bounded batch at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"savings-alerts/internal/alert"
	"savings-alerts/internal/channel"
	"savings-alerts/internal/metrics"
	"savings-alerts/internal/storage"
)

// Router delivers a composed message on a channel.
type Router interface {
	Send(ctx context.Context, ch alert.Channel, msg alert.Message) *channel.Failure
}

// Stats summarises one or more dispatch calls. Sent and Failed partition
// Processed; retryable failures count as failed for the attempt. Skipped
// counts selected events that another worker moved out of PENDING first.
type Stats struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped,omitempty"`
}

// Add accumulates another call's counts.
func (s *Stats) Add(o Stats) {
	s.Processed += o.Processed
	s.Sent += o.Sent
	s.Failed += o.Failed
	s.Skipped += o.Skipped
}

// Selected is the number of events the call took from the queue. A drain loop
// compares it with the batch size to decide whether more events may remain.
func (s Stats) Selected() int {
	return s.Processed + s.Skipped
}

// Options tunes the dispatcher.
type Options struct {
	// MaxAttempts moves an event to FAILED_PERMANENT once this many attempts
	// failed. Zero keeps retrying indefinitely.
	MaxAttempts int
	// SendTimeout bounds a single channel call. Zero leaves it to the sender.
	SendTimeout time.Duration
}

// Dispatcher is the alert dispatch service. Events in a batch are handled
// strictly one after another.
type Dispatcher struct {
	events   storage.EventStore
	settings storage.SettingStore
	router   Router
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger
}

// New constructs a Dispatcher.
func New(events storage.EventStore, settings storage.SettingStore, router Router, opts Options, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		events:   events,
		settings: settings,
		router:   router,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}
}

// WithClock overrides the clock used to stamp attempts.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

// DispatchNow processes up to batchSize pending events, oldest first.
func (d *Dispatcher) DispatchNow(ctx context.Context, batchSize int) (Stats, error) {
	return d.dispatch(ctx, batchSize, time.Time{})
}

// DispatchBefore is DispatchNow restricted to events not attempted at or after
// cutoff. A drain loop passing its start time sees each event at most once.
func (d *Dispatcher) DispatchBefore(ctx context.Context, batchSize int, cutoff time.Time) (Stats, error) {
	return d.dispatch(ctx, batchSize, cutoff)
}

func (d *Dispatcher) dispatch(ctx context.Context, batchSize int, cutoff time.Time) (Stats, error) {
	var stats Stats
	if batchSize <= 0 {
		return stats, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	batch, err := d.events.ListPending(ctx, batchSize, cutoff)
	if err != nil {
		return stats, fmt.Errorf("list pending events: %w", err)
	}

	for _, ev := range batch {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		res := d.attempt(ctx, ev)
		at := d.now()
		if !cutoff.IsZero() && at.Before(cutoff) {
			at = cutoff
		}

		if err := d.record(ctx, ev, res, at); err != nil {
			if errors.Is(err, storage.ErrNotPending) {
				d.logger.Warn().Int64("event_id", ev.ID).Msg("event left pending state concurrently; skipping")
				stats.Skipped++
				continue
			}
			return stats, err
		}

		stats.Processed++
		if res.outcome == metrics.OutcomeSent {
			stats.Sent++
		} else {
			stats.Failed++
		}
		metrics.RecordDispatch(string(res.channel), res.outcome)
		d.logEvent(ev, res)
	}
	return stats, nil
}

type result struct {
	channel alert.Channel
	outcome string
	reason  string
	err     error
}

// attempt composes and routes one event. Anything that goes wrong before the
// channel is reached is permanent for that event.
func (d *Dispatcher) attempt(ctx context.Context, ev alert.Event) result {
	setting, err := d.settings.GetAlertSetting(ctx, ev.SettingID)
	if err != nil {
		return result{outcome: metrics.OutcomeFailed, reason: "alert setting unavailable", err: err}
	}
	res := result{channel: setting.Channel}

	recipient, err := d.settings.ResolveContactAddress(ctx, ev.SettingID, setting.Channel)
	if err != nil {
		res.outcome, res.reason, res.err = metrics.OutcomeFailed, "contact unavailable", err
		return res
	}

	msg, err := alert.Compose(setting.Channel, ev, recipient)
	if err != nil {
		d.logger.Error().Err(err).Int64("event_id", ev.ID).Str("channel", string(setting.Channel)).
			Msg("cannot compose message for configured channel")
		res.outcome, res.reason, res.err = metrics.OutcomeFailed, "compose failed", err
		return res
	}

	sendCtx := ctx
	if d.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.opts.SendTimeout)
		defer cancel()
	}

	failure := d.router.Send(sendCtx, setting.Channel, msg)
	switch {
	case failure == nil:
		res.outcome = metrics.OutcomeSent
	case failure.Retryable() && !d.exhausted(ev):
		res.outcome, res.reason, res.err = metrics.OutcomeRetry, failure.Reason, failure.Err
	case failure.Retryable():
		res.outcome, res.reason, res.err = metrics.OutcomeFailed, "attempts exhausted: "+failure.Reason, failure.Err
	default:
		res.outcome, res.reason, res.err = metrics.OutcomeFailed, failure.Reason, failure.Err
	}
	return res
}

func (d *Dispatcher) exhausted(ev alert.Event) bool {
	return d.opts.MaxAttempts > 0 && ev.Attempts+1 >= d.opts.MaxAttempts
}

func (d *Dispatcher) record(ctx context.Context, ev alert.Event, res result, at time.Time) error {
	var err error
	switch res.outcome {
	case metrics.OutcomeSent:
		err = d.events.MarkSent(ctx, ev.ID, at)
	case metrics.OutcomeRetry:
		err = d.events.RecordRetry(ctx, ev.ID, at)
	default:
		err = d.events.MarkFailed(ctx, ev.ID, at)
	}
	if err != nil {
		return fmt.Errorf("record %s for event %d: %w", res.outcome, ev.ID, err)
	}
	return nil
}

func (d *Dispatcher) logEvent(ev alert.Event, res result) {
	entry := d.logger.Info()
	if res.outcome != metrics.OutcomeSent {
		entry = d.logger.Warn().Err(res.err).Str("reason", res.reason)
	}
	entry.
		Int64("event_id", ev.ID).
		Int64("setting_id", ev.SettingID).
		Str("channel", string(res.channel)).
		Str("outcome", res.outcome).
		Int("attempts", ev.Attempts+1).
		Msg("event dispatched")
}
