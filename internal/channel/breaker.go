package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"savings-alerts/internal/alert"
)

// BreakerOptions tune the per-channel circuit breaker.
type BreakerOptions struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// DefaultBreakerOptions mirrors the gateway defaults used in production.
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      120 * time.Second,
		FailureRatio: 0.6,
		MinRequests:  5,
	}
}

// BreakerSender short-circuits a sender whose transport keeps failing
// transiently. Only retryable failures count against the breaker.
type BreakerSender struct {
	next    Sender
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker wraps next in a circuit breaker.
func WithBreaker(next Sender, opts BreakerOptions, logger zerolog.Logger) *BreakerSender {
	log := logger.With().Str("component", "breaker").Str("channel", string(next.Channel())).Logger()
	settings := gobreaker.Settings{
		Name:        "channel-" + string(next.Channel()),
		MaxRequests: opts.MaxRequests,
		Interval:    opts.Interval,
		Timeout:     opts.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < opts.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= opts.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			var failure *Failure
			if errors.As(err, &failure) {
				return !failure.Retryable()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}
	return &BreakerSender{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Channel implements Sender.
func (b *BreakerSender) Channel() alert.Channel { return b.next.Channel() }

// State exposes the breaker state for diagnostics.
func (b *BreakerSender) State() string { return b.breaker.State().String() }

// Send implements Sender.
func (b *BreakerSender) Send(ctx context.Context, msg alert.Message) *Failure {
	var failure *Failure
	_, err := b.breaker.Execute(func() (interface{}, error) {
		failure = b.next.Send(ctx, msg)
		if failure != nil {
			return nil, failure
		}
		return nil, nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return RetryableFailure(fmt.Sprintf("%s circuit open", b.next.Channel()), err)
	}
	return failure
}

var _ Sender = (*BreakerSender)(nil)
