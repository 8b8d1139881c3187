package channel

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"savings-alerts/internal/alert"
)

// Router selects the sender for a channel. It is a fixed lookup table built at startup.
type Router struct {
	senders map[alert.Channel]Sender
	logger  zerolog.Logger
}

// NewRouter registers senders by the channel they serve. A later sender for the
// same channel replaces an earlier one.
func NewRouter(logger zerolog.Logger, senders ...Sender) *Router {
	table := make(map[alert.Channel]Sender, len(senders))
	for _, s := range senders {
		table[s.Channel()] = s
	}
	return &Router{senders: table, logger: logger.With().Str("component", "router").Logger()}
}

// Send forwards msg to the sender registered for ch.
func (r *Router) Send(ctx context.Context, ch alert.Channel, msg alert.Message) *Failure {
	sender, ok := r.senders[ch]
	if !ok {
		r.logger.Error().Str("channel", string(ch)).Msg("no sender configured for channel; check channel configuration")
		return PermanentFailure(fmt.Sprintf("channel %q not routable", ch), ErrUnknownChannel)
	}
	return sender.Send(ctx, msg)
}

// Has reports whether a sender is registered for ch.
func (r *Router) Has(ch alert.Channel) bool {
	_, ok := r.senders[ch]
	return ok
}
