package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"savings-alerts/internal/alert"
)

// Publisher is the subset of *amqp.Channel the push sender needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// PushOptions parameterise the push sender.
type PushOptions struct {
	Enabled    bool
	Exchange   string
	RoutingKey string
}

// PushSender hands push notifications to the push gateway through AMQP.
type PushSender struct {
	opts      PushOptions
	publisher Publisher
	now       func() time.Time
	logger    zerolog.Logger
}

// NewPushSender builds the push sender. A nil publisher yields retryable failures
// until a connection is available.
func NewPushSender(opts PushOptions, publisher Publisher, logger zerolog.Logger) *PushSender {
	if opts.RoutingKey == "" {
		opts.RoutingKey = "alerts.push"
	}
	return &PushSender{
		opts:      opts,
		publisher: publisher,
		now:       time.Now,
		logger:    logger.With().Str("component", "push_sender").Logger(),
	}
}

// DialPublisher connects to the broker and declares the durable topic exchange
// push messages are published to. The returned close func releases both the
// channel and the connection.
func DialPublisher(url, exchange string) (*amqp.Channel, func(), error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}
	closer := func() {
		_ = ch.Close()
		_ = conn.Close()
	}
	return ch, closer, nil
}

type pushPayload struct {
	Recipient string    `json:"recipient"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel implements Sender.
func (s *PushSender) Channel() alert.Channel { return alert.ChannelPush }

// Send implements Sender.
func (s *PushSender) Send(ctx context.Context, msg alert.Message) *Failure {
	if !s.opts.Enabled {
		return PermanentFailure("push channel disabled by configuration", ErrChannelDisabled)
	}
	if msg.To == "" {
		return PermanentFailure("missing push recipient", ErrNoRecipient)
	}
	if s.publisher == nil {
		return RetryableFailure("push broker unavailable", ErrNotConnected)
	}

	body, err := json.Marshal(pushPayload{Recipient: msg.To, Title: msg.Subject, Body: msg.Body, CreatedAt: s.now().UTC()})
	if err != nil {
		return PermanentFailure("marshal push payload", err)
	}

	err = s.publisher.PublishWithContext(ctx, s.opts.Exchange, s.opts.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    s.now(),
		Body:         body,
	})
	if err != nil {
		return classifyAMQP(err)
	}
	return nil
}

func classifyAMQP(err error) *Failure {
	if errors.Is(err, amqp.ErrClosed) {
		return RetryableFailure("push broker connection closed", err)
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotFound, amqp.NotAllowed:
			return PermanentFailure("push broker rejected publish", err)
		}
	}
	return RetryableFailure("push publish failed", err)
}

var _ Sender = (*PushSender)(nil)
