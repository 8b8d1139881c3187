// Package channel delivers composed alert messages over email, SMS and push.
//
// Every sender returns a *Failure instead of a bare error. A nil *Failure means
// the message was accepted by the transport; a non-nil one is classified as
// exactly one of Retryable or Permanent, and callers branch on that kind only.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"savings-alerts/internal/alert"
)

var (
	// ErrChannelDisabled is returned for sends on a channel switched off in configuration.
	ErrChannelDisabled = errors.New("channel is disabled")
	// ErrNoRecipient is returned when the message has no usable recipient.
	ErrNoRecipient = errors.New("message has no valid recipient")
	// ErrUnknownChannel is returned by the router for channels with no sender.
	ErrUnknownChannel = errors.New("no sender registered for channel")
	// ErrNotConnected is returned when a transport has not been established yet.
	ErrNotConnected = errors.New("transport not connected")
)

// Kind classifies a failed send.
type Kind int

const (
	// Retryable failures leave the event eligible for the next slot.
	Retryable Kind = iota + 1
	// Permanent failures are terminal for the event.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// Failure is the outcome of an unsuccessful send.
type Failure struct {
	Kind   Kind
	Reason string
	Err    error
}

// RetryableFailure builds a transient failure.
func RetryableFailure(reason string, err error) *Failure {
	return &Failure{Kind: Retryable, Reason: reason, Err: err}
}

// PermanentFailure builds a terminal failure.
func PermanentFailure(reason string, err error) *Failure {
	return &Failure{Kind: Permanent, Reason: reason, Err: err}
}

// Retryable reports whether the failure is transient.
func (f *Failure) Retryable() bool {
	return f != nil && f.Kind == Retryable
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s failure: %s", f.Kind, f.Reason)
	}
	return fmt.Sprintf("%s failure: %s: %v", f.Kind, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Sender is the capability every delivery backend implements.
type Sender interface {
	Channel() alert.Channel
	Send(ctx context.Context, msg alert.Message) *Failure
}

// FromHTTPStatus maps a gateway status code to a failure. 2xx yields nil;
// 408, 429 and 5xx are retryable; any other 4xx is permanent.
func FromHTTPStatus(status int, detail string) *Failure {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return RetryableFailure(fmt.Sprintf("gateway status %d", status), errors.New(detail))
	case status >= 400:
		return PermanentFailure(fmt.Sprintf("gateway status %d", status), errors.New(detail))
	}
	return RetryableFailure(fmt.Sprintf("unexpected gateway status %d", status), errors.New(detail))
}
