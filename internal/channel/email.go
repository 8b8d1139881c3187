package channel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"

	"savings-alerts/internal/alert"
)

const defaultSMTPTimeout = 30 * time.Second

// ErrSMTPAuth marks a failure in the AUTH exchange that is not a server reply,
// such as the client refusing to send credentials over plaintext.
var ErrSMTPAuth = errors.New("smtp authentication failed")

// SendMailFunc is smtp.SendMail bounded by ctx. Tests replace it.
type SendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailOptions parameterise the SMTP sender.
type EmailOptions struct {
	Enabled     bool
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	FromName    string
	// Timeout caps one SMTP session, dial included.
	Timeout time.Duration
}

// EmailSender delivers HTML messages over SMTP.
type EmailSender struct {
	opts     EmailOptions
	addr     string
	auth     smtp.Auth
	sendMail SendMailFunc
	now      func() time.Time
	logger   zerolog.Logger
}

// NewEmailSender builds the email sender.
func NewEmailSender(opts EmailOptions, logger zerolog.Logger) *EmailSender {
	port := opts.Port
	if port <= 0 {
		port = 587
	}
	var auth smtp.Auth
	if opts.Username != "" {
		auth = smtp.PlainAuth("", opts.Username, opts.Password, opts.Host)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSMTPTimeout
	}
	s := &EmailSender{
		opts:   opts,
		addr:   net.JoinHostPort(opts.Host, strconv.Itoa(port)),
		auth:   auth,
		now:    time.Now,
		logger: logger.With().Str("component", "email_sender").Logger(),
	}
	s.sendMail = s.dialAndSend
	return s
}

// WithTransport overrides the SMTP transport.
func (s *EmailSender) WithTransport(fn SendMailFunc) *EmailSender {
	s.sendMail = fn
	return s
}

// Channel implements Sender.
func (s *EmailSender) Channel() alert.Channel { return alert.ChannelEmail }

// Send implements Sender.
func (s *EmailSender) Send(ctx context.Context, msg alert.Message) *Failure {
	if !s.opts.Enabled {
		return PermanentFailure("email channel disabled by configuration", ErrChannelDisabled)
	}
	if msg.To == "" {
		return PermanentFailure("missing email address", ErrNoRecipient)
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return PermanentFailure("invalid email address", errors.Join(ErrNoRecipient, err))
	}
	if err := ctx.Err(); err != nil {
		return RetryableFailure("context done before smtp send", err)
	}

	raw, err := s.render(to, msg)
	if err != nil {
		return PermanentFailure("render mime message", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	if err := s.sendMail(sendCtx, s.addr, s.auth, s.opts.FromAddress, []string{to.Address}, raw); err != nil {
		if ctxErr := sendCtx.Err(); ctxErr != nil {
			return RetryableFailure("smtp session interrupted", errors.Join(ctxErr, err))
		}
		return classifySMTP(err)
	}

	s.logger.Debug().Str("subject", msg.Subject).Msg("email accepted by smtp server")
	return nil
}

func (s *EmailSender) render(to *mail.Address, msg alert.Message) ([]byte, error) {
	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{{Name: s.opts.FromName, Address: s.opts.FromAddress}})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(msg.Subject)
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, fmt.Errorf("write mail body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

// dialAndSend runs the smtp.SendMail exchange over a connection whose dial and
// I/O are bounded by ctx.
func (s *EmailSender) dialAndSend(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, s.opts.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.opts.Host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return authError(err)
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// authError tags err as raised by the AUTH exchange.
func authError(err error) error {
	return fmt.Errorf("%w: %w", ErrSMTPAuth, err)
}

// classifySMTP treats 5xx replies (bad mailbox, auth rejected, policy) and
// client-side auth refusals as permanent. 4xx replies and I/O errors are retryable.
func classifySMTP(err error) *Failure {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		reason := fmt.Sprintf("smtp reply %d", protoErr.Code)
		if protoErr.Code >= 500 {
			return PermanentFailure(reason, err)
		}
		return RetryableFailure(reason, err)
	}
	if errors.Is(err, ErrSMTPAuth) {
		return PermanentFailure("smtp authentication refused", err)
	}
	return RetryableFailure("smtp transport error", err)
}

var _ Sender = (*EmailSender)(nil)
