package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"savings-alerts/internal/alert"
)

const (
	smsTypeShort       = "SMS"
	smsTypeLong        = "LMS"
	defaultShortLimit  = 90
	defaultSMSSubject  = "Rate alert"
	defaultCountryCode = "82"
	defaultSMSTimeout  = 5 * time.Second

	headerTimestamp = "x-ncp-apigw-timestamp"
	headerAccessKey = "x-ncp-iam-access-key"
	headerSignature = "x-ncp-apigw-signature-v2"
)

// SMSOptions parameterise the SMS gateway client.
type SMSOptions struct {
	Enabled     bool
	BaseURL     string
	ServiceID   string
	AccessKey   string
	SecretKey   string
	From        string
	CountryCode string
	// ShortLimit is the largest UTF-8 byte length sent as a short message.
	ShortLimit    int
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// SMSSender posts messages to a signed HTTP SMS gateway.
type SMSSender struct {
	opts    SMSOptions
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
	logger  zerolog.Logger
}

// NewSMSSender builds the SMS sender. A disabled sender rejects every message.
func NewSMSSender(opts SMSOptions, logger zerolog.Logger) *SMSSender {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultSMSTimeout
	}
	if opts.ShortLimit <= 0 {
		opts.ShortLimit = defaultShortLimit
	}
	if opts.CountryCode == "" {
		opts.CountryCode = defaultCountryCode
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}

	return &SMSSender{
		opts:    opts,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  &http.Client{Timeout: 2 * timeout, Transport: transport},
		limiter: rate.NewLimiter(limit, burst),
		now:     time.Now,
		logger:  logger.With().Str("component", "sms_sender").Logger(),
	}
}

// Channel implements Sender.
func (s *SMSSender) Channel() alert.Channel { return alert.ChannelSMS }

// Send implements Sender.
func (s *SMSSender) Send(ctx context.Context, msg alert.Message) *Failure {
	if !s.opts.Enabled {
		return PermanentFailure("sms channel disabled by configuration", ErrChannelDisabled)
	}
	to := normalisePhone(msg.To)
	if to == "" {
		return PermanentFailure("missing phone number", ErrNoRecipient)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return RetryableFailure("rate limiter wait", err)
	}

	path := fmt.Sprintf("/sms/v2/services/%s/messages", s.opts.ServiceID)
	body, err := json.Marshal(s.buildRequest(to, msg))
	if err != nil {
		return PermanentFailure("marshal sms payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return PermanentFailure("build sms request", err)
	}
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set(headerTimestamp, timestamp)
	req.Header.Set(headerAccessKey, s.opts.AccessKey)
	req.Header.Set(headerSignature, Sign(s.opts.SecretKey, http.MethodPost, path, timestamp, s.opts.AccessKey))

	resp, err := s.client.Do(req)
	if err != nil {
		return RetryableFailure("sms transport error", err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if failure := FromHTTPStatus(resp.StatusCode, strings.TrimSpace(string(payload))); failure != nil {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			failure.Reason = "sms gateway rejected credentials"
		}
		return failure
	}

	s.logger.Debug().Str("type", smsType(msg.Body, s.opts.ShortLimit)).Msg("sms accepted by gateway")
	return nil
}

// Sign returns the base64 HMAC-SHA256 signature over "METHOD path\ntimestamp\naccessKey".
func Sign(secretKey, method, path, timestamp, accessKey string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(method + " " + path + "\n" + timestamp + "\n" + accessKey))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type smsRequest struct {
	Type        string       `json:"type"`
	ContentType string       `json:"contentType"`
	CountryCode string       `json:"countryCode"`
	From        string       `json:"from"`
	Subject     string       `json:"subject,omitempty"`
	Content     string       `json:"content"`
	Messages    []smsMessage `json:"messages"`
}

type smsMessage struct {
	To string `json:"to"`
}

func (s *SMSSender) buildRequest(to string, msg alert.Message) smsRequest {
	req := smsRequest{
		Type:        smsType(msg.Body, s.opts.ShortLimit),
		ContentType: "COMM",
		CountryCode: s.opts.CountryCode,
		From:        s.opts.From,
		Content:     msg.Body,
		Messages:    []smsMessage{{To: to}},
	}
	if req.Type == smsTypeLong {
		req.Subject = msg.Subject
		if req.Subject == "" {
			req.Subject = defaultSMSSubject
		}
	}
	return req
}

func smsType(content string, shortLimit int) string {
	if len(content) <= shortLimit {
		return smsTypeShort
	}
	return smsTypeLong
}

func normalisePhone(phone string) string {
	return strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(phone))
}

var _ Sender = (*SMSSender)(nil)
