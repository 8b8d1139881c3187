// Package alerting reports slot outcomes to operators.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SlotReport summarises one scan or dispatch slot.
type SlotReport struct {
	Slot      string
	RunID     string
	SlotStart time.Time
	Duration  time.Duration

	// Enqueued is set for scan slots.
	Enqueued int
	// Processed, Sent and Failed are set for dispatch slots.
	Processed int
	Sent      int
	Failed    int

	// Error carries a short description when the slot aborted.
	Error string
}

// Notifier delivers slot reports to operators.
type Notifier interface {
	Notify(ctx context.Context, report SlotReport) error
}

// TelegramNotifier posts reports through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds the Telegram reporter.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "ops_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered report.
func (n *TelegramNotifier) Notify(ctx context.Context, report SlotReport) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderReport(report),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}

	n.logger.Debug().Str("slot", report.Slot).Str("run_id", report.RunID).Msg("slot report delivered")
	return nil
}

func renderReport(r SlotReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[ratealert] %s %s\n", r.Slot, r.SlotStart.Format("2006-01-02 15:04 MST"))
	if strings.HasPrefix(r.Slot, "scan") {
		fmt.Fprintf(&b, "enqueued=%d\n", r.Enqueued)
	} else {
		fmt.Fprintf(&b, "processed=%d sent=%d failed=%d\n", r.Processed, r.Sent, r.Failed)
	}
	fmt.Fprintf(&b, "duration=%s run=%s\n", r.Duration.Round(time.Millisecond), r.RunID)
	if r.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", r.Error)
	}
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
