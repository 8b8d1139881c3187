package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func sampleReport() SlotReport {
	return SlotReport{
		Slot:      "dispatch-1",
		RunID:     "run-1",
		SlotStart: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC),
		Duration:  1500 * time.Millisecond,
		Processed: 12,
		Sent:      10,
		Failed:    2,
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/bottoken/sendMessage") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), sampleReport()); err != nil {
		t.Fatalf("Notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("wrong chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "processed=12 sent=10 failed=2") {
		t.Fatalf("report text missing counts: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), sampleReport()); err == nil {
		t.Fatal("ok=false should be an error")
	}
}

func TestRenderScanReport(t *testing.T) {
	text := renderReport(SlotReport{Slot: "scan", Enqueued: 4, Error: "list settings: timeout"})
	if !strings.Contains(text, "enqueued=4") || !strings.Contains(text, "error: list settings: timeout") {
		t.Fatalf("unexpected scan report: %q", text)
	}
	if strings.Contains(text, "processed=") {
		t.Fatalf("scan report should not carry dispatch counts: %q", text)
	}
}
