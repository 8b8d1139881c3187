package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"savings-alerts/internal/dispatch"
	"savings-alerts/internal/service"
)

type stubTrigger struct {
	enqueued int
	stats    dispatch.Stats
	err      error
}

func (s stubTrigger) ScanNow(context.Context) (int, time.Time, error) {
	return s.enqueued, time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC), s.err
}

func (s stubTrigger) DispatchNow(context.Context) (dispatch.Stats, error) {
	return s.stats, s.err
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestScanEndpoint(t *testing.T) {
	h := NewServer(":0", "", stubTrigger{enqueued: 3}, zerolog.Nop()).Handler()
	rec := do(t, h, http.MethodPost, "/admin/scan", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp ScanResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Enqueued != 3 || resp.ScannedAt != "2026-09-01T03:00:00Z" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestDispatchEndpoint(t *testing.T) {
	h := NewServer(":0", "", stubTrigger{stats: dispatch.Stats{Processed: 5, Sent: 4, Failed: 1}}, zerolog.Nop()).Handler()
	rec := do(t, h, http.MethodPost, "/admin/dispatch", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"processed":5,"sent":4,"failed":1}` {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestErrorsAreGeneric(t *testing.T) {
	h := NewServer(":0", "", stubTrigger{err: errors.New("dial tcp 10.0.0.5:5432: connection refused")}, zerolog.Nop()).Handler()
	rec := do(t, h, http.MethodPost, "/admin/dispatch", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.5") {
		t.Fatalf("error detail leaked: %s", rec.Body.String())
	}

	h = NewServer(":0", "", stubTrigger{err: service.ErrSkipped}, zerolog.Nop()).Handler()
	if rec := do(t, h, http.MethodPost, "/admin/scan", ""); rec.Code != http.StatusConflict {
		t.Fatalf("skipped run status = %d", rec.Code)
	}
}

func TestTokenRequired(t *testing.T) {
	h := NewServer(":0", "s3cret", stubTrigger{}, zerolog.Nop()).Handler()
	if rec := do(t, h, http.MethodPost, "/admin/scan", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/admin/scan", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/admin/scan", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("valid token status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rec.Code)
	}
}

func TestHealthReportsChannels(t *testing.T) {
	h := NewServer(":0", "", stubTrigger{}, zerolog.Nop()).
		WithChannelStates(func() map[string]string { return map[string]string{"SMS": "open"} }).
		Handler()
	rec := do(t, h, http.MethodGet, "/healthz", "")
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Channels["SMS"] != "open" {
		t.Fatalf("unexpected health %+v", resp)
	}
}

func TestScanRequiresPost(t *testing.T) {
	h := NewServer(":0", "", stubTrigger{}, zerolog.Nop()).Handler()
	if rec := do(t, h, http.MethodGet, "/admin/scan", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /admin/scan status = %d", rec.Code)
	}
}
