package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"savings-alerts/internal/alert"
)

func fixedClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestMemoryStoreInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(fixedClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)))

	ev := alert.Event{SettingID: 1, Kind: alert.KindDeposit, ProductCode: "WR0001B", DedupKey: "k1", Rate: decimal.NewFromFloat(3.2)}
	stored, inserted, err := m.InsertIfAbsent(ctx, ev)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	if stored.ID == 0 || stored.Status != alert.StatusPending {
		t.Fatalf("unexpected stored event %+v", stored)
	}

	if _, inserted, err := m.InsertIfAbsent(ctx, ev); err != nil || inserted {
		t.Fatalf("duplicate key must be skipped: inserted=%v err=%v", inserted, err)
	}
	if got := len(m.Events()); got != 1 {
		t.Fatalf("expected 1 event, got %d", got)
	}
}

func TestMemoryStoreListPendingOrderAndCutoff(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(fixedClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)))
	for _, key := range []string{"a", "b", "c"} {
		if _, _, err := m.InsertIfAbsent(ctx, alert.Event{SettingID: 1, DedupKey: key}); err != nil {
			t.Fatal(err)
		}
	}

	cutoff := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	if err := m.RecordRetry(ctx, 1, cutoff.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkSent(ctx, 2, cutoff); err != nil {
		t.Fatal(err)
	}

	all, _ := m.ListPending(ctx, 10, time.Time{})
	if len(all) != 2 || all[0].ID != 1 || all[1].ID != 3 {
		t.Fatalf("unexpected pending list %+v", all)
	}
	if all[0].Attempts != 1 {
		t.Fatalf("retry must count the attempt, got %d", all[0].Attempts)
	}

	fresh, _ := m.ListPending(ctx, 10, cutoff)
	if len(fresh) != 1 || fresh[0].ID != 3 {
		t.Fatalf("cutoff must skip events attempted after it, got %+v", fresh)
	}

	limited, _ := m.ListPending(ctx, 1, time.Time{})
	if len(limited) != 1 || limited[0].ID != 1 {
		t.Fatalf("limit must keep the oldest event, got %+v", limited)
	}
}

func TestMemoryStoreTerminalTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)
	ev, _, _ := m.InsertIfAbsent(ctx, alert.Event{DedupKey: "x"})

	if err := m.MarkFailed(ctx, ev.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkSent(ctx, ev.ID, time.Now()); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestMemoryStoreLatestEventBefore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)
	t1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)

	for i, v := range []time.Time{t1, t2} {
		_, _, err := m.InsertIfAbsent(ctx, alert.Event{
			SettingID:   7,
			Kind:        alert.KindSavings,
			ProductCode: "S1",
			Version:     v,
			DedupKey:    string(rune('a' + i)),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if _, ok, _ := m.LatestEventBefore(ctx, 7, alert.KindSavings, "S1", t1); ok {
		t.Fatal("no event is strictly older than the first version")
	}
	got, ok, _ := m.LatestEventBefore(ctx, 7, alert.KindSavings, "S1", t2.Add(time.Hour))
	if !ok || !got.Version.Equal(t2) {
		t.Fatalf("expected newest older event at %s, got %+v", t2, got)
	}
}

func TestMemoryStoreResolveContact(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)
	m.PutSetting(alert.Setting{ID: 1, Active: true, Channel: alert.ChannelEmail})
	m.SetContact(1, alert.ChannelEmail, "kim@example.com")

	addr, err := m.ResolveContactAddress(ctx, 1, alert.ChannelEmail)
	if err != nil || addr != "kim@example.com" {
		t.Fatalf("unexpected contact %q err=%v", addr, err)
	}
	addr, err = m.ResolveContactAddress(ctx, 1, alert.ChannelSMS)
	if err != nil || addr != "" {
		t.Fatalf("missing phone must resolve to empty, got %q err=%v", addr, err)
	}
	if _, err := m.ResolveContactAddress(ctx, 99, alert.ChannelEmail); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreAdvisoryLock(t *testing.T) {
	m := NewMemoryStore(nil)
	unlock, ok, err := m.TryAdvisoryLock(context.Background(), 42)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := m.TryAdvisoryLock(context.Background(), 42); ok {
		t.Fatal("second lock on the same key must fail")
	}
	unlock()
	if _, ok, _ := m.TryAdvisoryLock(context.Background(), 42); !ok {
		t.Fatal("lock must be available after unlock")
	}
}
