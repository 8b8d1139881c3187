package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"savings-alerts/internal/alert"
)

// MemoryStore keeps the queue and read models in process. It backs tests and
// the simulate command and mirrors the PostgreSQL semantics of Store.
type MemoryStore struct {
	mu sync.Mutex

	now    func() time.Time
	nextID int64

	events   []alert.Event
	byKey    map[string]int
	settings map[int64]alert.Setting
	contacts map[int64]map[alert.Channel]string
	products map[alert.ProductKind]map[string]alert.ProductSnapshot
	locks    map[int64]bool
}

// NewMemoryStore returns an empty store stamping rows with clock (time.Now when nil).
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		now:      clock,
		byKey:    make(map[string]int),
		settings: make(map[int64]alert.Setting),
		contacts: make(map[int64]map[alert.Channel]string),
		products: make(map[alert.ProductKind]map[string]alert.ProductSnapshot),
		locks:    make(map[int64]bool),
	}
}

// PutSetting inserts or replaces a setting.
func (m *MemoryStore) PutSetting(s alert.Setting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.ID] = s
}

// DeleteSetting removes a setting; its queued events stay.
func (m *MemoryStore) DeleteSetting(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.settings, id)
	delete(m.contacts, id)
}

// SetContact records the recipient used for a setting on ch.
func (m *MemoryStore) SetContact(settingID int64, ch alert.Channel, address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contacts[settingID] == nil {
		m.contacts[settingID] = make(map[alert.Channel]string)
	}
	m.contacts[settingID][ch] = address
}

// PutSnapshot inserts or replaces a product snapshot.
func (m *MemoryStore) PutSnapshot(p alert.ProductSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.products[p.Kind] == nil {
		m.products[p.Kind] = make(map[string]alert.ProductSnapshot)
	}
	m.products[p.Kind][p.Code] = p
}

// Events returns a copy of every queued event in insertion order.
func (m *MemoryStore) Events() []alert.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]alert.Event, len(m.events))
	copy(out, m.events)
	return out
}

// Event looks up a queued event by id.
func (m *MemoryStore) Event(id int64) (alert.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == id {
			return ev, true
		}
	}
	return alert.Event{}, false
}

// InsertIfAbsent implements EventStore.
func (m *MemoryStore) InsertIfAbsent(_ context.Context, ev alert.Event) (alert.Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byKey[ev.DedupKey]; ok {
		return alert.Event{}, false, nil
	}

	m.nextID++
	ev.ID = m.nextID
	ev.Status = alert.StatusPending
	ev.CreatedAt = m.now()
	ev.LastAttemptAt = nil
	ev.Attempts = 0

	m.byKey[ev.DedupKey] = len(m.events)
	m.events = append(m.events, ev)
	return ev, true, nil
}

// LatestEventBefore implements EventStore.
func (m *MemoryStore) LatestEventBefore(_ context.Context, settingID int64, kind alert.ProductKind, productCode string, before time.Time) (alert.Event, bool, error) {
	if before.IsZero() {
		return alert.Event{}, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		latest alert.Event
		found  bool
	)
	for _, ev := range m.events {
		if ev.SettingID != settingID || ev.Kind != kind || ev.ProductCode != productCode {
			continue
		}
		if ev.Version.IsZero() || !ev.Version.Before(before) {
			continue
		}
		if !found || ev.Version.After(latest.Version) || (ev.Version.Equal(latest.Version) && ev.ID > latest.ID) {
			latest = ev
			found = true
		}
	}
	return latest, found, nil
}

// ListPending implements EventStore.
func (m *MemoryStore) ListPending(_ context.Context, limit int, attemptedBefore time.Time) ([]alert.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make([]alert.Event, 0)
	for _, ev := range m.events {
		if ev.Status != alert.StatusPending {
			continue
		}
		if !attemptedBefore.IsZero() && ev.LastAttemptAt != nil && !ev.LastAttemptAt.Before(attemptedBefore) {
			continue
		}
		pending = append(pending, ev)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	if limit >= 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// MarkSent implements EventStore.
func (m *MemoryStore) MarkSent(_ context.Context, id int64, at time.Time) error {
	return m.transition(id, alert.StatusSent, at)
}

// MarkFailed implements EventStore.
func (m *MemoryStore) MarkFailed(_ context.Context, id int64, at time.Time) error {
	return m.transition(id, alert.StatusFailedPermanent, at)
}

// RecordRetry implements EventStore.
func (m *MemoryStore) RecordRetry(_ context.Context, id int64, at time.Time) error {
	return m.transition(id, alert.StatusPending, at)
}

func (m *MemoryStore) transition(id int64, status alert.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.events {
		ev := &m.events[i]
		if ev.ID != id {
			continue
		}
		if ev.Status != alert.StatusPending {
			return fmt.Errorf("update alert event %d: %w", id, ErrNotPending)
		}
		stamp := at
		ev.Status = status
		ev.LastAttemptAt = &stamp
		ev.Attempts++
		return nil
	}
	return fmt.Errorf("update alert event %d: %w", id, ErrNotPending)
}

// ListRecentEvents implements EventStore.
func (m *MemoryStore) ListRecentEvents(_ context.Context, limit int) ([]alert.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]alert.Event, 0, len(m.events))
	for i := len(m.events) - 1; i >= 0; i-- {
		if limit >= 0 && len(out) == limit {
			break
		}
		out = append(out, m.events[i])
	}
	return out, nil
}

// DailyStatusCounts implements EventStore. Days are UTC.
func (m *MemoryStore) DailyStatusCounts(_ context.Context, from, to time.Time) ([]DailyCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type bucket struct {
		day    time.Time
		status alert.Status
	}
	counts := make(map[bucket]int64)
	for _, ev := range m.events {
		if ev.CreatedAt.Before(from) || !ev.CreatedAt.Before(to) {
			continue
		}
		day := ev.CreatedAt.UTC().Truncate(24 * time.Hour)
		counts[bucket{day: day, status: ev.Status}]++
	}

	out := make([]DailyCount, 0, len(counts))
	for b, n := range counts {
		out = append(out, DailyCount{Day: b.day, Status: b.status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.Before(out[j].Day)
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

// ListActiveAlertSettings implements SettingStore.
func (m *MemoryStore) ListActiveAlertSettings(_ context.Context) ([]alert.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]alert.Setting, 0, len(m.settings))
	for _, s := range m.settings {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetAlertSetting implements SettingStore.
func (m *MemoryStore) GetAlertSetting(_ context.Context, id int64) (alert.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.settings[id]
	if !ok {
		return alert.Setting{}, fmt.Errorf("alert setting %d: %w", id, ErrNotFound)
	}
	return s, nil
}

// ResolveContactAddress implements SettingStore.
func (m *MemoryStore) ResolveContactAddress(_ context.Context, settingID int64, ch alert.Channel) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.settings[settingID]; !ok {
		return "", fmt.Errorf("contact for setting %d: %w", settingID, ErrNotFound)
	}
	return m.contacts[settingID][ch], nil
}

// ListProductSnapshots implements ProductStore.
func (m *MemoryStore) ListProductSnapshots(_ context.Context, kind alert.ProductKind) ([]alert.ProductSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]alert.ProductSnapshot, 0, len(m.products[kind]))
	for _, p := range m.products[kind] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// TryAdvisoryLock implements AdvisoryLocker with a per-key flag.
func (m *MemoryStore) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.locks, key)
	}, true, nil
}

var (
	_ EventStore     = (*MemoryStore)(nil)
	_ SettingStore   = (*MemoryStore)(nil)
	_ ProductStore   = (*MemoryStore)(nil)
	_ AdvisoryLocker = (*MemoryStore)(nil)
)
