package storage

import (
	"context"
	"errors"
	"time"

	"savings-alerts/internal/alert"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrNotPending indicates a transition was attempted on an event that already left PENDING.
	ErrNotPending = errors.New("storage: event is not pending")
)

// DailyCount aggregates queued events per creation day and status.
type DailyCount struct {
	Day    time.Time
	Status alert.Status
	Count  int64
}

// EventStore persists the alert event queue.
type EventStore interface {
	// InsertIfAbsent inserts ev unless its dedup key exists; inserted reports which happened.
	InsertIfAbsent(ctx context.Context, ev alert.Event) (stored alert.Event, inserted bool, err error)
	// LatestEventBefore returns the newest event for a setting/product pair whose version is strictly older than before.
	LatestEventBefore(ctx context.Context, settingID int64, kind alert.ProductKind, productCode string, before time.Time) (alert.Event, bool, error)
	// ListPending returns up to limit pending events in creation order. A non-zero
	// attemptedBefore skips events whose last attempt is at or after it.
	ListPending(ctx context.Context, limit int, attemptedBefore time.Time) ([]alert.Event, error)
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, at time.Time) error
	RecordRetry(ctx context.Context, id int64, at time.Time) error
	ListRecentEvents(ctx context.Context, limit int) ([]alert.Event, error)
	DailyStatusCounts(ctx context.Context, from, to time.Time) ([]DailyCount, error)
}

// SettingStore reads user alert settings and contact details. Read-only.
type SettingStore interface {
	ListActiveAlertSettings(ctx context.Context) ([]alert.Setting, error)
	GetAlertSetting(ctx context.Context, id int64) (alert.Setting, error)
	// ResolveContactAddress returns the recipient for ch, or "" when the owner has none.
	ResolveContactAddress(ctx context.Context, settingID int64, ch alert.Channel) (string, error)
}

// ProductStore reads product snapshots. Read-only.
type ProductStore interface {
	ListProductSnapshots(ctx context.Context, kind alert.ProductKind) ([]alert.ProductSnapshot, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}
