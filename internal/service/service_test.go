package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"savings-alerts/internal/alert"
	"savings-alerts/internal/alerting"
	"savings-alerts/internal/channel"
	"savings-alerts/internal/config"
	"savings-alerts/internal/dispatch"
	"savings-alerts/internal/match"
	"savings-alerts/internal/storage"
)

type failingRouter struct {
	failure *channel.Failure
	calls   int
}

func (r *failingRouter) Send(context.Context, alert.Channel, alert.Message) *channel.Failure {
	r.calls++
	return r.failure
}

type recordingNotifier struct {
	mu      sync.Mutex
	reports []alerting.SlotReport
}

func (n *recordingNotifier) Notify(_ context.Context, r alerting.SlotReport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reports = append(n.reports, r)
	return nil
}

func testConfig(batch int) *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{
			ScanAt:          "03:00",
			DispatchAt:      []string{"09:00", "09:05", "09:15", "09:30"},
			AdvisoryLockKey: 77,
		},
		Dispatch: config.DispatchConfig{BatchSize: batch},
	}
}

func seedQueue(t *testing.T, store *storage.MemoryStore, n int) {
	t.Helper()
	store.PutSetting(alert.Setting{ID: 1, Channel: alert.ChannelEmail, Active: true})
	store.SetContact(1, alert.ChannelEmail, "owner@example.com")
	for i := 0; i < n; i++ {
		_, _, err := store.InsertIfAbsent(context.Background(), alert.Event{
			SettingID:   1,
			Kind:        alert.KindDeposit,
			ProductCode: fmt.Sprintf("P%03d", i),
			Rate:        decimal.RequireFromString("3.5"),
			DedupKey:    fmt.Sprintf("key-%d", i),
		})
		require.NoError(t, err)
	}
}

func newService(store *storage.MemoryStore, router dispatch.Router, batch int, notifier alerting.Notifier) *Service {
	matcher := match.New(store, store, store, zerolog.Nop())
	d := dispatch.New(store, store, router, dispatch.Options{}, zerolog.Nop())
	return New(testConfig(batch), nil, matcher, d, store, notifier, zerolog.Nop())
}

func TestDispatchSlotDrainsQueue(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	seedQueue(t, store, 25)
	router := &failingRouter{}
	notifier := &recordingNotifier{}
	svc := newService(store, router, 10, notifier)

	stats, err := svc.DispatchSlot(context.Background(), "dispatch-1", time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, dispatch.Stats{Processed: 25, Sent: 25}, stats)
	require.Equal(t, 25, router.calls)

	require.Len(t, notifier.reports, 1)
	require.Equal(t, "dispatch-1", notifier.reports[0].Slot)
	require.Equal(t, 25, notifier.reports[0].Sent)
	require.NotEmpty(t, notifier.reports[0].RunID)
}

func TestDispatchSlotTerminatesWhenEverythingRetries(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	seedQueue(t, store, 20)
	router := &failingRouter{failure: channel.RetryableFailure("gateway status 503", errors.New("down"))}
	svc := newService(store, router, 10, nil)

	slotStart := time.Now().UTC()
	stats, err := svc.DispatchSlot(context.Background(), "dispatch-1", slotStart)
	require.NoError(t, err)
	require.Equal(t, dispatch.Stats{Processed: 20, Failed: 20}, stats)
	require.Equal(t, 20, router.calls, "each event is attempted once per slot")

	// the next slot retries every event again
	stats, err = svc.DispatchSlot(context.Background(), "dispatch-2", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 20, stats.Processed)
	for _, ev := range store.Events() {
		require.Equal(t, alert.StatusPending, ev.Status)
		require.Equal(t, 2, ev.Attempts)
	}
}

func TestDispatchSkippedWhenLockHeld(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	seedQueue(t, store, 3)
	router := &failingRouter{}
	svc := newService(store, router, 10, nil)

	unlock, ok, err := store.TryAdvisoryLock(context.Background(), 77)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	_, err = svc.DispatchNow(context.Background())
	require.ErrorIs(t, err, ErrSkipped)
	require.Zero(t, router.calls)
}

func TestScanNowReportsCount(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	store.PutSetting(alert.Setting{ID: 3, Channel: alert.ChannelEmail, Active: true, Deposit: true, MinRate: decimal.RequireFromString("3.0")})
	store.PutSnapshot(alert.ProductSnapshot{
		Kind:    alert.KindDeposit,
		Code:    "KB01",
		Options: []alert.RateOption{{TermMonths: 6, BestRate: decimal.RequireFromString("3.3")}},
		Version: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	})
	notifier := &recordingNotifier{}
	svc := newService(store, &failingRouter{}, 10, notifier)

	n, at, err := svc.ScanNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, at.IsZero())

	n, _, err = svc.ScanNow(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	require.Len(t, notifier.reports, 2)
	require.Equal(t, 1, notifier.reports[0].Enqueued)
}

type brokenScanner struct{}

func (brokenScanner) ScanAndEnqueue(context.Context) (int, error) {
	return 0, errors.New("settings table unavailable")
}

func TestScanSlotErrorIsReported(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	notifier := &recordingNotifier{}
	d := dispatch.New(store, store, &failingRouter{}, dispatch.Options{}, zerolog.Nop())
	svc := New(testConfig(10), nil, brokenScanner{}, d, nil, notifier, zerolog.Nop())

	err := svc.ScanSlot(context.Background(), time.Now())
	require.Error(t, err)
	require.Len(t, notifier.reports, 1)
	require.Contains(t, notifier.reports[0].Error, "settings table unavailable")
}

func TestRunRequiresScheduler(t *testing.T) {
	svc := New(testConfig(10), nil, brokenScanner{}, nil, nil, nil, zerolog.Nop())
	require.Error(t, svc.Run(context.Background()))
}

type blockingDrainer struct {
	entered chan struct{}
	release chan struct{}
	done    chan struct{}
	ctxErr  error
}

func newBlockingDrainer() *blockingDrainer {
	return &blockingDrainer{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (d *blockingDrainer) DispatchBefore(ctx context.Context, _ int, _ time.Time) (dispatch.Stats, error) {
	close(d.entered)
	select {
	case <-d.release:
	case <-ctx.Done():
	}
	d.ctxErr = ctx.Err()
	close(d.done)
	return dispatch.Stats{Processed: 1, Sent: 1}, nil
}

func TestManualDispatchOutlivesCaller(t *testing.T) {
	drainer := newBlockingDrainer()
	svc := New(testConfig(10), nil, brokenScanner{}, drainer, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := svc.DispatchNow(ctx)
		errCh <- err
	}()

	<-drainer.entered
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(drainer.release)
	<-drainer.done
	require.NoError(t, drainer.ctxErr, "caller disconnect must not cancel the shared run")
}

func TestManualDispatchStopsWithBaseContext(t *testing.T) {
	drainer := newBlockingDrainer()
	base, stop := context.WithCancel(context.Background())
	svc := New(testConfig(10), nil, brokenScanner{}, drainer, nil, nil, zerolog.Nop()).WithBaseContext(base)

	errCh := make(chan error, 1)
	go func() {
		_, err := svc.DispatchNow(context.Background())
		errCh <- err
	}()

	<-drainer.entered
	stop()
	<-drainer.done
	require.ErrorIs(t, drainer.ctxErr, context.Canceled)
	require.NoError(t, <-errCh)
}

type scriptedDrainer struct {
	batches []dispatch.Stats
	calls   int
}

func (d *scriptedDrainer) DispatchBefore(context.Context, int, time.Time) (dispatch.Stats, error) {
	if d.calls >= len(d.batches) {
		return dispatch.Stats{}, nil
	}
	stats := d.batches[d.calls]
	d.calls++
	return stats, nil
}

func TestDrainContinuesPastSkippedEvents(t *testing.T) {
	drainer := &scriptedDrainer{batches: []dispatch.Stats{
		{Processed: 9, Sent: 9, Skipped: 1},
		{Processed: 3, Sent: 3},
	}}
	svc := New(testConfig(10), nil, brokenScanner{}, drainer, nil, nil, zerolog.Nop())

	stats, err := svc.DispatchSlot(context.Background(), "dispatch-1", time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 2, drainer.calls)
	require.Equal(t, dispatch.Stats{Processed: 12, Sent: 12, Skipped: 1}, stats)
}
