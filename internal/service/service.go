package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"savings-alerts/internal/alerting"
	"savings-alerts/internal/config"
	"savings-alerts/internal/dispatch"
	"savings-alerts/internal/metrics"
	"savings-alerts/internal/scheduler"
	"savings-alerts/internal/storage"
)

const (
	slotScan      = "scan"
	dispatchGroup = "dispatch"
	reportTimeout = 10 * time.Second
)

// ErrSkipped reports that another instance holds the slot lock.
var ErrSkipped = errors.New("slot skipped: lock held elsewhere")

// Scanner is the match service.
type Scanner interface {
	ScanAndEnqueue(ctx context.Context) (int, error)
}

// Drainer is the dispatch service restricted to a per-slot cutoff.
type Drainer interface {
	DispatchBefore(ctx context.Context, batchSize int, cutoff time.Time) (dispatch.Stats, error)
}

// Service owns the slot handlers: one daily scan and four dispatch slots that
// drain the queue. Each slot is independent; a failure is logged and reported
// and the next slot runs regardless.
type Service struct {
	scheduler  *scheduler.Scheduler
	scanner    Scanner
	dispatcher Drainer
	notifier   alerting.Notifier
	locker     storage.AdvisoryLocker
	lockKey    int64
	batchSize  int
	scanAt     string
	dispatchAt []string
	runLimit   time.Duration

	// base scopes manual dispatch runs independently of the triggering caller.
	base   context.Context
	group  singleflight.Group
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs the slot service. sched may be nil for one-shot CLI use;
// locker and notifier are optional.
func New(cfg *config.Config, sched *scheduler.Scheduler, scanner Scanner, dispatcher Drainer, locker storage.AdvisoryLocker, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:  sched,
		scanner:    scanner,
		dispatcher: dispatcher,
		notifier:   notifier,
		locker:     locker,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
		batchSize:  cfg.Dispatch.BatchSize,
		scanAt:     cfg.Scheduler.ScanAt,
		dispatchAt: cfg.Scheduler.DispatchAt,
		runLimit:   cfg.Scheduler.SlotTimeout,
		base:       context.Background(),
		now:        time.Now,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// WithBaseContext scopes manual dispatch runs to ctx, typically the process
// lifetime. Call it before the service is shared between goroutines.
func (s *Service) WithBaseContext(ctx context.Context) *Service {
	s.base = ctx
	return s
}

// Run registers the slot table and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	if err := s.scheduler.Add(scheduler.Slot{Name: slotScan, At: s.scanAt, Run: s.ScanSlot}); err != nil {
		return err
	}
	for i, at := range s.dispatchAt {
		name := fmt.Sprintf("dispatch-%d", i+1)
		err := s.scheduler.Add(scheduler.Slot{Name: name, At: at, Run: func(ctx context.Context, slotStart time.Time) error {
			_, err := s.DispatchSlot(ctx, name, slotStart)
			return err
		}})
		if err != nil {
			return err
		}
	}
	return s.scheduler.Run(ctx)
}

// ScanSlot runs the match service once. There is no looping within a scan slot.
func (s *Service) ScanSlot(ctx context.Context, slotStart time.Time) error {
	_, err := s.scan(ctx, slotScan, slotStart)
	return err
}

// ScanNow is the manual scan trigger. It returns the number of new events and
// when the scan started.
func (s *Service) ScanNow(ctx context.Context) (int, time.Time, error) {
	started := s.now().UTC()
	n, err := s.scan(ctx, "scan-manual", started)
	return n, started, err
}

func (s *Service) scan(ctx context.Context, slot string, slotStart time.Time) (int, error) {
	runID := uuid.NewString()
	log := s.logger.With().Str("slot", slot).Str("run_id", runID).Logger()
	started := s.now()

	unlock, proceed, err := s.acquireLock(ctx, s.lockKey+1)
	if err != nil {
		s.finish(ctx, log, alerting.SlotReport{Slot: slot, RunID: runID, SlotStart: slotStart}, started, err)
		return 0, err
	}
	if !proceed {
		log.Info().Msg("skip scan because advisory lock held elsewhere")
		metrics.RecordSlot(slot, metrics.SlotSkipped, s.now().Sub(started))
		return 0, ErrSkipped
	}
	defer unlock()

	n, err := s.scanner.ScanAndEnqueue(ctx)
	if err != nil {
		err = fmt.Errorf("scan and enqueue: %w", err)
	}
	s.finish(ctx, log, alerting.SlotReport{Slot: slot, RunID: runID, SlotStart: slotStart, Enqueued: n}, started, err)
	return n, err
}

// DispatchSlot drains the queue for one scheduled slot. Events already
// attempted since slotStart are left for the next slot.
func (s *Service) DispatchSlot(ctx context.Context, slot string, slotStart time.Time) (dispatch.Stats, error) {
	return s.drain(ctx, slot, slotStart, func() (context.Context, context.CancelFunc) {
		return ctx, func() {}
	})
}

// DispatchNow is the manual dispatch trigger. It shares the single-flight
// guard with scheduled slots, so a concurrent caller receives that run's stats.
// The run itself is scoped to the base context and the slot timeout; ctx only
// bounds how long the caller waits for it.
func (s *Service) DispatchNow(ctx context.Context) (dispatch.Stats, error) {
	return s.drain(ctx, "dispatch-manual", s.now().UTC(), s.detachedContext)
}

func (s *Service) detachedContext() (context.Context, context.CancelFunc) {
	if s.runLimit > 0 {
		return context.WithTimeout(s.base, s.runLimit)
	}
	return context.WithCancel(s.base)
}

type drainResult struct {
	stats dispatch.Stats
}

func (s *Service) drain(ctx context.Context, slot string, cutoff time.Time, runContext func() (context.Context, context.CancelFunc)) (dispatch.Stats, error) {
	ch := s.group.DoChan(dispatchGroup, func() (interface{}, error) {
		runCtx, cancel := runContext()
		defer cancel()
		stats, err := s.drainLocked(runCtx, slot, cutoff)
		return drainResult{stats: stats}, err
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug().Str("slot", slot).Msg("joined a dispatch run already in flight")
		}
		v, _ := res.Val.(drainResult)
		return v.stats, res.Err
	case <-ctx.Done():
		return dispatch.Stats{}, ctx.Err()
	}
}

func (s *Service) drainLocked(ctx context.Context, slot string, cutoff time.Time) (dispatch.Stats, error) {
	runID := uuid.NewString()
	log := s.logger.With().Str("slot", slot).Str("run_id", runID).Logger()
	started := s.now()
	report := alerting.SlotReport{Slot: slot, RunID: runID, SlotStart: cutoff}

	unlock, proceed, err := s.acquireLock(ctx, s.lockKey)
	if err != nil {
		s.finish(ctx, log, report, started, err)
		return dispatch.Stats{}, err
	}
	if !proceed {
		log.Info().Msg("skip dispatch because advisory lock held elsewhere")
		metrics.RecordSlot(slot, metrics.SlotSkipped, s.now().Sub(started))
		return dispatch.Stats{}, ErrSkipped
	}
	defer unlock()

	var total dispatch.Stats
	batches := 0
	for {
		stats, err := s.dispatcher.DispatchBefore(ctx, s.batchSize, cutoff)
		total.Add(stats)
		batches++
		if err != nil {
			err = fmt.Errorf("dispatch batch %d: %w", batches, err)
			report.Processed, report.Sent, report.Failed = total.Processed, total.Sent, total.Failed
			s.finish(ctx, log, report, started, err)
			return total, err
		}
		if stats.Selected() < s.batchSize {
			break
		}
	}

	log.Debug().Int("batches", batches).Msg("queue drained for slot")
	report.Processed, report.Sent, report.Failed = total.Processed, total.Sent, total.Failed
	s.finish(ctx, log, report, started, nil)
	return total, nil
}

// finish logs, records metrics and sends the ops report for a completed slot.
func (s *Service) finish(ctx context.Context, log zerolog.Logger, report alerting.SlotReport, started time.Time, err error) {
	report.Duration = s.now().Sub(started)
	status := metrics.SlotOK
	entry := log.Info()
	if err != nil {
		status = metrics.SlotError
		report.Error = err.Error()
		entry = log.Error().Err(err)
	}
	metrics.RecordSlot(report.Slot, status, report.Duration)

	entry.
		Int("enqueued", report.Enqueued).
		Int("processed", report.Processed).
		Int("sent", report.Sent).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("slot finished")

	if s.notifier == nil {
		return
	}
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := s.notifier.Notify(reportCtx, report); err != nil {
		log.Warn().Err(err).Msg("failed to deliver slot report")
	}
}

func (s *Service) acquireLock(ctx context.Context, key int64) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return func() {}, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
