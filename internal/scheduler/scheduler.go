package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SlotFunc is invoked at a slot's wall-clock time. slotStart is the minute the
// slot was scheduled for, in the scheduler's location.
type SlotFunc func(ctx context.Context, slotStart time.Time) error

// Slot binds a daily HH:MM trigger to a handler.
type Slot struct {
	Name string
	At   string
	Run  SlotFunc
}

// Options tune scheduler behaviour.
type Options struct {
	Location    *time.Location
	SlotTimeout time.Duration
}

// Scheduler fires a fixed table of daily slots in one timezone. A slot still
// running when its next trigger fires is skipped, and slots never share state.
type Scheduler struct {
	opts   Options
	cron   *cron.Cron
	now    func() time.Time
	logger zerolog.Logger

	mu     sync.Mutex
	runCtx context.Context
	names  map[cron.EntryID]string
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	log := logger.With().Str("component", "scheduler").Logger()
	adapter := cronLogger{logger: log}
	return &Scheduler{
		opts: opts,
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		now:    time.Now,
		logger: log,
		runCtx: context.Background(),
		names:  make(map[cron.EntryID]string),
	}
}

// Add registers a slot. It must be called before Run.
func (s *Scheduler) Add(slot Slot) error {
	if slot.Run == nil {
		return fmt.Errorf("slot %s has no handler", slot.Name)
	}
	spec, err := ClockSpec(slot.At)
	if err != nil {
		return fmt.Errorf("slot %s: %w", slot.Name, err)
	}
	id, err := s.cron.AddFunc(spec, func() { s.invoke(slot) })
	if err != nil {
		return fmt.Errorf("register slot %s: %w", slot.Name, err)
	}

	s.mu.Lock()
	s.names[id] = slot.Name
	s.mu.Unlock()
	return nil
}

// Run blocks, firing slots until ctx is cancelled, then waits for running slots to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	s.cron.Start()
	for _, entry := range s.cron.Entries() {
		s.logger.Info().
			Str("slot", s.slotName(entry.ID)).
			Time("next", entry.Next).
			Str("timezone", s.opts.Location.String()).
			Msg("slot scheduled")
	}

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info().Msg("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) invoke(slot Slot) {
	s.mu.Lock()
	parent := s.runCtx
	s.mu.Unlock()

	ctx := parent
	if s.opts.SlotTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.opts.SlotTimeout)
		defer cancel()
	}

	slotStart := s.now().In(s.opts.Location).Truncate(time.Minute)
	s.logger.Info().Str("slot", slot.Name).Time("slot_start", slotStart).Msg("executing scheduled slot")
	if err := slot.Run(ctx, slotStart); err != nil {
		s.logger.Error().Err(err).Str("slot", slot.Name).Time("slot_start", slotStart).Msg("slot execution failed")
	}
}

func (s *Scheduler) slotName(id cron.EntryID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[id]
}

// ClockSpec converts an HH:MM wall-clock time into a daily cron expression.
func ClockSpec(at string) (string, error) {
	hour, minute, err := ParseClock(at)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// ParseClock splits an HH:MM string.
func ParseClock(at string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(at), ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("invalid clock time %q, want HH:MM", at)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", at)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", at)
	}
	return hour, minute, nil
}

// cronLogger routes robfig/cron's internal logging through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
