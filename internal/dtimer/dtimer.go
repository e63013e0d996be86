// Package dtimer schedules duel deadlines over a shared ordered score store.
//
// Any number of server processes run the same poll loop against the same
// store. A timer fires at most once because firing requires winning an atomic
// conditional removal of the entry: the poller that removes it runs the
// handler, every other poller sees zero rows and moves on. Timers survive
// process restarts because the store, not the process, holds them.
//
// Scheduling is deliberately best-effort. If the store is unreachable the
// timer is dropped with a logged warning and a metric increment; duels must
// not fail to create because the timer backend blinked. The periodic database
// sweep is the safety net that catches anything the timers missed.
package dtimer

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/veldtgames/duelarena/internal/metrics"
)

// WarnSuffix marks pre-expiry warning timers. A warning entry for duel X is
// stored under "X:warn" and fires before X's real deadline.
const WarnSuffix = ":warn"

// WarnKey returns the warning-timer member for a duel ID.
func WarnKey(duelID string) string {
	return duelID + WarnSuffix
}

// SplitKey returns the duel ID and whether the member is a warning timer.
func SplitKey(member string) (duelID string, warn bool) {
	if id, ok := strings.CutSuffix(member, WarnSuffix); ok {
		return id, true
	}
	return member, false
}

// ScoreStore is the shared ordered key-value contract. Members are timer
// keys, scores are absolute fire times in unix milliseconds.
type ScoreStore interface {
	// Add upserts member with the given fire time.
	Add(ctx context.Context, member string, fireAtMs int64) error
	// Remove atomically deletes member, reporting whether this caller
	// removed it. Exactly one of any set of racing callers gets true.
	Remove(ctx context.Context, member string) (bool, error)
	// Score returns the fire time for member, ok=false if absent.
	Score(ctx context.Context, member string) (fireAtMs int64, ok bool, err error)
	// Due returns up to limit members with fire time <= maxMs, soonest first.
	Due(ctx context.Context, maxMs int64, limit int) ([]string, error)
}

// Handler is invoked once per fired timer. warn distinguishes pre-expiry
// warnings from real deadlines.
type Handler func(ctx context.Context, duelID string, warn bool)

// Service is the timer scheduler and poll loop.
type Service struct {
	store        ScoreStore
	handler      Handler
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	now          func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a timer service. The handler may be nil at construction and
// wired later with SetHandler; it is not invoked until Start.
func New(store ScoreStore, handler Handler, logger *slog.Logger, pollInterval time.Duration) *Service {
	return &Service{
		store:        store,
		handler:      handler,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    100,
		now:          time.Now,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// SetHandler wires the fire callback. Must be called before Start when the
// handler's own dependencies are constructed after this service.
func (s *Service) SetHandler(h Handler) { s.handler = h }

// Schedule sets the deadline timer for a duel. Errors degrade to a dropped
// timer, never a failed caller.
func (s *Service) Schedule(ctx context.Context, duelID string, delay time.Duration) {
	s.add(ctx, duelID, delay)
}

// ScheduleWarning sets the pre-expiry warning timer for a duel.
func (s *Service) ScheduleWarning(ctx context.Context, duelID string, delay time.Duration) {
	s.add(ctx, WarnKey(duelID), delay)
}

func (s *Service) add(ctx context.Context, member string, delay time.Duration) {
	fireAt := s.now().Add(delay).UnixMilli()
	if err := s.store.Add(ctx, member, fireAt); err != nil {
		metrics.TimerScheduleDroppedTotal.Inc()
		s.logger.Warn("timer schedule dropped, sweep will catch the deadline",
			"member", member, "error", err)
	}
}

// Cancel removes both the deadline and warning timers for a duel. Cancelling
// an absent or already-fired timer is a no-op.
func (s *Service) Cancel(ctx context.Context, duelID string) {
	for _, member := range []string{duelID, WarnKey(duelID)} {
		if _, err := s.store.Remove(ctx, member); err != nil {
			s.logger.Warn("timer cancel failed", "member", member, "error", err)
		}
	}
}

// Reschedule replaces the deadline timer (and warning timer, when warnLead > 0
// and the new deadline is further out than the lead) with fresh fire times.
func (s *Service) Reschedule(ctx context.Context, duelID string, delay, warnLead time.Duration) {
	s.Cancel(ctx, duelID)
	s.Schedule(ctx, duelID, delay)
	if warnLead > 0 && delay > warnLead {
		s.ScheduleWarning(ctx, duelID, delay-warnLead)
	}
}

// RemainingTime reports the time until the duel's deadline timer fires.
// ok is false when no timer is pending.
func (s *Service) RemainingTime(ctx context.Context, duelID string) (time.Duration, bool, error) {
	fireAt, ok, err := s.store.Score(ctx, duelID)
	if err != nil || !ok {
		return 0, false, err
	}
	remaining := time.Duration(fireAt-s.now().UnixMilli()) * time.Millisecond
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true, nil
}

// Start runs the poll loop until Stop is called or ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.poll(ctx)
			}
		}
	}()
}

// Stop halts the poll loop and waits for the current pass to finish.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Service) poll(ctx context.Context) {
	due, err := s.store.Due(ctx, s.now().UnixMilli(), s.batchSize)
	if err != nil {
		s.logger.Warn("timer poll failed", "error", err)
		return
	}
	for _, member := range due {
		removed, err := s.store.Remove(ctx, member)
		if err != nil {
			s.logger.Warn("timer claim failed", "member", member, "error", err)
			continue
		}
		if !removed {
			// Another poller claimed it first.
			continue
		}
		duelID, warn := SplitKey(member)
		if warn {
			metrics.TimerFiredTotal.WithLabelValues("warning").Inc()
		} else {
			metrics.TimerFiredTotal.WithLabelValues("deadline").Inc()
		}
		s.fire(ctx, duelID, warn)
	}
}

// fire isolates handler panics so one bad duel cannot kill the poll loop.
func (s *Service) fire(ctx context.Context, duelID string, warn bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("timer handler panicked", "duel_id", duelID, "warn", warn, "panic", r)
		}
	}()
	if s.handler == nil {
		s.logger.Warn("timer fired with no handler wired", "duel_id", duelID)
		return
	}
	s.handler(ctx, duelID, warn)
}
