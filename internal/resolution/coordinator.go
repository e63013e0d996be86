// Package resolution settles finished duels: it picks the winner, moves the
// escrowed pot, and retires the contest session.
//
// The conditional IN_PROGRESS → COMPLETED transition is the gate in front of
// the money move. Whichever caller commits that transition owns settlement;
// everyone else observes COMPLETED and returns the stored result. If
// settlement fails after the gate, the coordinator compensates whatever legs
// were applied and reopens the duel for retry.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veldtgames/duelarena/internal/contest"
	"github.com/veldtgames/duelarena/internal/duel"
	"github.com/veldtgames/duelarena/internal/logging"
	"github.com/veldtgames/duelarena/internal/metrics"
	"github.com/veldtgames/duelarena/internal/retry"
	"github.com/veldtgames/duelarena/internal/traces"
	"github.com/veldtgames/duelarena/internal/treasury"
)

// ErrNotReady means an interactive resolve was attempted before both sides
// finished. Forced resolution never returns it.
var ErrNotReady = errors.New("resolution: both sides have not resolved")

// Treasury is the slice of the treasury service settlement needs.
type Treasury interface {
	Settle(ctx context.Context, loserID, winnerID string, amount int64, ref string) error
	RestoreEscrow(ctx context.Context, characterID string, amount int64, ref string) error
}

// Notifier publishes the completion event.
type Notifier interface {
	DuelEvent(event string, d *duel.Duel)
}

// Coordinator resolves duels.
type Coordinator struct {
	duels    duel.Store
	sessions contest.Store
	treasury Treasury
	timers   duel.Timers
	notifier Notifier
	now      func() time.Time
}

// NewCoordinator creates a resolution coordinator.
func NewCoordinator(duels duel.Store, sessions contest.Store, treasury Treasury, timers duel.Timers, notifier Notifier) *Coordinator {
	return &Coordinator{
		duels:    duels,
		sessions: sessions,
		treasury: treasury,
		timers:   timers,
		notifier: notifier,
		now:      time.Now,
	}
}

// Resolve settles a duel. forced is the timeout path: an unresolved side
// scores zero with a "forfeit" label instead of blocking resolution.
// Resolving a COMPLETED duel returns the stored result without touching any
// balance.
func (c *Coordinator) Resolve(ctx context.Context, duelID string, forced bool) (*duel.Duel, error) {
	ctx, span := traces.StartSpan(ctx, "resolution.Resolve", traces.DuelID(duelID))
	defer span.End()
	start := c.now()

	d, err := c.duels.Get(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if d.Status == duel.StatusCompleted {
		return d, nil
	}
	if d.Status != duel.StatusInProgress {
		return nil, duel.ErrInvalidTransition
	}

	challengerScore, challengedScore, err := c.finalScores(ctx, d, forced)
	if err != nil {
		return nil, err
	}

	// Higher score wins; ties go to the challenger. Documented game rule.
	winnerID, loserID := d.ChallengerID, d.ChallengedID
	if challengedScore > challengerScore {
		winnerID, loserID = d.ChallengedID, d.ChallengerID
	}

	now := c.now()
	d.Status = duel.StatusCompleted
	d.WinnerID = winnerID
	d.FinalScores = &duel.Scores{Challenger: challengerScore, Challenged: challengedScore}
	d.CompletedAt = &now
	d.Resolution = "both_resolved"
	if forced {
		d.Resolution = "forced_timeout"
	}

	if err := c.duels.Update(ctx, d, duel.StatusInProgress); err != nil {
		if errors.Is(err, duel.ErrStaleStatus) {
			// Lost the race. The winner of the transition settles.
			current, gerr := c.duels.Get(ctx, duelID)
			if gerr == nil && current.Status == duel.StatusCompleted {
				return current, nil
			}
			return nil, err
		}
		return nil, err
	}

	if d.Type == duel.TypeWager {
		if err := c.settle(ctx, d, loserID, winnerID); err != nil {
			return nil, err
		}
	}

	if err := c.sessions.Delete(ctx, duelID); err != nil {
		logging.L(ctx).Warn("session cleanup failed after resolution", "duel_id", duelID, "error", err)
	}
	c.timers.Cancel(ctx, duelID)

	metrics.DuelsTerminalTotal.WithLabelValues(string(duel.StatusCompleted)).Inc()
	metrics.DuelResolutionDuration.Observe(c.now().Sub(start).Seconds())
	if c.notifier != nil {
		c.notifier.DuelEvent(duel.EventCompleted, d)
	}
	logging.L(ctx).Info("duel resolved",
		"duel_id", d.ID, "winner_id", winnerID, "forced", forced,
		"score_challenger", challengerScore, "score_challenged", challengedScore)
	return d, nil
}

// finalScores reads both sides' results. A missing session on the forced
// path counts as a double forfeit; interactively it is an error.
func (c *Coordinator) finalScores(ctx context.Context, d *duel.Duel, forced bool) (int, int, error) {
	sess, err := c.sessions.Get(ctx, d.ID)
	if err != nil {
		if forced && errors.Is(err, contest.ErrSessionNotFound) {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	score := func(characterID string) (int, error) {
		side, ok := sess.Sides[characterID]
		// A resolved side with no result is corrupt; treat it as unresolved
		// instead of trusting the flag.
		if !ok || !side.Resolved || side.Result == nil {
			if forced {
				return 0, nil
			}
			return 0, ErrNotReady
		}
		return side.Result.Score, nil
	}

	challengerScore, err := score(d.ChallengerID)
	if err != nil {
		return 0, 0, err
	}
	challengedScore, err := score(d.ChallengedID)
	if err != nil {
		return 0, 0, err
	}
	return challengerScore, challengedScore, nil
}

// settle moves the pot after the COMPLETED transition committed. A clean
// failure (no legs applied) reopens the duel for retry; a partial failure is
// compensated leg by leg.
func (c *Coordinator) settle(ctx context.Context, d *duel.Duel, loserID, winnerID string) error {
	err := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		serr := c.treasury.Settle(ctx, loserID, winnerID, d.WagerAmount, d.ID)
		var partial *treasury.PartialSettleError
		if errors.As(serr, &partial) {
			// Retrying a half-applied settle would double-move gold.
			return retry.Permanent(serr)
		}
		return serr
	})
	if err == nil {
		return nil
	}

	var partial *treasury.PartialSettleError
	if errors.As(err, &partial) {
		c.compensate(ctx, d, loserID, winnerID, partial)
	}

	// Reopen the duel so a later attempt can settle.
	reopened := *d
	reopened.Status = duel.StatusInProgress
	reopened.WinnerID = ""
	reopened.FinalScores = nil
	reopened.CompletedAt = nil
	reopened.Resolution = ""
	if rerr := c.duels.Update(ctx, &reopened, duel.StatusCompleted); rerr != nil {
		metrics.ManualReconciliationTotal.Inc()
		logging.L(ctx).Error("MANUAL RECONCILIATION REQUIRED: settle failed and duel could not be reopened",
			"duel_id", d.ID, "settle_error", err, "reopen_error", rerr)
	}
	return fmt.Errorf("settle failed for duel %s: %w", d.ID, err)
}

// compensate restores the escrow legs a partial settle debited.
func (c *Coordinator) compensate(ctx context.Context, d *duel.Duel, loserID, winnerID string, partial *treasury.PartialSettleError) {
	restore := func(characterID string) bool {
		if err := c.treasury.RestoreEscrow(ctx, characterID, d.WagerAmount, d.ID); err != nil {
			metrics.CompensationsTotal.WithLabelValues("failed").Inc()
			metrics.ManualReconciliationTotal.Inc()
			logging.L(ctx).Error("MANUAL RECONCILIATION REQUIRED: compensation failed after partial settle",
				"duel_id", d.ID, "character_id", characterID,
				"amount", d.WagerAmount, "error", err)
			return false
		}
		return true
	}

	ok := true
	if partial.LoserDebited {
		ok = restore(loserID) && ok
	}
	if partial.WinnerDebited {
		ok = restore(winnerID) && ok
	}
	if ok {
		metrics.CompensationsTotal.WithLabelValues("compensated").Inc()
		logging.L(ctx).Warn("partial settle compensated", "duel_id", d.ID)
	}
}
