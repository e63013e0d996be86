package duel

import (
	"context"
	"fmt"
	"time"

	"github.com/veldtgames/duelarena/internal/idgen"
	"github.com/veldtgames/duelarena/internal/lease"
	"github.com/veldtgames/duelarena/internal/logging"
	"github.com/veldtgames/duelarena/internal/metrics"
	"github.com/veldtgames/duelarena/internal/syncutil"
)

// Treasury is the slice of the treasury service the duel state machine needs.
type Treasury interface {
	Lock(ctx context.Context, characterID string, amount int64, ref string) error
	Unlock(ctx context.Context, characterID string, amount int64, ref string) error
}

// Timers schedules and cancels deadline timers. Implementations are
// best-effort: a dropped timer is caught by the sweep, never surfaced here.
type Timers interface {
	Schedule(ctx context.Context, duelID string, delay time.Duration)
	ScheduleWarning(ctx context.Context, duelID string, delay time.Duration)
	Reschedule(ctx context.Context, duelID string, delay, warnLead time.Duration)
	Cancel(ctx context.Context, duelID string)
}

// Sessions creates the per-duel contest session when play begins.
type Sessions interface {
	CreateSession(ctx context.Context, duelID, challengerID, challengedID string) error
}

// Resolver settles IN_PROGRESS duels. Wired after construction because the
// resolution coordinator itself depends on this service's store.
type Resolver interface {
	Resolve(ctx context.Context, duelID string, forced bool) (*Duel, error)
}

// Notifier publishes duel lifecycle events to connected clients.
type Notifier interface {
	DuelEvent(event string, d *Duel)
}

// Lifecycle event names pushed through the Notifier.
const (
	EventChallengeCreated   = "duel.challenge.created"
	EventChallengeAccepted  = "duel.challenge.accepted"
	EventChallengeDeclined  = "duel.challenge.declined"
	EventChallengeCancelled = "duel.challenge.cancelled"
	EventChallengeExpired   = "duel.challenge.expired"
	EventStarted            = "duel.started"
	EventCompleted          = "duel.completed"
	EventExpiringSoon       = "duel.expiring_soon"
)

// Config carries the service's timing and wager limits.
type Config struct {
	ChallengeExpiry time.Duration
	PlayWindow      time.Duration
	ExpiryWarning   time.Duration
	MaxWager        int64
	LeaseTTL        time.Duration
}

// Service drives the duel state machine.
type Service struct {
	store    Store
	treasury Treasury
	timers   Timers
	sessions Sessions
	leases   lease.Store
	notifier Notifier
	resolver Resolver
	cfg      Config

	// In-process serialization per duel ID. Cross-process races are caught
	// by the store's conditional updates; this just keeps one process from
	// burning round-trips on transitions it would lose anyway.
	locks *syncutil.ShardedMutex

	now func() time.Time
}

// NewService creates a duel service.
func NewService(store Store, treasury Treasury, timers Timers, sessions Sessions, leases lease.Store, notifier Notifier, cfg Config) *Service {
	return &Service{
		store:    store,
		treasury: treasury,
		timers:   timers,
		sessions: sessions,
		leases:   leases,
		notifier: notifier,
		cfg:      cfg,
		locks:    syncutil.NewShardedMutex(),
		now:      time.Now,
	}
}

// SetResolver wires the resolution coordinator for forced timeout settlement.
func (s *Service) SetResolver(r Resolver) { s.resolver = r }

// CreateRequest is the input for CreateChallenge.
type CreateRequest struct {
	ChallengerID string `json:"challengerId"`
	ChallengedID string `json:"challengedId"`
	Type         Type   `json:"type"`
	WagerAmount  int64  `json:"wagerAmount"`
}

// CreateChallenge validates the request, escrows the challenger's stake for
// WAGER duels, and persists a PENDING duel with an accept deadline.
//
// A short advisory lease on the challenger serializes concurrent creation
// attempts across server processes, so two in-flight challenges cannot both
// pass the balance check against the same spendable gold.
func (s *Service) CreateChallenge(ctx context.Context, req CreateRequest) (*Duel, error) {
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	token := idgen.Token(16)
	leaseKey := "challenge:" + req.ChallengerID
	if err := s.leases.Acquire(ctx, leaseKey, token, s.cfg.LeaseTTL); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.leases.Release(ctx, leaseKey, token); err != nil {
			logging.L(ctx).Warn("lease release failed", "key", leaseKey, "error", err)
		}
	}()

	now := s.now()
	d := &Duel{
		ID:           idgen.WithPrefix("duel_"),
		ChallengerID: req.ChallengerID,
		ChallengedID: req.ChallengedID,
		Type:         req.Type,
		WagerAmount:  req.WagerAmount,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.ChallengeExpiry),
	}

	if d.Type == TypeWager {
		if err := s.treasury.Lock(ctx, d.ChallengerID, d.WagerAmount, d.ID); err != nil {
			return nil, err
		}
	}

	if err := s.store.Create(ctx, d); err != nil {
		if d.Type == TypeWager {
			// Best-effort compensating unlock. If this also fails the
			// stake stays escrowed until reconciliation.
			if uerr := s.treasury.Unlock(ctx, d.ChallengerID, d.WagerAmount, d.ID); uerr != nil {
				metrics.ManualReconciliationTotal.Inc()
				logging.L(ctx).Error("MANUAL RECONCILIATION REQUIRED: stake locked for duel that failed to persist",
					"duel_id", d.ID, "character_id", d.ChallengerID,
					"amount", d.WagerAmount, "error", uerr)
			}
		}
		return nil, err
	}

	s.timers.Schedule(ctx, d.ID, s.cfg.ChallengeExpiry)
	if s.cfg.ChallengeExpiry > s.cfg.ExpiryWarning {
		s.timers.ScheduleWarning(ctx, d.ID, s.cfg.ChallengeExpiry-s.cfg.ExpiryWarning)
	}

	metrics.DuelsCreatedTotal.WithLabelValues(string(d.Type)).Inc()
	s.notify(EventChallengeCreated, d)
	logging.L(ctx).Info("challenge created",
		"duel_id", d.ID, "type", d.Type, "wager", d.WagerAmount,
		"challenger_id", d.ChallengerID, "challenged_id", d.ChallengedID)
	return d, nil
}

func (s *Service) validateCreate(req CreateRequest) error {
	if req.ChallengerID == req.ChallengedID {
		return fmt.Errorf("%w: cannot challenge yourself", ErrValidation)
	}
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown duel type %q", ErrValidation, req.Type)
	}
	switch req.Type {
	case TypeWager:
		if req.WagerAmount <= 0 {
			return fmt.Errorf("%w: wager duels require a positive wager", ErrValidation)
		}
		if req.WagerAmount > s.cfg.MaxWager {
			return fmt.Errorf("%w: wager exceeds maximum of %d", ErrValidation, s.cfg.MaxWager)
		}
	default:
		if req.WagerAmount != 0 {
			return fmt.Errorf("%w: only wager duels carry a wager", ErrValidation)
		}
	}
	return nil
}

// AcceptChallenge moves a PENDING duel to ACCEPTED, escrowing the challenged
// party's stake first. Only the challenged party may accept, and only before
// the accept deadline.
func (s *Service) AcceptChallenge(ctx context.Context, duelID, callerID string) (*Duel, error) {
	unlock := s.locks.Lock(duelID)
	defer unlock()

	d, err := s.store.Get(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if callerID != d.ChallengedID {
		return nil, ErrUnauthorized
	}
	if d.Status != StatusPending {
		return nil, ErrInvalidTransition
	}
	now := s.now()
	if !now.Before(d.ExpiresAt) {
		return nil, ErrChallengeExpired
	}

	if d.Type == TypeWager {
		if err := s.treasury.Lock(ctx, d.ChallengedID, d.WagerAmount, d.ID); err != nil {
			return nil, err
		}
	}

	d.Status = StatusAccepted
	d.AcceptedAt = &now
	d.ExpiresAt = now.Add(s.cfg.PlayWindow)
	if err := s.store.Update(ctx, d, StatusPending); err != nil {
		if d.Type == TypeWager {
			if uerr := s.treasury.Unlock(ctx, d.ChallengedID, d.WagerAmount, d.ID); uerr != nil {
				metrics.ManualReconciliationTotal.Inc()
				logging.L(ctx).Error("MANUAL RECONCILIATION REQUIRED: stake locked for accept that failed to commit",
					"duel_id", d.ID, "character_id", d.ChallengedID,
					"amount", d.WagerAmount, "error", uerr)
			}
		}
		return nil, err
	}

	s.timers.Reschedule(ctx, d.ID, s.cfg.PlayWindow, s.cfg.ExpiryWarning)
	s.notify(EventChallengeAccepted, d)
	logging.L(ctx).Info("challenge accepted", "duel_id", d.ID, "challenged_id", callerID)
	return d, nil
}

// DeclineChallenge terminates a PENDING duel as DECLINED and returns the
// challenger's stake. Only the challenged party may decline.
func (s *Service) DeclineChallenge(ctx context.Context, duelID, callerID string) (*Duel, error) {
	return s.terminatePending(ctx, duelID, callerID, StatusDeclined)
}

// CancelChallenge terminates a PENDING duel as CANCELLED and returns the
// challenger's stake. Only the challenger may cancel.
func (s *Service) CancelChallenge(ctx context.Context, duelID, callerID string) (*Duel, error) {
	return s.terminatePending(ctx, duelID, callerID, StatusCancelled)
}

func (s *Service) terminatePending(ctx context.Context, duelID, callerID string, to Status) (*Duel, error) {
	unlock := s.locks.Lock(duelID)
	defer unlock()

	d, err := s.store.Get(ctx, duelID)
	if err != nil {
		return nil, err
	}
	switch to {
	case StatusDeclined:
		if callerID != d.ChallengedID {
			return nil, ErrUnauthorized
		}
	case StatusCancelled:
		if callerID != d.ChallengerID {
			return nil, ErrUnauthorized
		}
	}
	if d.Status != StatusPending {
		return nil, ErrInvalidTransition
	}
	if !s.now().Before(d.ExpiresAt) {
		return nil, ErrChallengeExpired
	}

	d.Status = to
	if err := s.store.Update(ctx, d, StatusPending); err != nil {
		return nil, err
	}

	// Transition committed first: the terminal status guarantees no other
	// path will touch this escrow again, so the unlock cannot double-apply.
	if d.Type == TypeWager {
		if err := s.treasury.Unlock(ctx, d.ChallengerID, d.WagerAmount, d.ID); err != nil {
			metrics.ManualReconciliationTotal.Inc()
			logging.L(ctx).Error("MANUAL RECONCILIATION REQUIRED: stake refund failed on terminal transition",
				"duel_id", d.ID, "character_id", d.ChallengerID,
				"amount", d.WagerAmount, "status", to, "error", err)
		}
	}

	s.timers.Cancel(ctx, d.ID)
	metrics.DuelsTerminalTotal.WithLabelValues(string(to)).Inc()
	if to == StatusDeclined {
		s.notify(EventChallengeDeclined, d)
	} else {
		s.notify(EventChallengeCancelled, d)
	}
	logging.L(ctx).Info("challenge terminated", "duel_id", d.ID, "status", to)
	return d, nil
}

// StartContest moves an ACCEPTED duel to IN_PROGRESS and creates the contest
// session both parties play in. Either participant may start.
func (s *Service) StartContest(ctx context.Context, duelID, callerID string) (*Duel, error) {
	unlock := s.locks.Lock(duelID)
	defer unlock()

	d, err := s.store.Get(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if !d.HasParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	if d.Status != StatusAccepted {
		return nil, ErrInvalidTransition
	}
	if !s.now().Before(d.ExpiresAt) {
		return nil, ErrChallengeExpired
	}

	// Session creation is idempotent per duel, so creating it before the
	// transition means a lost transition race leaves nothing to clean up.
	if err := s.sessions.CreateSession(ctx, d.ID, d.ChallengerID, d.ChallengedID); err != nil {
		return nil, err
	}

	now := s.now()
	d.Status = StatusInProgress
	d.StartedAt = &now
	if err := s.store.Update(ctx, d, StatusAccepted); err != nil {
		return nil, err
	}

	s.notify(EventStarted, d)
	logging.L(ctx).Info("contest started", "duel_id", d.ID, "started_by", callerID)
	return d, nil
}

// GetDuel returns a duel visible to the caller.
func (s *Service) GetDuel(ctx context.Context, duelID string) (*Duel, error) {
	return s.store.Get(ctx, duelID)
}

// ListByCharacter returns a character's duels, newest first.
func (s *Service) ListByCharacter(ctx context.Context, characterID string, limit int) ([]*Duel, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByCharacter(ctx, characterID, limit)
}

// HandleDeadline is the timer callback. Warnings notify; real deadlines run
// the same logic as the sweep for a single duel.
func (s *Service) HandleDeadline(ctx context.Context, duelID string, warn bool) {
	d, err := s.store.Get(ctx, duelID)
	if err != nil {
		logging.L(ctx).Warn("deadline fired for unknown duel", "duel_id", duelID, "error", err)
		return
	}
	if warn {
		if !d.Status.Terminal() {
			s.notify(EventExpiringSoon, d)
		}
		return
	}
	if err := s.expireOrResolve(ctx, d); err != nil {
		logging.L(ctx).Error("deadline handling failed", "duel_id", duelID, "error", err)
	}
}

// SweepExpired scans for duels past their deadline and drives each to its
// timeout outcome. It is the safety net behind the timer service: correct if
// every timer fired, and correct if none did.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpired(ctx, s.now(), 100)
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, d := range expired {
		if err := s.expireOrResolve(ctx, d); err != nil {
			logging.L(ctx).Warn("sweep failed for duel", "duel_id", d.ID, "error", err)
			continue
		}
		handled++
	}
	return handled, nil
}

func (s *Service) expireOrResolve(ctx context.Context, d *Duel) error {
	// A timer claim races with transitions that move the deadline: accept
	// reschedules PENDING expiry to the play window, so a fire claimed just
	// before the accept committed arrives with an hour left. Never act on a
	// deadline that has not passed; the rescheduled timer or the sweep
	// handles the real one.
	if s.now().Before(d.ExpiresAt) {
		return nil
	}
	switch d.Status {
	case StatusPending:
		return s.expire(ctx, d, StatusPending, d.ChallengerID)
	case StatusAccepted:
		// Play window elapsed before anyone started the contest. Both
		// stakes are escrowed; both come back.
		return s.expire(ctx, d, StatusAccepted, d.ChallengerID, d.ChallengedID)
	case StatusInProgress:
		if s.resolver == nil {
			return fmt.Errorf("no resolver wired for in-progress duel %s", d.ID)
		}
		_, err := s.resolver.Resolve(ctx, d.ID, true)
		return err
	default:
		// Terminal already; a racing process got here first.
		return nil
	}
}

func (s *Service) expire(ctx context.Context, d *Duel, from Status, refundIDs ...string) error {
	d.Status = StatusExpired
	if err := s.store.Update(ctx, d, from); err != nil {
		if err == ErrStaleStatus {
			return nil
		}
		return err
	}

	if d.Type == TypeWager {
		for _, characterID := range refundIDs {
			if err := s.treasury.Unlock(ctx, characterID, d.WagerAmount, d.ID); err != nil {
				metrics.ManualReconciliationTotal.Inc()
				logging.L(ctx).Error("MANUAL RECONCILIATION REQUIRED: stake refund failed on expiry",
					"duel_id", d.ID, "character_id", characterID,
					"amount", d.WagerAmount, "error", err)
			}
		}
	}

	s.timers.Cancel(ctx, d.ID)
	metrics.DuelsTerminalTotal.WithLabelValues(string(StatusExpired)).Inc()
	s.notify(EventChallengeExpired, d)
	logging.L(ctx).Info("duel expired", "duel_id", d.ID, "from", from)
	return nil
}

func (s *Service) notify(event string, d *Duel) {
	if s.notifier != nil {
		s.notifier.DuelEvent(event, d)
	}
}
