package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"settlement-core/internal/models"
	"settlement-core/internal/monitoring"
)

// HouseEdge is the fraction withheld from every fair multiplier.
var HouseEdge = decimal.RequireFromString("0.01")

// Randomness yields one verifiable random value per call. *oracle.Client
// satisfies it.
type Randomness interface {
	Draw(ctx context.Context) ([32]byte, error)
}

// SessionManager runs the Mines and Apex state machines. Every operation on
// a user's session runs under that user's lock, so a move, a cashout and
// the expiry sweep never interleave.
type SessionManager struct {
	ledger   *Ledger
	store    SessionStore
	rng      Randomness
	locks    *UserLocks
	lease    UserLease
	ttl      time.Duration
	now      func() time.Time
	notifier Notifier
	log      *zap.Logger
	metrics  *monitoring.Metrics
}

func NewSessionManager(ledger *Ledger, store SessionStore, rng Randomness, ttl time.Duration, log *zap.Logger, metrics *monitoring.Metrics) *SessionManager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SessionManager{
		ledger:   ledger,
		store:    store,
		rng:      rng,
		locks:    NewUserLocks(),
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
		notifier: nopNotifier{},
		log:      log,
		metrics:  metrics,
	}
}

func (m *SessionManager) SetNotifier(n Notifier) {
	if n != nil {
		m.notifier = n
	}
}

// SetLease makes every session operation also hold the user's lease, for
// deployments where several instances share one session store.
func (m *SessionManager) SetLease(l UserLease) {
	m.lease = l
}

// lock takes the user's in-process lock and, when configured, the user's
// lease.
func (m *SessionManager) lock(ctx context.Context, userID string) (func(), error) {
	unlock := m.locks.Lock(userID)
	if m.lease == nil {
		return unlock, nil
	}
	release, err := m.lease.Acquire(ctx, userID)
	if err != nil {
		unlock()
		return nil, err
	}
	return func() {
		release()
		unlock()
	}, nil
}

func (m *SessionManager) tryLock(ctx context.Context, userID string) (func(), bool) {
	unlock, ok := m.locks.TryLock(userID)
	if !ok {
		return nil, false
	}
	if m.lease == nil {
		return unlock, true
	}
	release, ok, err := m.lease.TryAcquire(ctx, userID)
	if err != nil || !ok {
		unlock()
		return nil, false
	}
	return func() {
		release()
		unlock()
	}, true
}

// Active returns the user's Active session, or nil.
func (m *SessionManager) Active(ctx context.Context, userID string) (*models.GameSession, error) {
	unlock, err := m.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return m.activeSession(ctx, userID)
}

// Get returns a session owned by userID. An ended win still awaiting its
// payout is retried; if the ledger refuses again the session is returned
// as it stands.
func (m *SessionManager) Get(ctx context.Context, userID, sessionID string) (*models.GameSession, error) {
	unlock, err := m.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.load(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	m.payPending(ctx, s)
	return s, nil
}

// start commits a new session. The caller's build func turns one random
// value into the initial session state; the stake debit is the commit
// point, so any failure before it leaves no trace. A non-nil settle runs
// after the commit, still under the user's lock, for games that resolve
// in the same call.
func (m *SessionManager) start(ctx context.Context, userID string, kind models.GameKind, stake decimal.Decimal, build func(s *models.GameSession, value [32]byte) error, settle func(s *models.GameSession)) (*models.GameSession, error) {
	if err := validateStake(stake); err != nil {
		return nil, err
	}

	unlock, err := m.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	active, err := m.activeSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: session %s is still active", ErrInvalidSessionState, active.ID)
	}

	balance, err := m.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(stake) {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, stake)
	}

	value, err := m.rng.Draw(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to draw randomness: %w", err)
	}

	now := m.now()
	session := &models.GameSession{
		ID:        models.NewSessionID(),
		UserID:    userID,
		Kind:      kind,
		Stake:     stake,
		Status:    models.SessionActive,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := build(session, value); err != nil {
		return nil, err
	}

	if _, err := m.ledger.Debit(ctx, userID, Posting{
		Kind:        models.TransactionGameStake,
		Amount:      stake,
		GameType:    kind,
		SessionID:   session.ID,
		Description: fmt.Sprintf("%s game bet", kind),
	}); err != nil {
		return nil, err
	}

	if err := m.store.Put(ctx, session); err != nil {
		m.log.Error("session persist failed after stake debit, refunding",
			zap.String("session_id", session.ID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		if _, rerr := m.ledger.Credit(ctx, userID, Posting{
			Kind:        models.TransactionGameRefund,
			Amount:      stake,
			GameType:    kind,
			SessionID:   session.ID,
			Description: fmt.Sprintf("%s stake refund", kind),
		}); rerr != nil {
			m.log.Error("stake refund failed",
				zap.String("session_id", session.ID),
				zap.String("user_id", userID),
				zap.Error(rerr),
			)
		}
		return nil, fmt.Errorf("failed to save game session: %w", err)
	}

	m.metrics.SessionStarted(string(kind))
	m.log.Info("session started",
		zap.String("session_id", session.ID),
		zap.String("user_id", userID),
		zap.String("game", string(kind)),
		zap.String("stake", stake.String()),
	)

	if settle != nil {
		settle(session)
		if !session.IsActive() {
			if err := m.finish(ctx, session); err != nil {
				return nil, err
			}
		}
	}
	return session, nil
}

// winReference keys a session's payout on the ledger, which accepts a
// reference at most once.
func winReference(sessionID string) string {
	return "session:" + sessionID + ":win"
}

// finish stores a session that has just ended, then pays any win. The
// terminal state is written first so a failed write can never leave an
// Active session behind a paid-out credit. A payout the ledger refuses stays
// pending on the stored session and is retried on the next access or sweep.
func (m *SessionManager) finish(ctx context.Context, s *models.GameSession) error {
	if err := m.end(ctx, s); err != nil {
		return err
	}
	_, err := m.payPending(ctx, s)
	return err
}

func (m *SessionManager) end(ctx context.Context, s *models.GameSession) error {
	if err := m.store.Put(ctx, s); err != nil {
		return fmt.Errorf("failed to save game session: %w", err)
	}

	out := s.Outcome
	m.metrics.SessionEnded(string(s.Kind), string(out.Reason))
	m.log.Info("session ended",
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.String("reason", string(out.Reason)),
		zap.Bool("won", out.Won),
		zap.String("payout", out.Payout.String()),
	)
	m.notifier.NotifyUser(s.UserID, EventSession, map[string]interface{}{
		"id":             s.ID,
		"game":           s.Kind,
		"session_status": s.Status,
		"won":            out.Won,
		"payout":         out.Payout,
	})
	return nil
}

// payPending credits the payout of an ended win that has not been paid. It
// reports whether this call posted the credit. A credit already on the
// ledger under the session's reference only marks the session paid.
func (m *SessionManager) payPending(ctx context.Context, s *models.GameSession) (bool, error) {
	if !s.PayoutPending() {
		return false, nil
	}

	out := s.Outcome
	_, err := m.ledger.Credit(ctx, s.UserID, Posting{
		Kind:        models.TransactionGameWin,
		Amount:      out.Payout,
		GameType:    s.Kind,
		SessionID:   s.ID,
		Reference:   winReference(s.ID),
		Description: fmt.Sprintf("%s win - %s payout", s.Kind, out.Payout),
	})
	if err != nil && !errors.Is(err, errDuplicateReference) {
		m.log.Error("payout credit failed",
			zap.String("session_id", s.ID),
			zap.String("user_id", s.UserID),
			zap.String("payout", out.Payout.String()),
			zap.Error(err),
		)
		return false, fmt.Errorf("failed to credit payout: %w", err)
	}

	out.Paid = true
	if perr := m.store.Put(ctx, s); perr != nil {
		m.log.Warn("payout credited but session not marked paid",
			zap.String("session_id", s.ID),
			zap.Error(perr),
		)
	}
	return err == nil, nil
}

// load fetches a session for its owner and brings it up to date. Must be
// called with the user's lock held.
func (m *SessionManager) load(ctx context.Context, userID, sessionID string) (*models.GameSession, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, ErrSessionNotFound
	}
	if err := m.catchUp(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// catchUp applies what the stored state already decides: a Blinder session
// whose numbers were drawn resolves on them, and an Active session past its
// TTL expires as a loss.
func (m *SessionManager) catchUp(ctx context.Context, s *models.GameSession) error {
	switch {
	case blinderUnsettled(s):
		m.settleBlinder(s)
		if err := m.end(ctx, s); err != nil {
			return err
		}
		// A refused payout stays pending and does not block access.
		m.payPending(ctx, s)
	case s.IsActive() && s.Expired(m.now()):
		return m.expire(ctx, s)
	}
	return nil
}

func (m *SessionManager) loadActive(ctx context.Context, userID, sessionID string, kind models.GameKind) (*models.GameSession, error) {
	s, err := m.load(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Kind != kind {
		return nil, ErrSessionNotFound
	}
	if !s.IsActive() {
		if _, err := m.payPending(ctx, s); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: session %s has ended", ErrInvalidSessionState, s.ID)
	}
	return s, nil
}

func (m *SessionManager) activeSession(ctx context.Context, userID string) (*models.GameSession, error) {
	s, err := m.store.ActiveForUser(ctx, userID)
	if err != nil || s == nil {
		return nil, err
	}
	if err := m.catchUp(ctx, s); err != nil {
		return nil, err
	}
	if !s.IsActive() {
		return nil, nil
	}
	return s, nil
}

// expire closes an Active session as a loss. The stake was debited at
// start, so nothing is posted.
func (m *SessionManager) expire(ctx context.Context, s *models.GameSession) error {
	if !s.End(false, decimal.Zero, models.EndExpired, m.now()) {
		return nil
	}
	return m.finish(ctx, s)
}

// Sweep closes Active sessions past their TTL and purges ended ones whose
// retention has passed. An ended win still awaiting its payout is retried
// instead of purged, and its retention is extended while the ledger refuses
// it. Users whose lock is busy are left for the next run.
func (m *SessionManager) Sweep(ctx context.Context) (expired, purged int, err error) {
	candidates, err := m.store.Expired(ctx, m.now())
	if err != nil {
		return 0, 0, err
	}

	for _, c := range candidates {
		unlock, ok := m.tryLock(ctx, c.UserID)
		if !ok {
			continue
		}

		s, err := m.store.Get(ctx, c.ID)
		switch {
		case errors.Is(err, ErrSessionNotFound):
		case err != nil:
			m.log.Warn("sweep: load session", zap.String("session_id", c.ID), zap.Error(err))
		case s.IsActive():
			if err := m.catchUp(ctx, s); err != nil {
				m.log.Warn("sweep: expire session", zap.String("session_id", s.ID), zap.Error(err))
			} else {
				expired++
			}
		case s.PayoutPending():
			if _, err := m.payPending(ctx, s); err != nil {
				s.ExpiresAt = m.now().Add(m.ttl)
				if err := m.store.Put(ctx, s); err != nil {
					m.log.Warn("sweep: extend unpaid session", zap.String("session_id", s.ID), zap.Error(err))
				}
			}
		default:
			if err := m.store.Delete(ctx, s.ID); err != nil {
				m.log.Warn("sweep: delete session", zap.String("session_id", s.ID), zap.Error(err))
			} else {
				purged++
			}
		}
		unlock()
	}
	return expired, purged, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *SessionManager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, purged, err := m.Sweep(ctx)
			if err != nil {
				m.log.Warn("session sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 || purged > 0 {
				m.log.Info("session sweep", zap.Int("expired", expired), zap.Int("purged", purged))
			}
		}
	}
}

func validateStake(stake decimal.Decimal) error {
	if !stake.IsPositive() {
		return fmt.Errorf("%w: stake must be positive", ErrInvalidAmount)
	}
	if !stake.Equal(stake.Truncate(models.LedgerScale)) {
		return fmt.Errorf("%w: stake has more than %d decimal places", ErrInvalidAmount, models.LedgerScale)
	}
	return nil
}

// edgeMultiplier applies the house edge to the fair multiplier num/den,
// truncated to ledger precision.
func edgeMultiplier(num, den decimal.Decimal) decimal.Decimal {
	q, _ := num.Mul(decimal.NewFromInt(1).Sub(HouseEdge)).QuoRem(den, models.LedgerScale)
	return q
}
