package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"settlement-core/internal/models"
	"settlement-core/internal/oracle"
)

type fakeRandomness struct {
	mu     sync.Mutex
	values [][32]byte
	err    error
	calls  int
}

func (f *fakeRandomness) Draw(ctx context.Context) ([32]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return [32]byte{}, f.err
	}
	if len(f.values) > 0 {
		v := f.values[0]
		f.values = f.values[1:]
		return v, nil
	}
	return [32]byte{byte(f.calls), 0xa5}, nil
}

func (f *fakeRandomness) queue(values ...[32]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = append(f.values, values...)
}

func (f *fakeRandomness) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// failingStore rejects writes of new sessions.
type failingStore struct {
	*MemorySessionStore
}

func (f failingStore) Put(ctx context.Context, s *models.GameSession) error {
	return errors.New("store unavailable")
}

// flakyStore accepts a fixed number of writes, then fails every Put until
// allowed again.
type flakyStore struct {
	*MemorySessionStore
	mu     sync.Mutex
	writes int
}

func (f *flakyStore) Put(ctx context.Context, s *models.GameSession) error {
	f.mu.Lock()
	if f.writes == 0 {
		f.mu.Unlock()
		return errors.New("store unavailable")
	}
	f.writes--
	f.mu.Unlock()
	return f.MemorySessionStore.Put(ctx, s)
}

func (f *flakyStore) allow(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = n
}

type sessionFixture struct {
	ledger *Ledger
	store  *MemorySessionStore
	rng    *fakeRandomness
	mgr    *SessionManager
	user   *models.User
	clock  time.Time
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		ledger: newTestLedger(t),
		store:  NewMemorySessionStore(),
		rng:    &fakeRandomness{},
		clock:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.mgr = NewSessionManager(f.ledger, f.store, f.rng, 30*time.Minute, zap.NewNop(), nil)
	f.mgr.now = func() time.Time { return f.clock }
	f.user = newFundedUser(t, f.ledger, "100")
	return f
}

func (f *sessionFixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	bal, err := f.ledger.Balance(context.Background(), f.user.UserID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func (f *sessionFixture) expectBalance(t *testing.T, want string) {
	t.Helper()
	if got := f.balance(t); !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("expected balance %s, got %s", want, got)
	}
	assertReconciled(t, f.ledger, f.user.UserID)
}

func (f *sessionFixture) countKind(t *testing.T, kind models.TransactionKind) int {
	t.Helper()
	txs, err := f.ledger.Transactions(context.Background(), f.user.UserID, 100)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	n := 0
	for _, tx := range txs {
		if tx.Kind == kind {
			n++
		}
	}
	return n
}

// blinderValue finds an oracle value whose Blinder draw wins or loses.
func blinderValue(t *testing.T, win bool) [32]byte {
	t.Helper()
	for i := 0; i < 256; i++ {
		v := [32]byte{byte(i), 0x33}
		st := newSeedStream(v, "apex")
		system, user := st.intn(apexDigits), st.intn(apexDigits)
		if (user > system) == win {
			return v
		}
	}
	t.Fatal("no matching value")
	return [32]byte{}
}

func safeCell(s *models.GameSession) int {
	for b := 1; b <= s.Mines.Blocks; b++ {
		if !s.Mines.IsMine(b) && !s.Mines.IsRevealed(b) {
			return b
		}
	}
	return 0
}

// digitValue finds an oracle value whose first apex digit satisfies ok.
func digitValue(t *testing.T, ok func(d int) bool) [32]byte {
	t.Helper()
	for i := 0; i < 256; i++ {
		v := [32]byte{byte(i), 0x5a}
		if ok(newSeedStream(v, "apex").intn(apexDigits)) {
			return v
		}
	}
	t.Fatal("no matching value")
	return [32]byte{}
}

func TestMinesThreeByThreeCashout(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, err := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 9, 1)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Status != models.SessionActive || !s.Mines.Multiplier.Equal(decimal.NewFromInt(1)) || len(s.Mines.Revealed) != 0 {
		t.Fatalf("unexpected initial state %+v", s.Mines)
	}
	f.expectBalance(t, "90")

	s, err = f.mgr.RevealMines(ctx, f.user.UserID, s.ID, safeCell(s))
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if !s.Mines.Multiplier.Equal(decimal.RequireFromString("1.11375")) {
		t.Fatalf("expected multiplier 1.11375, got %s", s.Mines.Multiplier)
	}
	if !MinesPotentialPayout(s).Equal(decimal.RequireFromString("11.1375")) {
		t.Errorf("expected potential payout 11.1375, got %s", MinesPotentialPayout(s))
	}

	s, err = f.mgr.CashoutMines(ctx, f.user.UserID, s.ID)
	if err != nil {
		t.Fatalf("cashout: %v", err)
	}
	if s.Status != models.SessionEnded || !s.Outcome.Won || !s.Outcome.Payout.Equal(decimal.RequireFromString("11.1375")) {
		t.Fatalf("unexpected outcome %+v", s.Outcome)
	}
	f.expectBalance(t, "101.1375")
}

func TestMinesHouseEdgeAppliedOnceToCumulativeMultiplier(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, err := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 9, 1)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	s, _ = f.mgr.RevealMines(ctx, f.user.UserID, s.ID, safeCell(s))
	s, err = f.mgr.RevealMines(ctx, f.user.UserID, s.ID, safeCell(s))
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}

	// 9/8 * 8/7 = 9/7, discounted once: 0.99 * 9/7 = 1.272857142...
	want := decimal.RequireFromString("1.27285714")
	if !s.Mines.Multiplier.Equal(want) {
		t.Fatalf("expected %s, got %s", want, s.Mines.Multiplier)
	}
	if s.Mines.Actions[0].Multiplier.Equal(s.Mines.Actions[1].Multiplier) {
		t.Error("each safe action should record its running multiplier")
	}
}

func TestMinesInvalidConfigLeavesBalance(t *testing.T) {
	f := newSessionFixture(t)

	tests := []struct {
		blocks, mines int
	}{
		{9, 0},
		{9, 9},
		{9, 12},
		{10, 1},
		{1, 0},
		{81, 3},
	}
	for _, tt := range tests {
		_, err := f.mgr.StartMines(context.Background(), f.user.UserID, decimal.NewFromInt(10), tt.blocks, tt.mines)
		if !errors.Is(err, ErrInvalidGameConfig) {
			t.Errorf("blocks=%d mines=%d: expected ErrInvalidGameConfig, got %v", tt.blocks, tt.mines, err)
		}
	}
	if f.rng.calls != 0 {
		t.Errorf("invalid configs must not draw randomness, got %d draws", f.rng.calls)
	}
	f.expectBalance(t, "100")
}

func TestMinesInvalidStake(t *testing.T) {
	f := newSessionFixture(t)
	for _, amt := range []string{"0", "-5", "0.000000001"} {
		_, err := f.mgr.StartMines(context.Background(), f.user.UserID, decimal.RequireFromString(amt), 9, 1)
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("stake %s: expected ErrInvalidAmount, got %v", amt, err)
		}
	}
	f.expectBalance(t, "100")
}

func TestMinesMineHitEndsWithoutCredit(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, _ := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 25, 3)
	s, _ = f.mgr.RevealMines(ctx, f.user.UserID, s.ID, safeCell(s))

	s, err := f.mgr.RevealMines(ctx, f.user.UserID, s.ID, s.Mines.MinePositions[0])
	if err != nil {
		t.Fatalf("reveal mine: %v", err)
	}
	if s.Status != models.SessionEnded || s.Outcome.Won || !s.Outcome.Payout.IsZero() || s.Outcome.Reason != models.EndMineHit {
		t.Fatalf("unexpected outcome %+v", s.Outcome)
	}
	if len(s.Mines.MinePositions) != 3 {
		t.Errorf("expected full layout, got %v", s.Mines.MinePositions)
	}
	f.expectBalance(t, "90")

	if _, err := f.mgr.RevealMines(ctx, f.user.UserID, s.ID, safeCell(s)); !errors.Is(err, ErrInvalidSessionState) {
		t.Errorf("expected ErrInvalidSessionState after end, got %v", err)
	}
	if _, err := f.mgr.CashoutMines(ctx, f.user.UserID, s.ID); !errors.Is(err, ErrInvalidSessionState) {
		t.Errorf("expected ErrInvalidSessionState on cashout after loss, got %v", err)
	}
	f.expectBalance(t, "90")
}

func TestMinesClearingAllSafeCellsAutoWins(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, _ := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 4, 3)
	s, err := f.mgr.RevealMines(ctx, f.user.UserID, s.ID, safeCell(s))
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}

	// 4/1 discounted once.
	if s.Status != models.SessionEnded || s.Outcome.Reason != models.EndCleared {
		t.Fatalf("expected cleared session, got %s %+v", s.Status, s.Outcome)
	}
	if !s.Outcome.Payout.Equal(decimal.RequireFromString("39.6")) {
		t.Fatalf("expected payout 39.6, got %s", s.Outcome.Payout)
	}
	if !s.Outcome.Payout.Equal(MinesPotentialPayout(s)) {
		t.Error("final payout should equal stake times current multiplier")
	}
	f.expectBalance(t, "129.6")
}

func TestMinesRevealRejections(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, _ := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 9, 1)
	cell := safeCell(s)
	s, _ = f.mgr.RevealMines(ctx, f.user.UserID, s.ID, cell)

	for _, block := range []int{0, 10, cell} {
		if _, err := f.mgr.RevealMines(ctx, f.user.UserID, s.ID, block); !errors.Is(err, ErrInvalidSessionState) {
			t.Errorf("block %d: expected ErrInvalidSessionState, got %v", block, err)
		}
	}
	if _, err := f.mgr.RevealMines(ctx, "someone-else", s.ID, 1); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for another user, got %v", err)
	}
	if _, err := f.mgr.RevealMines(ctx, f.user.UserID, "missing", 1); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMinesCashoutRequiresSafeReveal(t *testing.T) {
	f := newSessionFixture(t)
	s, _ := f.mgr.StartMines(context.Background(), f.user.UserID, decimal.NewFromInt(10), 9, 1)
	if _, err := f.mgr.CashoutMines(context.Background(), f.user.UserID, s.ID); !errors.Is(err, ErrInvalidSessionState) {
		t.Fatalf("expected ErrInvalidSessionState, got %v", err)
	}
	f.expectBalance(t, "90")
}

func TestMinesDoubleCashoutFails(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, _ := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 9, 1)
	s, _ = f.mgr.RevealMines(ctx, f.user.UserID, s.ID, safeCell(s))
	if _, err := f.mgr.CashoutMines(ctx, f.user.UserID, s.ID); err != nil {
		t.Fatalf("cashout: %v", err)
	}
	if _, err := f.mgr.CashoutMines(ctx, f.user.UserID, s.ID); !errors.Is(err, ErrInvalidSessionState) {
		t.Fatalf("expected ErrInvalidSessionState, got %v", err)
	}
	f.expectBalance(t, "101.1375")
}

func TestMinesConcurrentTerminalCallsSettleOnce(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, _ := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 9, 1)
	s, _ = f.mgr.RevealMines(ctx, f.user.UserID, s.ID, safeCell(s))
	mine := s.Mines.MinePositions[0]

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.mgr.CashoutMines(ctx, f.user.UserID, s.ID)
			} else {
				_, err = f.mgr.RevealMines(ctx, f.user.UserID, s.ID, mine)
			}
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if !errors.Is(err, ErrInvalidSessionState) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("expected exactly one terminal transition, got %d", succeeded)
	}
	final, _ := f.mgr.Get(ctx, f.user.UserID, s.ID)
	switch final.Outcome.Reason {
	case models.EndCashout:
		f.expectBalance(t, "101.1375")
	case models.EndMineHit:
		f.expectBalance(t, "90")
	default:
		t.Fatalf("unexpected reason %s", final.Outcome.Reason)
	}
}

func TestStartRejectsSecondActiveSession(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	if _, err := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 9, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.mgr.StartApex(ctx, f.user.UserID, decimal.NewFromInt(10), models.ApexNonBlinder); !errors.Is(err, ErrInvalidSessionState) {
		t.Fatalf("expected ErrInvalidSessionState, got %v", err)
	}
	f.expectBalance(t, "90")
}

func TestStartInsufficientBalance(t *testing.T) {
	f := newSessionFixture(t)
	_, err := f.mgr.StartMines(context.Background(), f.user.UserID, decimal.NewFromInt(101), 9, 1)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if f.rng.calls != 0 {
		t.Error("randomness drawn for an unaffordable stake")
	}
	f.expectBalance(t, "100")
}

func TestOracleTimeoutOnStartDebitsNothing(t *testing.T) {
	f := newSessionFixture(t)
	f.rng.fail(oracle.ErrTimeout)

	_, err := f.mgr.StartMines(context.Background(), f.user.UserID, decimal.NewFromInt(10), 9, 1)
	if !errors.Is(err, oracle.ErrTimeout) {
		t.Fatalf("expected oracle.ErrTimeout, got %v", err)
	}
	if f.store.Len() != 0 {
		t.Error("session persisted after oracle timeout")
	}
	if active, _ := f.mgr.Active(context.Background(), f.user.UserID); active != nil {
		t.Error("active session after oracle timeout")
	}
	f.expectBalance(t, "100")
}

func TestStoreFailureRefundsStake(t *testing.T) {
	f := newSessionFixture(t)
	f.mgr.store = failingStore{NewMemorySessionStore()}

	if _, err := f.mgr.StartMines(context.Background(), f.user.UserID, decimal.NewFromInt(10), 9, 1); err == nil {
		t.Fatal("expected start to fail")
	}
	f.expectBalance(t, "100")

	txs, _ := f.ledger.Transactions(context.Background(), f.user.UserID, 10)
	var refunds int
	for _, tx := range txs {
		if tx.Kind == models.TransactionGameRefund {
			refunds++
		}
	}
	if refunds != 1 {
		t.Errorf("expected one refund row, got %d", refunds)
	}
}

func TestSweepExpiresThenPurges(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, _ := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 9, 1)
	s, _ = f.mgr.RevealMines(ctx, f.user.UserID, s.ID, safeCell(s))

	f.clock = f.clock.Add(31 * time.Minute)
	expired, purged, err := f.mgr.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 1 || purged != 0 {
		t.Fatalf("expected 1 expired 0 purged, got %d %d", expired, purged)
	}

	got, _ := f.mgr.Get(ctx, f.user.UserID, s.ID)
	if got.Status != models.SessionEnded || got.Outcome.Reason != models.EndExpired || got.Outcome.Won {
		t.Fatalf("unexpected expired session %+v", got.Outcome)
	}
	if _, err := f.mgr.CashoutMines(ctx, f.user.UserID, s.ID); !errors.Is(err, ErrInvalidSessionState) {
		t.Errorf("expected ErrInvalidSessionState after expiry, got %v", err)
	}
	f.expectBalance(t, "90")

	_, purged, _ = f.mgr.Sweep(ctx)
	if purged != 1 {
		t.Fatalf("expected ended session purged, got %d", purged)
	}
	if _, err := f.mgr.Get(ctx, f.user.UserID, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected purged session gone, got %v", err)
	}
}

func TestSweepSkipsBusyUsers(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, _ := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 9, 1)
	f.clock = f.clock.Add(time.Hour)

	unlock := f.mgr.locks.Lock(f.user.UserID)
	expired, _, _ := f.mgr.Sweep(ctx)
	unlock()
	if expired != 0 {
		t.Fatalf("sweep touched a locked user")
	}

	stored, _ := f.store.Get(ctx, s.ID)
	if !stored.IsActive() {
		t.Fatal("session changed while its user was locked")
	}
}

func TestLazyExpiryOnAccess(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, _ := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 9, 1)
	f.clock = f.clock.Add(30 * time.Minute)

	if _, err := f.mgr.RevealMines(ctx, f.user.UserID, s.ID, safeCell(s)); !errors.Is(err, ErrInvalidSessionState) {
		t.Fatalf("expected ErrInvalidSessionState, got %v", err)
	}
	stored, _ := f.store.Get(ctx, s.ID)
	if stored.Outcome == nil || stored.Outcome.Reason != models.EndExpired {
		t.Fatalf("expected expired outcome, got %+v", stored.Outcome)
	}

	// An expired session no longer blocks a new one.
	if _, err := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 9, 1); err != nil {
		t.Fatalf("start after expiry: %v", err)
	}
	f.expectBalance(t, "80")
}

func TestApexChoiceOdds(t *testing.T) {
	odds := ApexChoiceOdds(5)
	tests := []struct {
		choice      models.ApexChoice
		probability string
		multiplier  string
	}{
		{models.ChoiceHigh, "0.4", "2.475"},
		{models.ChoiceLow, "0.5", "1.98"},
		{models.ChoiceEqual, "0.1", "9.9"},
	}
	for _, tt := range tests {
		got := odds[tt.choice]
		if !got.Probability.Equal(decimal.RequireFromString(tt.probability)) || !got.Multiplier.Equal(decimal.RequireFromString(tt.multiplier)) {
			t.Errorf("%s: got p=%s m=%s", tt.choice, got.Probability, got.Multiplier)
		}
	}

	if low := ApexChoiceOdds(0)[models.ChoiceLow]; !low.Probability.IsZero() || !low.Multiplier.IsZero() {
		t.Errorf("Low against 0 should be impossible, got %+v", low)
	}
	if m := ApexChoiceOdds(2)[models.ChoiceHigh].Multiplier; !m.Equal(decimal.RequireFromString("1.41428571")) {
		t.Errorf("expected truncated multiplier 1.41428571, got %s", m)
	}
	if !BlinderMultiplier().Equal(decimal.RequireFromString("2.2")) {
		t.Errorf("expected blinder multiplier 2.2, got %s", BlinderMultiplier())
	}
}

func TestApexNonBlinderEqualLoss(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	systemValue := digitValue(t, func(d int) bool { return true })
	system := newSeedStream(systemValue, "apex").intn(apexDigits)
	f.rng.queue(systemValue, digitValue(t, func(d int) bool { return d != system }))

	s, err := f.mgr.StartApex(ctx, f.user.UserID, decimal.NewFromInt(10), models.ApexNonBlinder)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Status != models.SessionActive || s.Apex.SystemNumber != system || s.Apex.UserNumber != nil {
		t.Fatalf("unexpected start state %+v", s.Apex)
	}

	s, err = f.mgr.ChooseApex(ctx, f.user.UserID, s.ID, models.ChoiceEqual)
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if s.Outcome.Won || !s.Outcome.Payout.IsZero() || *s.Apex.UserNumber == system {
		t.Fatalf("expected loss, got %+v user=%d system=%d", s.Outcome, *s.Apex.UserNumber, system)
	}
	f.expectBalance(t, "90")

	if _, err := f.mgr.ChooseApex(ctx, f.user.UserID, s.ID, models.ChoiceHigh); !errors.Is(err, ErrInvalidSessionState) {
		t.Errorf("expected ErrInvalidSessionState on second choose, got %v", err)
	}
}

func TestApexNonBlinderHighWin(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	systemValue := digitValue(t, func(d int) bool { return d < 9 })
	system := newSeedStream(systemValue, "apex").intn(apexDigits)
	f.rng.queue(systemValue, digitValue(t, func(d int) bool { return d > system }))

	s, _ := f.mgr.StartApex(ctx, f.user.UserID, decimal.NewFromInt(10), models.ApexNonBlinder)
	s, err := f.mgr.ChooseApex(ctx, f.user.UserID, s.ID, models.ChoiceHigh)
	if err != nil {
		t.Fatalf("choose: %v", err)
	}

	want := models.RoundPayout(decimal.NewFromInt(10).Mul(ApexChoiceOdds(system)[models.ChoiceHigh].Multiplier))
	if !s.Outcome.Won || !s.Outcome.Payout.Equal(want) {
		t.Fatalf("expected win paying %s, got %+v", want, s.Outcome)
	}
	f.expectBalance(t, decimal.NewFromInt(90).Add(want).String())
}

func TestApexChooseImpossibleChoiceKeepsSession(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	f.rng.queue(digitValue(t, func(d int) bool { return d == 0 }))

	s, _ := f.mgr.StartApex(ctx, f.user.UserID, decimal.NewFromInt(10), models.ApexNonBlinder)
	if _, err := f.mgr.ChooseApex(ctx, f.user.UserID, s.ID, models.ChoiceLow); !errors.Is(err, ErrInvalidGameConfig) {
		t.Fatalf("expected ErrInvalidGameConfig, got %v", err)
	}
	if _, err := f.mgr.ChooseApex(ctx, f.user.UserID, s.ID, "Sideways"); !errors.Is(err, ErrInvalidGameConfig) {
		t.Fatalf("expected ErrInvalidGameConfig for unknown choice, got %v", err)
	}
	active, _ := f.mgr.Active(ctx, f.user.UserID)
	if active == nil || active.ID != s.ID {
		t.Fatal("session should still be active")
	}
}

func TestApexChooseOracleTimeoutKeepsSessionActive(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, _ := f.mgr.StartApex(ctx, f.user.UserID, decimal.NewFromInt(10), models.ApexNonBlinder)
	f.rng.fail(oracle.ErrTimeout)
	if _, err := f.mgr.ChooseApex(ctx, f.user.UserID, s.ID, models.ChoiceEqual); !errors.Is(err, oracle.ErrTimeout) {
		t.Fatalf("expected oracle.ErrTimeout, got %v", err)
	}

	stored, _ := f.store.Get(ctx, s.ID)
	if !stored.IsActive() || stored.Apex.UserNumber != nil {
		t.Fatalf("session should be untouched, got %+v", stored)
	}

	f.rng.fail(nil)
	if _, err := f.mgr.ChooseApex(ctx, f.user.UserID, s.ID, models.ChoiceEqual); err != nil {
		t.Fatalf("retry choose: %v", err)
	}
}

func TestApexBlinderResolvesAtStart(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	var value [32]byte
	for i := 0; i < 256; i++ {
		v := [32]byte{byte(i), 0x33}
		st := newSeedStream(v, "apex")
		system, user := st.intn(apexDigits), st.intn(apexDigits)
		if user > system {
			value = v
			break
		}
	}
	f.rng.queue(value)

	s, err := f.mgr.StartApex(ctx, f.user.UserID, decimal.NewFromInt(10), models.ApexBlinder)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Status != models.SessionEnded || !s.Outcome.Won || !s.Outcome.Payout.Equal(decimal.NewFromInt(22)) {
		t.Fatalf("expected blinder win paying 22, got %s %+v", s.Status, s.Outcome)
	}
	if *s.Apex.UserNumber <= s.Apex.SystemNumber {
		t.Fatalf("user %d should beat system %d", *s.Apex.UserNumber, s.Apex.SystemNumber)
	}
	f.expectBalance(t, "112")

	if _, err := f.mgr.ChooseApex(ctx, f.user.UserID, s.ID, models.ChoiceHigh); !errors.Is(err, ErrInvalidSessionState) {
		t.Errorf("expected ErrInvalidSessionState, got %v", err)
	}
	if active, _ := f.mgr.Active(ctx, f.user.UserID); active != nil {
		t.Error("blinder session left active")
	}
}

func TestApexRejectsUnknownOption(t *testing.T) {
	f := newSessionFixture(t)
	if _, err := f.mgr.StartApex(context.Background(), f.user.UserID, decimal.NewFromInt(10), "Sideways"); !errors.Is(err, ErrInvalidGameConfig) {
		t.Fatalf("expected ErrInvalidGameConfig, got %v", err)
	}
	f.expectBalance(t, "100")
}

func TestCashoutCompletesAfterRefusedPayout(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, _ := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 9, 1)
	s, _ = f.mgr.RevealMines(ctx, f.user.UserID, s.ID, safeCell(s))

	f.ledger.freeze(f.user.UserID, "maintenance")
	if _, err := f.mgr.CashoutMines(ctx, f.user.UserID, s.ID); !errors.Is(err, ErrUserFrozen) {
		t.Fatalf("expected ErrUserFrozen, got %v", err)
	}
	stored, _ := f.store.Get(ctx, s.ID)
	if stored.IsActive() || !stored.PayoutPending() {
		t.Fatalf("expected ended session awaiting payout, got %s %+v", stored.Status, stored.Outcome)
	}
	f.expectBalance(t, "90")

	if err := f.ledger.Unfreeze(ctx, f.user.UserID); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	got, err := f.mgr.CashoutMines(ctx, f.user.UserID, s.ID)
	if err != nil {
		t.Fatalf("retry cashout: %v", err)
	}
	if !got.Outcome.Paid || !got.Outcome.Payout.Equal(decimal.RequireFromString("11.1375")) {
		t.Fatalf("unexpected outcome %+v", got.Outcome)
	}
	f.expectBalance(t, "101.1375")

	if _, err := f.mgr.CashoutMines(ctx, f.user.UserID, s.ID); !errors.Is(err, ErrInvalidSessionState) {
		t.Fatalf("expected ErrInvalidSessionState, got %v", err)
	}
	if n := f.countKind(t, models.TransactionGameWin); n != 1 {
		t.Fatalf("expected one win posting, got %d", n)
	}
	f.expectBalance(t, "101.1375")
}

func TestGetRetriesPendingPayout(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, _ := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 9, 1)
	s, _ = f.mgr.RevealMines(ctx, f.user.UserID, s.ID, safeCell(s))
	f.ledger.freeze(f.user.UserID, "maintenance")
	f.mgr.CashoutMines(ctx, f.user.UserID, s.ID)

	got, err := f.mgr.Get(ctx, f.user.UserID, s.ID)
	if err != nil {
		t.Fatalf("get while frozen: %v", err)
	}
	if !got.PayoutPending() {
		t.Fatal("payout should still be pending")
	}

	f.ledger.Unfreeze(ctx, f.user.UserID)
	got, err = f.mgr.Get(ctx, f.user.UserID, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Outcome.Paid {
		t.Fatal("payout not retried on read")
	}
	f.expectBalance(t, "101.1375")
}

func TestSweepRetriesPendingPayout(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, _ := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 9, 1)
	s, _ = f.mgr.RevealMines(ctx, f.user.UserID, s.ID, safeCell(s))
	f.ledger.freeze(f.user.UserID, "maintenance")
	f.mgr.CashoutMines(ctx, f.user.UserID, s.ID)

	f.clock = f.clock.Add(31 * time.Minute)
	if _, purged, _ := f.mgr.Sweep(ctx); purged != 0 {
		t.Fatal("unpaid session purged")
	}
	stored, _ := f.store.Get(ctx, s.ID)
	if !stored.PayoutPending() || !stored.ExpiresAt.Equal(f.clock.Add(30*time.Minute)) {
		t.Fatalf("expected retention extended for unpaid session, got expires_at %s", stored.ExpiresAt)
	}

	f.ledger.Unfreeze(ctx, f.user.UserID)
	f.clock = f.clock.Add(31 * time.Minute)
	f.mgr.Sweep(ctx)
	stored, _ = f.store.Get(ctx, s.ID)
	if stored.PayoutPending() {
		t.Fatal("sweep did not pay the pending win")
	}
	f.expectBalance(t, "101.1375")

	if _, purged, _ := f.mgr.Sweep(ctx); purged != 1 {
		t.Fatalf("expected paid session purged, got %d", purged)
	}
	if n := f.countKind(t, models.TransactionGameWin); n != 1 {
		t.Fatalf("expected one win posting, got %d", n)
	}
}

func TestLostPaidMarkDoesNotPayTwice(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, _ := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 9, 1)
	s, _ = f.mgr.RevealMines(ctx, f.user.UserID, s.ID, safeCell(s))

	// The terminal write lands but marking the session paid does not.
	flaky := &flakyStore{MemorySessionStore: f.store, writes: 1}
	f.mgr.store = flaky
	if _, err := f.mgr.CashoutMines(ctx, f.user.UserID, s.ID); err != nil {
		t.Fatalf("cashout: %v", err)
	}
	stored, _ := f.store.Get(ctx, s.ID)
	if !stored.PayoutPending() {
		t.Fatal("expected stored session without paid mark")
	}

	flaky.allow(10)
	got, err := f.mgr.Get(ctx, f.user.UserID, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Outcome.Paid {
		t.Fatal("paid mark not repaired")
	}
	if n := f.countKind(t, models.TransactionGameWin); n != 1 {
		t.Fatalf("expected one win posting, got %d", n)
	}
	f.expectBalance(t, "101.1375")
}

func TestBlinderResultRecoveredAfterFailedWrite(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	flaky := &flakyStore{MemorySessionStore: f.store, writes: 1}
	f.mgr.store = flaky
	f.rng.queue(blinderValue(t, true))

	if _, err := f.mgr.StartApex(ctx, f.user.UserID, decimal.NewFromInt(10), models.ApexBlinder); err == nil {
		t.Fatal("expected start to report the failed write")
	}
	active, _ := f.store.ActiveForUser(ctx, f.user.UserID)
	if active == nil || active.Apex.UserNumber == nil {
		t.Fatal("expected drawn blinder session left active")
	}
	f.expectBalance(t, "90")

	flaky.allow(10)
	if got, err := f.mgr.Active(ctx, f.user.UserID); err != nil || got != nil {
		t.Fatalf("expected no active session, got %v %v", got, err)
	}
	stored, _ := f.store.Get(ctx, active.ID)
	if stored.Outcome == nil || stored.Outcome.Reason != models.EndResolved || !stored.Outcome.Won || !stored.Outcome.Paid {
		t.Fatalf("expected resolved paid win, got %+v", stored.Outcome)
	}
	f.expectBalance(t, "112")
}

func TestSweepResolvesDrawnBlinderInsteadOfExpiring(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	flaky := &flakyStore{MemorySessionStore: f.store, writes: 1}
	f.mgr.store = flaky
	f.rng.queue(blinderValue(t, true))
	f.mgr.StartApex(ctx, f.user.UserID, decimal.NewFromInt(10), models.ApexBlinder)

	flaky.allow(10)
	f.clock = f.clock.Add(time.Hour)
	if expired, _, err := f.mgr.Sweep(ctx); err != nil || expired != 1 {
		t.Fatalf("expected one session closed, got %d %v", expired, err)
	}

	active, _ := f.store.Expired(ctx, f.clock)
	if len(active) != 1 {
		t.Fatalf("expected the ended session retained, got %d", len(active))
	}
	out := active[0].Outcome
	if out == nil || out.Reason != models.EndResolved || !out.Won {
		t.Fatalf("expected blinder resolved on its draw, got %+v", out)
	}
	f.expectBalance(t, "112")
}

func TestSessionLeaseSerializesAcrossInstances(t *testing.T) {
	f := newSessionFixture(t)
	_, client := newTestRedis(t)
	lease := NewRedisUserLease(client, time.Minute)
	f.mgr.SetLease(lease)
	ctx := context.Background()

	// Another instance holds the user's lease.
	release, ok, err := lease.TryAcquire(ctx, f.user.UserID)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := f.mgr.StartMines(waitCtx, f.user.UserID, decimal.NewFromInt(10), 9, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while the lease is held, got %v", err)
	}
	f.expectBalance(t, "100")

	release()
	s, err := f.mgr.StartMines(ctx, f.user.UserID, decimal.NewFromInt(10), 9, 1)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	release, ok, _ = lease.TryAcquire(ctx, f.user.UserID)
	if !ok {
		t.Fatal("lease not released after start")
	}
	f.clock = f.clock.Add(time.Hour)
	if expired, _, _ := f.mgr.Sweep(ctx); expired != 0 {
		t.Fatal("sweep touched a user leased elsewhere")
	}
	release()

	if expired, _, _ := f.mgr.Sweep(ctx); expired != 1 {
		t.Fatal("sweep skipped a free user")
	}
	got, _ := f.store.Get(ctx, s.ID)
	if got.Outcome == nil || got.Outcome.Reason != models.EndExpired {
		t.Fatalf("expected expired session, got %+v", got.Outcome)
	}
}
