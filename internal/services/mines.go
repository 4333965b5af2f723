package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"settlement-core/internal/models"
)

// allowedGrids are the square board sizes Mines accepts, 2x2 through 8x8.
var allowedGrids = map[int]bool{4: true, 9: true, 16: true, 25: true, 36: true, 49: true, 64: true}

func validateMinesConfig(blocks, mines int) error {
	if !allowedGrids[blocks] {
		return fmt.Errorf("%w: blocks must be a square grid from 4 to 64 cells, got %d", ErrInvalidGameConfig, blocks)
	}
	if mines < 1 || mines >= blocks {
		return fmt.Errorf("%w: mines must be between 1 and %d, got %d", ErrInvalidGameConfig, blocks-1, mines)
	}
	return nil
}

// StartMines debits the stake and hides a mine layout drawn from the oracle.
func (m *SessionManager) StartMines(ctx context.Context, userID string, stake decimal.Decimal, blocks, mines int) (*models.GameSession, error) {
	if err := validateMinesConfig(blocks, mines); err != nil {
		return nil, err
	}

	return m.start(ctx, userID, models.GameMines, stake, func(s *models.GameSession, value [32]byte) error {
		layout := shuffledCells(newSeedStream(value, "mines"), blocks)[:mines]
		sort.Ints(layout)
		s.Mines = &models.MinesState{
			Blocks:          blocks,
			Mines:           mines,
			MinePositions:   layout,
			Revealed:        []int{},
			Actions:         []models.MoveAction{},
			OddsNumerator:   decimal.NewFromInt(1),
			OddsDenominator: decimal.NewFromInt(1),
			Multiplier:      decimal.NewFromInt(1),
		}
		return nil
	}, nil)
}

// RevealMines opens one cell. A mine ends the session with no credit;
// clearing every safe cell ends it as a win at the current multiplier.
func (m *SessionManager) RevealMines(ctx context.Context, userID, sessionID string, block int) (*models.GameSession, error) {
	unlock, err := m.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.loadActive(ctx, userID, sessionID, models.GameMines)
	if err != nil {
		return nil, err
	}
	st := s.Mines
	if block < 1 || block > st.Blocks {
		return nil, fmt.Errorf("%w: block %d out of range 1..%d", ErrInvalidSessionState, block, st.Blocks)
	}
	if st.IsRevealed(block) {
		return nil, fmt.Errorf("%w: block %d already revealed", ErrInvalidSessionState, block)
	}

	now := m.now()
	st.Revealed = append(st.Revealed, block)

	if st.IsMine(block) {
		st.Actions = append(st.Actions, models.MoveAction{Block: block, Multiplier: decimal.Zero, Safe: false})
		s.End(false, decimal.Zero, models.EndMineHit, now)
		if err := m.finish(ctx, s); err != nil {
			return nil, err
		}
		return s, nil
	}

	safeBefore := st.SafeReveals()
	remaining := st.Blocks - safeBefore
	remainingSafe := st.Blocks - st.Mines - safeBefore
	st.OddsNumerator = st.OddsNumerator.Mul(decimal.NewFromInt(int64(remaining)))
	st.OddsDenominator = st.OddsDenominator.Mul(decimal.NewFromInt(int64(remainingSafe)))
	st.Multiplier = edgeMultiplier(st.OddsNumerator, st.OddsDenominator)
	st.Actions = append(st.Actions, models.MoveAction{Block: block, Multiplier: st.Multiplier, Safe: true})

	if st.SafeReveals() == st.Blocks-st.Mines {
		s.End(true, minesPayout(s), models.EndCleared, now)
		if err := m.finish(ctx, s); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := m.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to save game session: %w", err)
	}
	return s, nil
}

// CashoutMines ends the session as a win at the current multiplier.
func (m *SessionManager) CashoutMines(ctx context.Context, userID, sessionID string) (*models.GameSession, error) {
	unlock, err := m.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.load(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Kind != models.GameMines {
		return nil, ErrSessionNotFound
	}
	if !s.IsActive() {
		// A cashout whose payout the ledger refused completes on retry.
		paid, err := m.payPending(ctx, s)
		if err != nil {
			return nil, err
		}
		if paid && s.Outcome.Reason == models.EndCashout {
			return s, nil
		}
		return nil, fmt.Errorf("%w: session %s has ended", ErrInvalidSessionState, s.ID)
	}
	if s.Mines.SafeReveals() == 0 {
		return nil, fmt.Errorf("%w: reveal at least one block before cashing out", ErrInvalidSessionState)
	}

	s.End(true, minesPayout(s), models.EndCashout, m.now())
	if err := m.finish(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func minesPayout(s *models.GameSession) decimal.Decimal {
	return models.RoundPayout(s.Stake.Mul(s.Mines.Multiplier))
}

// MinesPotentialPayout is what a cashout would pay right now.
func MinesPotentialPayout(s *models.GameSession) decimal.Decimal {
	if s.Mines == nil {
		return decimal.Zero
	}
	return minesPayout(s)
}
