package services

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"settlement-core/internal/models"
)

// Apex numbers are single digits.
const apexDigits = 10

// A Blinder win needs user > system: 45 of the 100 digit pairs.
const blinderWinningPairs = 45

// ApexOdds is the probability and multiplier of one NonBlinder choice. A
// zero probability marks a choice that cannot win.
type ApexOdds struct {
	Probability decimal.Decimal
	Multiplier  decimal.Decimal
}

// ApexChoiceOdds derives the odds of each choice from the system number.
func ApexChoiceOdds(system int) map[models.ApexChoice]ApexOdds {
	counts := map[models.ApexChoice]int{
		models.ChoiceHigh:  apexDigits - 1 - system,
		models.ChoiceLow:   system,
		models.ChoiceEqual: 1,
	}
	out := make(map[models.ApexChoice]ApexOdds, len(counts))
	for choice, n := range counts {
		p := decimal.NewFromInt(int64(n)).Div(decimal.NewFromInt(apexDigits))
		odds := ApexOdds{Probability: p, Multiplier: decimal.Zero}
		if n > 0 {
			odds.Multiplier = edgeMultiplier(decimal.NewFromInt(apexDigits), decimal.NewFromInt(int64(n)))
		}
		out[choice] = odds
	}
	return out
}

// BlinderMultiplier is the fixed payout multiplier of a Blinder win.
func BlinderMultiplier() decimal.Decimal {
	return edgeMultiplier(decimal.NewFromInt(apexDigits*apexDigits), decimal.NewFromInt(blinderWinningPairs))
}

func apexWon(choice models.ApexChoice, system, user int) bool {
	switch choice {
	case models.ChoiceHigh:
		return user > system
	case models.ChoiceLow:
		return user < system
	case models.ChoiceEqual:
		return user == system
	}
	return false
}

// StartApex debits the stake and draws the system number. Blinder sessions
// also draw the user number from the same value and resolve immediately.
func (m *SessionManager) StartApex(ctx context.Context, userID string, stake decimal.Decimal, mode models.ApexMode) (*models.GameSession, error) {
	if mode != models.ApexBlinder && mode != models.ApexNonBlinder {
		return nil, fmt.Errorf("%w: unknown apex option %q", ErrInvalidGameConfig, mode)
	}

	build := func(s *models.GameSession, value [32]byte) error {
		stream := newSeedStream(value, "apex")
		s.Apex = &models.ApexState{
			Mode:         mode,
			SystemNumber: stream.intn(apexDigits),
		}
		if mode == models.ApexBlinder {
			user := stream.intn(apexDigits)
			s.Apex.UserNumber = &user
		}
		return nil
	}
	if mode == models.ApexNonBlinder {
		return m.start(ctx, userID, models.GameApex, stake, build, nil)
	}

	return m.start(ctx, userID, models.GameApex, stake, build, m.settleBlinder)
}

// settleBlinder ends a Blinder session on its drawn numbers.
func (m *SessionManager) settleBlinder(s *models.GameSession) {
	won := *s.Apex.UserNumber > s.Apex.SystemNumber
	payout := decimal.Zero
	if won {
		payout = models.RoundPayout(s.Stake.Mul(BlinderMultiplier()))
	}
	s.End(won, payout, models.EndResolved, m.now())
}

// blinderUnsettled reports a Blinder session stored Active after its numbers
// were drawn, which happens when the write of its result failed.
func blinderUnsettled(s *models.GameSession) bool {
	return s.IsActive() && s.Kind == models.GameApex && s.Apex != nil &&
		s.Apex.Mode == models.ApexBlinder && s.Apex.UserNumber != nil
}

// ChooseApex draws the user number for a NonBlinder session and settles it.
// If the draw fails the session stays Active and the call can be retried.
func (m *SessionManager) ChooseApex(ctx context.Context, userID, sessionID string, choice models.ApexChoice) (*models.GameSession, error) {
	unlock, err := m.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.loadActive(ctx, userID, sessionID, models.GameApex)
	if err != nil {
		return nil, err
	}
	if s.Apex.Mode != models.ApexNonBlinder {
		return nil, fmt.Errorf("%w: blinder sessions resolve at start", ErrInvalidSessionState)
	}

	odds, ok := ApexChoiceOdds(s.Apex.SystemNumber)[choice]
	if !ok {
		return nil, fmt.Errorf("%w: unknown choice %q", ErrInvalidGameConfig, choice)
	}
	if !odds.Probability.IsPositive() {
		return nil, fmt.Errorf("%w: %s cannot win against %d", ErrInvalidGameConfig, choice, s.Apex.SystemNumber)
	}

	value, err := m.rng.Draw(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to draw randomness: %w", err)
	}
	user := newSeedStream(value, "apex").intn(apexDigits)

	s.Apex.UserNumber = &user
	s.Apex.Choice = &choice
	won := apexWon(choice, s.Apex.SystemNumber, user)
	payout := decimal.Zero
	if won {
		payout = models.RoundPayout(s.Stake.Mul(odds.Multiplier))
	}
	s.End(won, payout, models.EndResolved, m.now())
	if err := m.finish(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}
