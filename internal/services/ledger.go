package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"settlement-core/internal/models"
	"settlement-core/internal/monitoring"
)

// Posting describes one balance change. Amount is always positive; the
// direction comes from the ledger operation used.
type Posting struct {
	Kind        models.TransactionKind
	Amount      decimal.Decimal
	GameType    models.GameKind
	SessionID   string
	Reference   string
	Description string
}

type ReconcileResult struct {
	UserID       string          `json:"user_id"`
	Balance      decimal.Decimal `json:"balance"`
	Sum          decimal.Decimal `json:"transaction_sum"`
	Transactions int             `json:"transactions"`
	Consistent   bool            `json:"consistent"`
	Frozen       bool            `json:"frozen"`
}

// Ledger is the only writer of user balances. Every change runs under the
// user's lock inside one database transaction that updates the balance row
// and appends the matching LedgerTransaction.
type Ledger struct {
	db       *gorm.DB
	locks    *UserLocks
	custody  Custody
	notifier Notifier
	log      *zap.Logger
	metrics  *monitoring.Metrics

	mu     sync.RWMutex
	frozen map[string]string
}

func NewLedger(db *gorm.DB, custody Custody, log *zap.Logger, metrics *monitoring.Metrics) *Ledger {
	return &Ledger{
		db:       db,
		locks:    NewUserLocks(),
		custody:  custody,
		notifier: nopNotifier{},
		log:      log,
		metrics:  metrics,
		frozen:   make(map[string]string),
	}
}

func (l *Ledger) SetNotifier(n Notifier) {
	if n != nil {
		l.notifier = n
	}
}

// CreateUser allocates a custodial address and stores the user together
// with its monitored address. scanFrom is the chain height the deposit
// monitor starts after.
func (l *Ledger) CreateUser(ctx context.Context, externalAddress string, scanFrom uint64) (*models.User, error) {
	if externalAddress == "" {
		return nil, fmt.Errorf("external address is required")
	}
	custodial, err := l.custody.NewDepositAddress()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user := &models.User{
		UserID:           uuid.NewString(),
		CustodialAddress: custodial,
		ExternalAddress:  externalAddress,
		Balance:          decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		addr := &models.MonitoredAddress{
			Address:    custodial,
			UserID:     user.UserID,
			ScanCursor: scanFrom,
			UpdatedAt:  now,
		}
		if err := tx.Create(addr).Error; err != nil {
			return fmt.Errorf("failed to create monitored address: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("user created",
		zap.String("user_id", user.UserID),
		zap.String("custodial_address", custodial),
	)
	return user, nil
}

func (l *Ledger) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := l.db.WithContext(ctx).First(&user, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	user, err := l.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return user.Balance, nil
}

// Transactions returns the newest transactions first.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]models.LedgerTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var txs []models.LedgerTransaction
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// Debit removes p.Amount from the balance, failing with
// ErrInsufficientBalance rather than going negative.
func (l *Ledger) Debit(ctx context.Context, userID string, p Posting) (decimal.Decimal, error) {
	row, err := l.post(ctx, userID, p, true)
	if err != nil {
		return decimal.Zero, err
	}
	return row.BalanceAfter, nil
}

func (l *Ledger) Credit(ctx context.Context, userID string, p Posting) (decimal.Decimal, error) {
	row, err := l.post(ctx, userID, p, false)
	if err != nil {
		return decimal.Zero, err
	}
	return row.BalanceAfter, nil
}

// RecordIfNew credits a deposit once per external reference. A repeated
// reference reports credited=false and leaves the balance alone.
func (l *Ledger) RecordIfNew(ctx context.Context, reference, userID string, amount decimal.Decimal, description string) (bool, error) {
	if reference == "" {
		return false, fmt.Errorf("external reference is required")
	}
	_, err := l.post(ctx, userID, Posting{
		Kind:        models.TransactionDeposit,
		Amount:      amount,
		Reference:   reference,
		Description: description,
	}, false)
	if errors.Is(err, errDuplicateReference) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Ledger) post(ctx context.Context, userID string, p Posting, debit bool) (*models.LedgerTransaction, error) {
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, p.Amount)
	}
	if !p.Amount.Equal(p.Amount.Truncate(models.LedgerScale)) {
		return nil, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, p.Amount, models.LedgerScale)
	}
	if l.IsFrozen(userID) {
		return nil, ErrUserFrozen
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	delta := p.Amount
	if debit {
		delta = p.Amount.Neg()
	}

	var row models.LedgerTransaction
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.Reference != "" {
			var count int64
			if err := tx.Model(&models.LedgerTransaction{}).
				Where("external_reference = ?", p.Reference).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return errDuplicateReference
			}
		}

		var user models.User
		if err := tx.First(&user, "user_id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		balance := user.Balance.Add(delta)
		if balance.IsNegative() {
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, user.Balance, p.Amount)
		}

		now := time.Now().UTC()
		res := tx.Model(&models.User{}).
			Where("user_id = ? AND version = ?", userID, user.Version).
			Updates(map[string]interface{}{
				"balance":    balance,
				"version":    user.Version + 1,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return errStaleBalance
		}

		row = models.LedgerTransaction{
			ID:           models.NewTransactionID(),
			UserID:       userID,
			Kind:         p.Kind,
			Amount:       delta,
			BalanceAfter: balance,
			GameType:     string(p.GameType),
			Description:  p.Description,
			CreatedAt:    now,
		}
		if p.SessionID != "" {
			row.GameSessionID = &p.SessionID
		}
		if p.Reference != "" {
			row.ExternalReference = &p.Reference
		}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicateReference
			}
			return err
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientBalance),
			errors.Is(err, ErrUserNotFound),
			errors.Is(err, errDuplicateReference):
			return nil, err
		}
		l.log.Error("ledger posting failed",
			zap.String("user_id", userID),
			zap.String("kind", string(p.Kind)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to post %s: %w", p.Kind, err)
	}

	l.metrics.LedgerPosted(string(p.Kind))
	l.log.Debug("ledger posting",
		zap.String("user_id", userID),
		zap.String("kind", string(p.Kind)),
		zap.String("amount", delta.String()),
		zap.String("balance", row.BalanceAfter.String()),
	)
	l.notifier.NotifyUser(userID, EventBalance, map[string]interface{}{
		"balance":     row.BalanceAfter,
		"kind":        row.Kind,
		"amount":      row.Amount,
		"transaction": row.ID,
	})
	return &row, nil
}

// Reconcile checks that the user's balance equals the sum of their
// transactions. A mismatch freezes the user for further writes.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*ReconcileResult, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()

	var (
		user models.User
		rows []models.LedgerTransaction
	)
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&user, "user_id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		return tx.Select("amount").Where("user_id = ?", userID).Find(&rows).Error
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to reconcile: %w", err)
	}

	sum := decimal.Zero
	for _, r := range rows {
		sum = sum.Add(r.Amount)
	}
	result := &ReconcileResult{
		UserID:       userID,
		Balance:      user.Balance,
		Sum:          sum,
		Transactions: len(rows),
		Consistent:   sum.Equal(user.Balance),
	}

	if !result.Consistent {
		l.freeze(userID, fmt.Sprintf("balance %s != transaction sum %s", user.Balance, sum))
		l.log.Error("ledger inconsistency detected, user frozen",
			zap.String("user_id", userID),
			zap.String("balance", user.Balance.String()),
			zap.String("transaction_sum", sum.String()),
		)
		result.Frozen = true
		return result, ErrLedgerInconsistency
	}
	result.Frozen = l.IsFrozen(userID)
	return result, nil
}

// ReconcileAll runs Reconcile for every user and returns how many were
// inconsistent.
func (l *Ledger) ReconcileAll(ctx context.Context) (int, error) {
	var ids []string
	if err := l.db.WithContext(ctx).Model(&models.User{}).Pluck("user_id", &ids).Error; err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}

	bad := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return bad, ctx.Err()
		}
		if _, err := l.Reconcile(ctx, id); err != nil {
			if errors.Is(err, ErrLedgerInconsistency) {
				bad++
				continue
			}
			l.log.Warn("reconcile failed", zap.String("user_id", id), zap.Error(err))
		}
	}
	return bad, nil
}

func (l *Ledger) IsFrozen(userID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.frozen[userID]
	return ok
}

func (l *Ledger) freeze(userID, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.frozen[userID]; ok {
		return
	}
	l.frozen[userID] = reason
	l.metrics.UserFrozen()
}

// Unfreeze lifts a freeze once the user's balance reconciles again.
func (l *Ledger) Unfreeze(ctx context.Context, userID string) error {
	if _, err := l.Reconcile(ctx, userID); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.frozen[userID]; !ok {
		return nil
	}
	delete(l.frozen, userID)
	l.metrics.UserUnfrozen()
	l.log.Info("user unfrozen", zap.String("user_id", userID))
	return nil
}
