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

	"settlement-core/internal/chain"
	"settlement-core/internal/models"
	"settlement-core/internal/monitoring"
)

// maxBlocksPerScan bounds how far one address advances in a single cycle.
const maxBlocksPerScan = 500

type DepositMonitorConfig struct {
	Interval      time.Duration
	Confirmations uint64
}

type MonitorStatus struct {
	Running             bool              `json:"running"`
	Mode                string            `json:"mode"`
	Interval            string            `json:"interval"`
	Confirmations       uint64            `json:"confirmations"`
	MonitoredAddresses  int               `json:"monitored_addresses"`
	Cursors             map[string]uint64 `json:"cursors"`
	LastSuccessfulCycle *time.Time        `json:"last_successful_cycle,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
	Cycles              int64             `json:"cycles"`
	DepositsCredited    int64             `json:"deposits_credited"`
}

type CycleResult struct {
	Head      uint64 `json:"head"`
	SafeBlock uint64 `json:"safe_block"`
	Addresses int    `json:"addresses"`
	Credited  int    `json:"credited"`
	Failed    int    `json:"failed"`
}

// DepositMonitor reconciles custodial addresses against the chain. Cursors
// only move past blocks whose deposits were all recorded, and recording is
// idempotent, so re-scanning after a restart is harmless.
type DepositMonitor struct {
	db       *gorm.DB
	ledger   *Ledger
	source   chain.Source
	cfg      DepositMonitorConfig
	notifier Notifier
	log      *zap.Logger
	metrics  *monitoring.Metrics

	cycleMu sync.Mutex

	mu          sync.RWMutex
	running     bool
	lastSuccess time.Time
	lastErr     string
	cycles      int64
	credited    int64
}

func NewDepositMonitor(db *gorm.DB, ledger *Ledger, source chain.Source, cfg DepositMonitorConfig, log *zap.Logger, metrics *monitoring.Metrics) *DepositMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &DepositMonitor{
		db:       db,
		ledger:   ledger,
		source:   source,
		cfg:      cfg,
		notifier: nopNotifier{},
		log:      log,
		metrics:  metrics,
	}
}

func (d *DepositMonitor) SetNotifier(n Notifier) {
	if n != nil {
		d.notifier = n
	}
}

// Run scans every interval until ctx is done. Failed cycles are logged and
// retried on the next tick.
func (d *DepositMonitor) Run(ctx context.Context) {
	d.setRunning(true)
	defer d.setRunning(false)

	d.log.Info("deposit monitor started",
		zap.String("mode", d.source.Name()),
		zap.Duration("interval", d.cfg.Interval),
		zap.Uint64("confirmations", d.cfg.Confirmations),
	)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("deposit monitor stopped")
			return
		case <-ticker.C:
			if _, err := d.ScanNow(ctx); err != nil && ctx.Err() == nil {
				d.log.Warn("deposit scan failed", zap.Error(err))
			}
		}
	}
}

// ScanNow runs one cycle immediately. Concurrent calls queue behind each
// other.
func (d *DepositMonitor) ScanNow(ctx context.Context) (*CycleResult, error) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	res, err := d.cycle(ctx)

	d.mu.Lock()
	d.cycles++
	if err != nil {
		d.lastErr = err.Error()
	} else {
		d.lastErr = ""
		d.lastSuccess = time.Now().UTC()
	}
	d.mu.Unlock()

	if err != nil {
		d.metrics.DepositCycle("error")
	} else {
		d.metrics.DepositCycle("ok")
	}
	return res, err
}

func (d *DepositMonitor) cycle(ctx context.Context) (*CycleResult, error) {
	head, err := d.source.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}
	res := &CycleResult{Head: head, SafeBlock: d.safeBlock(head)}

	var addrs []models.MonitoredAddress
	if err := d.db.WithContext(ctx).Order("address").Find(&addrs).Error; err != nil {
		return res, fmt.Errorf("failed to load monitored addresses: %w", err)
	}
	res.Addresses = len(addrs)

	var errs []error
	for _, addr := range addrs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		n, err := d.scanAddress(ctx, addr, res.SafeBlock)
		res.Credited += n
		if err != nil {
			res.Failed++
			errs = append(errs, err)
			d.log.Warn("deposit scan failed for address",
				zap.String("address", addr.Address),
				zap.String("user_id", addr.UserID),
				zap.Error(err),
			)
		}
	}
	return res, errors.Join(errs...)
}

func (d *DepositMonitor) safeBlock(head uint64) uint64 {
	if d.cfg.Confirmations <= 1 {
		return head
	}
	if head+1 < d.cfg.Confirmations {
		return 0
	}
	return head + 1 - d.cfg.Confirmations
}

func (d *DepositMonitor) scanAddress(ctx context.Context, addr models.MonitoredAddress, safe uint64) (int, error) {
	if addr.ScanCursor >= safe {
		return 0, nil
	}
	from := addr.ScanCursor + 1
	to := safe
	if to-addr.ScanCursor > maxBlocksPerScan {
		to = addr.ScanCursor + maxBlocksPerScan
	}

	transfers, err := d.source.Transfers(ctx, addr.Address, from, to)
	if err != nil {
		return 0, fmt.Errorf("transfers %d..%d: %w", from, to, err)
	}

	credited := 0
	for _, t := range transfers {
		// Chain amounts carry 18 decimals; the ledger keeps LedgerScale.
		amount := models.RoundPayout(t.Amount)
		if !amount.IsPositive() {
			if t.Amount.IsPositive() {
				d.log.Debug("deposit below ledger precision ignored",
					zap.String("reference", t.TxHash),
					zap.String("amount", t.Amount.String()),
				)
			}
			continue
		}
		ok, err := d.ledger.RecordIfNew(ctx, t.TxHash, addr.UserID, amount,
			fmt.Sprintf("deposit %s in block %d", t.TxHash, t.Block))
		if err != nil {
			// Leave the cursor so the whole range is retried.
			return credited, fmt.Errorf("record %s: %w", t.TxHash, err)
		}
		if ok {
			credited++
			d.recordCredit(addr.UserID, t.TxHash, amount)
		}
	}

	err = d.db.WithContext(ctx).Model(&models.MonitoredAddress{}).
		Where("address = ?", addr.Address).
		Updates(map[string]interface{}{
			"scan_cursor": to,
			"updated_at":  time.Now().UTC(),
		}).Error
	if err != nil {
		return credited, fmt.Errorf("advance cursor: %w", err)
	}
	return credited, nil
}

func (d *DepositMonitor) recordCredit(userID, reference string, amount decimal.Decimal) {
	d.mu.Lock()
	d.credited++
	d.mu.Unlock()

	d.metrics.DepositCredited()
	d.log.Info("deposit credited",
		zap.String("user_id", userID),
		zap.String("reference", reference),
		zap.String("amount", amount.String()),
	)
	d.notifier.NotifyUser(userID, EventDeposit, map[string]interface{}{
		"reference": reference,
		"amount":    amount,
	})
}

// SimulateDeposit credits a deposit that never touched the chain, under a
// generated reference.
func (d *DepositMonitor) SimulateDeposit(ctx context.Context, userID string, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: deposit must be positive", ErrInvalidAmount)
	}
	ref := "simulated:" + uuid.NewString()
	if _, err := d.ledger.RecordIfNew(ctx, ref, userID, amount, "simulated deposit"); err != nil {
		return "", err
	}
	d.recordCredit(userID, ref, amount)
	return ref, nil
}

// StartCursor is the height new addresses begin scanning after.
func (d *DepositMonitor) StartCursor(ctx context.Context) uint64 {
	head, err := d.source.Head(ctx)
	if err != nil {
		d.log.Warn("failed to read chain head for new address", zap.Error(err))
		return 0
	}
	return head
}

func (d *DepositMonitor) Status(ctx context.Context) (*MonitorStatus, error) {
	var addrs []models.MonitoredAddress
	if err := d.db.WithContext(ctx).Find(&addrs).Error; err != nil {
		return nil, fmt.Errorf("failed to load monitored addresses: %w", err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	st := &MonitorStatus{
		Running:            d.running,
		Mode:               d.source.Name(),
		Interval:           d.cfg.Interval.String(),
		Confirmations:      d.cfg.Confirmations,
		MonitoredAddresses: len(addrs),
		Cursors:            make(map[string]uint64, len(addrs)),
		LastError:          d.lastErr,
		Cycles:             d.cycles,
		DepositsCredited:   d.credited,
	}
	for _, a := range addrs {
		st.Cursors[a.Address] = a.ScanCursor
	}
	if !d.lastSuccess.IsZero() {
		t := d.lastSuccess
		st.LastSuccessfulCycle = &t
	}
	return st, nil
}

func (d *DepositMonitor) setRunning(v bool) {
	d.mu.Lock()
	d.running = v
	d.mu.Unlock()
}
