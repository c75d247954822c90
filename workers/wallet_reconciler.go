// workers/wallet_reconciler.go
package workers

import (
	"context"
	"errors"
	"time"

	"rewards-engine/logger"
	"rewards-engine/models"
	"rewards-engine/services"

	"gorm.io/gorm"
)

// ReconcileReport summarizes one reconciler pass.
type ReconcileReport struct {
	Checked      int
	Inconsistent []string
	Refreshed    int
}

// WalletReconciler periodically re-verifies recently touched ledgers and
// repairs wallet mirrors that drifted from their account rows.
type WalletReconciler struct {
	db        *gorm.DB
	ledger    *services.LedgerService
	log       *logger.Logger
	interval  time.Duration
	batchSize int

	cursor time.Time
}

func NewWalletReconciler(db *gorm.DB, ledger *services.LedgerService, log *logger.Logger, interval time.Duration) *WalletReconciler {
	if log == nil {
		log = logger.Nop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &WalletReconciler{
		db:        db,
		ledger:    ledger,
		log:       log.With("worker", "wallet_reconciler"),
		interval:  interval,
		batchSize: 500,
	}
}

func (w *WalletReconciler) Start(ctx context.Context) {
	w.log.Info("starting wallet reconciler", "interval", w.interval)
	go w.run(ctx)
}

func (w *WalletReconciler) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.ReconcileOnce(ctx); err != nil {
				w.log.Error("wallet reconcile failed", "error", err)
			}
		case <-ctx.Done():
			w.log.Info("wallet reconciler stopped")
			return
		}
	}
}

// ReconcileOnce verifies every account updated since the previous pass and
// refreshes each mirror whose seq or balance disagrees with its account.
func (w *WalletReconciler) ReconcileOnce(ctx context.Context) (*ReconcileReport, error) {
	started := time.Now().UTC()
	report := &ReconcileReport{}

	var touched []models.Account
	if err := w.db.WithContext(ctx).
		Select("student_id", "updated_at").
		Where("updated_at >= ?", w.cursor).
		Order("updated_at ASC").
		Limit(w.batchSize).
		Find(&touched).Error; err != nil {
		return nil, err
	}

	for _, acct := range touched {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		id := acct.StudentID
		report.Checked++
		err := w.ledger.VerifyChain(ctx, id)
		if errors.Is(err, services.ErrLedgerInconsistent) {
			report.Inconsistent = append(report.Inconsistent, id)
			w.log.Error("ledger chain inconsistent", "student_id", id, "error", err)
			continue
		}
		if err != nil {
			w.log.Warn("ledger verify failed", "student_id", id, "error", err)
		}
	}

	var drifted []string
	if err := w.db.WithContext(ctx).
		Table("accounts AS a").
		Joins("LEFT JOIN wallet_mirror AS m ON m.account_id = a.student_id").
		Where("m.account_id IS NULL OR m.last_seq <> a.last_seq OR m.available <> a.available OR m.level <> a.level").
		Limit(w.batchSize).
		Pluck("a.student_id", &drifted).Error; err != nil {
		return report, err
	}

	broken := make(map[string]bool, len(report.Inconsistent))
	for _, id := range report.Inconsistent {
		broken[id] = true
	}
	for _, id := range drifted {
		// a broken chain is left for an operator; the mirror keeps its last good values
		if broken[id] {
			continue
		}
		if err := w.ledger.RefreshWallet(ctx, id); err != nil {
			w.log.Warn("wallet refresh failed", "student_id", id, "error", err)
			continue
		}
		report.Refreshed++
	}

	if len(touched) < w.batchSize {
		w.cursor = started
	} else {
		w.cursor = touched[len(touched)-1].UpdatedAt
	}
	if report.Refreshed > 0 || len(report.Inconsistent) > 0 {
		w.log.Info("wallet reconcile pass",
			"checked", report.Checked,
			"inconsistent", len(report.Inconsistent),
			"refreshed", report.Refreshed)
	}
	return report, nil
}

// GetWallet reads one mirror row.
func GetWallet(ctx context.Context, db *gorm.DB, accountID string) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := db.WithContext(ctx).Where("account_id = ?", accountID).First(&wallet).Error; err != nil {
		return nil, err
	}
	return &wallet, nil
}
