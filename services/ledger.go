package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rewards-engine/logger"
	"rewards-engine/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultLedgerRetries = 5
	maxPageSize          = 200
)

// LedgerService owns the account balances. Every balance change goes through
// Post inside WithAccount, which serializes work per account.
type LedgerService struct {
	DB         *gorm.DB
	Log        *logger.Logger
	Notifier   Notifier
	MaxRetries int
	Now        func() time.Time

	locks *keyedMutex
}

func NewLedgerService(db *gorm.DB, log *logger.Logger, notifier Notifier) *LedgerService {
	if log == nil {
		log = logger.Nop()
	}
	return &LedgerService{
		DB:         db,
		Log:        log,
		Notifier:   notifier,
		MaxRetries: defaultLedgerRetries,
		Now:        func() time.Time { return time.Now().UTC() },
		locks:      newKeyedMutex(),
	}
}

// AccountTx is the unit of work handed to WithAccount callbacks. Account is the
// locked row and reflects every Post made so far in this transaction.
type AccountTx struct {
	Ctx     context.Context
	Tx      *gorm.DB
	Account *models.Account
	Now     time.Time

	events []*models.Notification
}

// Emit queues a notification. It is stored with the transaction and pushed to
// the notifier only after commit. CreatedAt is the transaction time.
func (a *AccountTx) Emit(n *models.Notification) {
	if n != nil {
		n.CreatedAt = a.Now
		a.events = append(a.events, n)
	}
}

// WithAccount runs fn with the account row locked. Contention errors restart
// fn from scratch, so fn must not keep side effects outside the transaction.
// Calls must not be nested for the same account.
func (s *LedgerService) WithAccount(ctx context.Context, accountID string, fn func(*AccountTx) error) error {
	if accountID == "" {
		return fmt.Errorf("%w: missing account id", ErrNotFound)
	}
	unlock := s.locks.Lock(accountID)
	defer unlock()

	attempts := s.MaxRetries
	if attempts <= 0 {
		attempts = defaultLedgerRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}

		var atx *AccountTx
		err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			acct, err := lockAccount(tx, accountID)
			if err != nil {
				return err
			}
			atx = &AccountTx{Ctx: ctx, Tx: tx, Account: acct, Now: s.now()}
			if err := fn(atx); err != nil {
				return err
			}
			for _, n := range atx.events {
				if err := tx.Create(n).Error; err != nil {
					return fmt.Errorf("store notification: %w", err)
				}
			}
			return nil
		})
		if err == nil {
			s.publish(ctx, atx.events)
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		s.Log.Warn("ledger contention, retrying", "account_id", accountID, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("%w: %v", ErrConcurrentModification, lastErr)
}

// lockAccount selects the account FOR UPDATE, creating an all-zero row first
// when the student has never posted.
func lockAccount(tx *gorm.DB, accountID string) (*models.Account, error) {
	var acct models.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("student_id = ?", accountID).
		First(&acct).Error
	if err == nil {
		return &acct, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	acct = models.Account{StudentID: accountID, Level: 1}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&acct).Error; err != nil {
		return nil, err
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("student_id = ?", accountID).
		First(&acct).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *LedgerService) publish(ctx context.Context, events []*models.Notification) {
	if s.Notifier == nil {
		return
	}
	for _, n := range events {
		if err := s.Notifier.Notify(ctx, n); err != nil {
			s.Log.Warn("notify failed", "type", n.Type, "student_id", n.AccountID, "error", err)
		}
	}
}

func (s *LedgerService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func sleepBackoff(ctx context.Context, attempt int) error {
	d := 10 * time.Millisecond << uint(attempt-1)
	if d > 250*time.Millisecond {
		d = 250 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PostRequest describes one ledger posting. Amount is the magnitude; the sign
// follows Kind.
type PostRequest struct {
	Kind           models.EntryKind
	Amount         int64
	Source         string
	IdempotencyKey string
	Metadata       map[string]interface{}
}

// PostResult carries the entry and whether it was already on the ledger.
type PostResult struct {
	Entry     *models.LedgerEntry
	Duplicate bool
}

// Post appends one entry for atx.Account and updates the derived aggregates.
// A known idempotency key returns the stored entry without touching balances.
func (s *LedgerService) Post(atx *AccountTx, req PostRequest) (*PostResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	switch req.Kind {
	case models.EntryEarn, models.EntryBonus, models.EntryRefund, models.EntrySpend, models.EntryPenalty:
	default:
		return nil, fmt.Errorf("unknown entry kind %q", req.Kind)
	}
	if req.Source == "" {
		req.Source = string(req.Kind)
	}

	if req.IdempotencyKey != "" {
		existing, err := entryByKey(atx.Tx, req.IdempotencyKey)
		if err == nil {
			return &PostResult{Entry: existing, Duplicate: true}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	acct := atx.Account
	signed := req.Amount
	if !req.Kind.Credit() {
		if req.Amount > acct.Available {
			return nil, ErrInsufficientBalance
		}
		signed = -req.Amount
	}

	entry := &models.LedgerEntry{
		AccountID:     acct.StudentID,
		Seq:           acct.LastSeq + 1,
		Kind:          req.Kind,
		Amount:        signed,
		Source:        req.Source,
		BalanceBefore: acct.Available,
		BalanceAfter:  acct.Available + signed,
		CreatedAt:     atx.Now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		entry.IdempotencyKey = &key
	}
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		entry.Metadata = datatypes.JSON(raw)
	}

	if err := atx.Tx.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	prevLevel := acct.Level
	switch req.Kind {
	case models.EntryEarn, models.EntryBonus:
		acct.TotalEarned += req.Amount
		acct.WeeklyEarned += req.Amount
		acct.MonthlyEarned += req.Amount
	case models.EntryRefund:
		// A refund gives back earlier spending; any excess counts as earned.
		back := req.Amount
		if back > acct.TotalSpent {
			acct.TotalEarned += back - acct.TotalSpent
			back = acct.TotalSpent
		}
		acct.TotalSpent -= back
	case models.EntrySpend, models.EntryPenalty:
		acct.TotalSpent += req.Amount
	}
	acct.Available = entry.BalanceAfter
	acct.LastSeq = entry.Seq
	acct.Level = LevelFor(acct.TotalEarned)

	if acct.Available < 0 || acct.Available != acct.TotalEarned-acct.TotalSpent {
		return nil, fmt.Errorf("%w: account %s available=%d earned=%d spent=%d",
			ErrLedgerInconsistent, acct.StudentID, acct.Available, acct.TotalEarned, acct.TotalSpent)
	}

	if acct.Level > prevLevel {
		at := atx.Now
		acct.LastLevelUpAt = &at
		atx.Emit(NewNotification(acct.StudentID, models.NotifyLevelUp,
			"level up",
			fmt.Sprintf("You reached level %d.", acct.Level),
			map[string]interface{}{"level": acct.Level, "previous_level": prevLevel, "total_earned": acct.TotalEarned}))
	}

	if err := atx.Tx.Save(acct).Error; err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	if err := upsertWallet(atx.Tx, acct, atx.Now); err != nil {
		return nil, err
	}
	return &PostResult{Entry: entry}, nil
}

func upsertWallet(tx *gorm.DB, acct *models.Account, at time.Time) error {
	w := models.Wallet{
		AccountID: acct.StudentID,
		Available: acct.Available,
		Level:     acct.Level,
		LastSeq:   acct.LastSeq,
		SyncedAt:  at,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"available", "level", "last_seq", "synced_at"}),
	}).Create(&w).Error
}

func entryByKey(db *gorm.DB, key string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	if err := db.Where("idempotency_key = ?", key).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// PostOptions are the optional parts of Award and Spend.
type PostOptions struct {
	Kind           models.EntryKind
	IdempotencyKey string
	Metadata       map[string]interface{}
}

// Award credits amount. Kind defaults to earn and must be a credit kind.
func (s *LedgerService) Award(ctx context.Context, accountID string, amount int64, source string, opts PostOptions) (*models.LedgerEntry, error) {
	kind := opts.Kind
	if kind == "" {
		kind = models.EntryEarn
	}
	if !kind.Credit() {
		return nil, fmt.Errorf("award cannot post %q entries", kind)
	}
	return s.postOne(ctx, accountID, PostRequest{
		Kind: kind, Amount: amount, Source: source,
		IdempotencyKey: opts.IdempotencyKey, Metadata: opts.Metadata,
	})
}

// Spend debits amount or fails with ErrInsufficientBalance. Kind defaults to
// spend; penalty is the only other debit kind.
func (s *LedgerService) Spend(ctx context.Context, accountID string, amount int64, source string, opts PostOptions) (*models.LedgerEntry, error) {
	kind := opts.Kind
	if kind == "" {
		kind = models.EntrySpend
	}
	if kind.Credit() {
		return nil, fmt.Errorf("spend cannot post %q entries", kind)
	}
	return s.postOne(ctx, accountID, PostRequest{
		Kind: kind, Amount: amount, Source: source,
		IdempotencyKey: opts.IdempotencyKey, Metadata: opts.Metadata,
	})
}

func (s *LedgerService) postOne(ctx context.Context, accountID string, req PostRequest) (*models.LedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var entry *models.LedgerEntry
	err := s.WithAccount(ctx, accountID, func(atx *AccountTx) error {
		res, err := s.Post(atx, req)
		if err != nil {
			return err
		}
		entry = res.Entry
		return nil
	})
	if err != nil && req.IdempotencyKey != "" && isDuplicateKey(err) {
		// Another writer committed the same key first.
		if existing, lookupErr := entryByKey(s.DB.WithContext(ctx), req.IdempotencyKey); lookupErr == nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// EntryByKey looks up a ledger entry by idempotency key.
func (s *LedgerService) EntryByKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	e, err := entryByKey(s.DB.WithContext(ctx), key)
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

// AccountSummary is the dashboard view of one account.
type AccountSummary struct {
	models.Account
	LevelStartXP   int64      `json:"level_start_xp"`
	NextLevelXP    int64      `json:"next_level_xp"`
	LevelProgress  int        `json:"level_progress"`
	WalletSyncedAt *time.Time `json:"wallet_synced_at,omitempty"`
}

// GetAccountSummary never creates the account; unknown students read as zero.
func (s *LedgerService) GetAccountSummary(ctx context.Context, accountID string) (*AccountSummary, error) {
	var acct models.Account
	err := s.DB.WithContext(ctx).Where("student_id = ?", accountID).First(&acct).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		acct = models.Account{StudentID: accountID, Level: 1}
	}

	sum := &AccountSummary{Account: acct}
	sum.LevelStartXP = XPForLevel(acct.Level)
	if acct.Level < MaxLevel {
		sum.NextLevelXP = XPForLevel(acct.Level + 1)
		span := sum.NextLevelXP - sum.LevelStartXP
		if span > 0 {
			sum.LevelProgress = int((acct.TotalEarned - sum.LevelStartXP) * 100 / span)
		}
	} else {
		sum.NextLevelXP = sum.LevelStartXP
		sum.LevelProgress = 100
	}

	var w models.Wallet
	if err := s.DB.WithContext(ctx).Where("account_id = ?", accountID).First(&w).Error; err == nil {
		at := w.SyncedAt
		sum.WalletSyncedAt = &at
	}
	return sum, nil
}

// ListEntries pages backwards by seq. beforeSeq <= 0 starts at the newest entry.
// limit defaults to 50 and is capped at 200.
func (s *LedgerService) ListEntries(ctx context.Context, accountID string, limit int, beforeSeq int64) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	q := s.DB.WithContext(ctx).Where("account_id = ?", accountID)
	if beforeSeq > 0 {
		q = q.Where("seq < ?", beforeSeq)
	}
	var entries []models.LedgerEntry
	if err := q.Order("seq DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// VerifyChain walks an account's entries in seq order and checks the prefix
// sums against the stored aggregates.
func (s *LedgerService) VerifyChain(ctx context.Context, accountID string) error {
	var acct models.Account
	if err := s.DB.WithContext(ctx).Where("student_id = ?", accountID).First(&acct).Error; err != nil {
		return notFound(err)
	}

	var entries []models.LedgerEntry
	if err := s.DB.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("seq ASC").
		Find(&entries).Error; err != nil {
		return err
	}

	var balance int64
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			return fmt.Errorf("%w: %s seq gap at %d (found %d)", ErrLedgerInconsistent, accountID, i+1, e.Seq)
		}
		if e.BalanceBefore != balance {
			return fmt.Errorf("%w: %s entry %d balance_before=%d, chain=%d", ErrLedgerInconsistent, accountID, e.Seq, e.BalanceBefore, balance)
		}
		if e.BalanceAfter != e.BalanceBefore+e.Amount || e.BalanceAfter < 0 {
			return fmt.Errorf("%w: %s entry %d does not add up", ErrLedgerInconsistent, accountID, e.Seq)
		}
		balance = e.BalanceAfter
	}
	if balance != acct.Available || acct.LastSeq != int64(len(entries)) {
		return fmt.Errorf("%w: %s account available=%d last_seq=%d, chain=%d/%d",
			ErrLedgerInconsistent, accountID, acct.Available, acct.LastSeq, balance, len(entries))
	}
	if acct.Available != acct.TotalEarned-acct.TotalSpent {
		return fmt.Errorf("%w: %s available != earned - spent", ErrLedgerInconsistent, accountID)
	}
	return nil
}

// Period names accepted by ResetPeriodCounters.
const (
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

// ResetPeriodCounters zeroes the weekly or monthly counter on every account.
// Row locks held by in-flight postings make the update wait for them.
func (s *LedgerService) ResetPeriodCounters(ctx context.Context, period string) (int64, error) {
	var column string
	switch period {
	case PeriodWeekly:
		column = "weekly_earned"
	case PeriodMonthly:
		column = "monthly_earned"
	default:
		return 0, fmt.Errorf("unknown period %q", period)
	}
	res := s.DB.WithContext(ctx).
		Model(&models.Account{}).
		Where(column+" <> 0").
		Update(column, 0)
	if res.Error != nil {
		return 0, res.Error
	}
	s.Log.Info("period counters reset", "period", period, "accounts", res.RowsAffected)
	return res.RowsAffected, nil
}

// RefreshWallet rewrites the wallet mirror from the locked account row.
func (s *LedgerService) RefreshWallet(ctx context.Context, accountID string) error {
	return s.WithAccount(ctx, accountID, func(atx *AccountTx) error {
		return upsertWallet(atx.Tx, atx.Account, atx.Now)
	})
}
