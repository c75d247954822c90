package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"rewards-engine/models"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestLedger_AwardThenSpend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e1, err := env.Ledger.Award(ctx, "s1", 120, "test", PostOptions{})
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if e1.Seq != 1 || e1.BalanceBefore != 0 || e1.BalanceAfter != 120 || e1.Amount != 120 {
		t.Fatalf("unexpected first entry: %+v", e1)
	}

	e2, err := env.Ledger.Spend(ctx, "s1", 30, "test", PostOptions{})
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if e2.Seq != 2 || e2.BalanceBefore != 120 || e2.BalanceAfter != 90 || e2.Amount != -30 {
		t.Fatalf("unexpected second entry: %+v", e2)
	}

	acct := mustAccount(t, env.DB, "s1")
	if acct.TotalEarned != 120 || acct.TotalSpent != 30 || acct.Available != 90 {
		t.Fatalf("unexpected aggregates: %+v", acct)
	}
	if acct.Level != 2 {
		t.Fatalf("expected level 2 at 120 earned, got %d", acct.Level)
	}
	if acct.WeeklyEarned != 120 || acct.MonthlyEarned != 120 {
		t.Fatalf("period counters not bumped: %+v", acct)
	}

	var w models.Wallet
	if err := env.DB.Where("account_id = ?", "s1").First(&w).Error; err != nil {
		t.Fatalf("wallet mirror: %v", err)
	}
	if w.Available != 90 || w.LastSeq != 2 {
		t.Fatalf("wallet mirror out of date: %+v", w)
	}

	if err := env.Ledger.VerifyChain(ctx, "s1"); err != nil {
		t.Fatalf("chain: %v", err)
	}
}

func TestLedger_IdempotentAward(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opts := PostOptions{IdempotencyKey: "grant:1"}

	first, err := env.Ledger.Award(ctx, "s1", 10, "test", opts)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	second, err := env.Ledger.Award(ctx, "s1", 10, "test", opts)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay created a new entry: %s vs %s", first.ID, second.ID)
	}
	if got := mustAccount(t, env.DB, "s1").Available; got != 10 {
		t.Fatalf("expected balance 10, got %d", got)
	}
}

func TestLedger_ConcurrentSameKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := env.Ledger.Award(ctx, "s1", 25, "test", PostOptions{IdempotencyKey: "once"})
			errs[i] = err
			if e != nil {
				ids[i] = e.ID
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("different entries for one key: %v", ids)
		}
	}
	if n := countRows(t, env.DB, &models.LedgerEntry{}, "account_id = ?", "s1"); n != 1 {
		t.Fatalf("expected 1 entry, got %d", n)
	}
	if got := mustAccount(t, env.DB, "s1").Available; got != 25 {
		t.Fatalf("expected balance 25, got %d", got)
	}
}

func TestLedger_ConcurrentAwardsKeepChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.Ledger.Award(ctx, "s1", 5, "test", PostOptions{}); err != nil {
				t.Errorf("award: %v", err)
			}
		}()
	}
	wg.Wait()

	acct := mustAccount(t, env.DB, "s1")
	if acct.Available != 100 || acct.LastSeq != 20 {
		t.Fatalf("expected 100 over 20 entries, got %d over %d", acct.Available, acct.LastSeq)
	}
	if err := env.Ledger.VerifyChain(ctx, "s1"); err != nil {
		t.Fatalf("chain: %v", err)
	}
}

func TestLedger_SpendInsufficient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.Ledger.Award(ctx, "s1", 20, "test", PostOptions{}); err != nil {
		t.Fatalf("award: %v", err)
	}
	_, err := env.Ledger.Spend(ctx, "s1", 21, "test", PostOptions{})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	_, err = env.Ledger.Spend(ctx, "s1", 21, "test", PostOptions{Kind: models.EntryPenalty})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("penalty should not overdraw, got %v", err)
	}
	if n := countRows(t, env.DB, &models.LedgerEntry{}, "account_id = ?", "s1"); n != 1 {
		t.Fatalf("failed spends must not append, got %d entries", n)
	}
}

func TestLedger_RejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.Ledger.Award(ctx, "s1", 0, "test", PostOptions{}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.Ledger.Award(ctx, "s1", -5, "test", PostOptions{}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.Ledger.Award(ctx, "s1", 5, "test", PostOptions{Kind: models.EntrySpend}); err == nil {
		t.Fatalf("award must not post debit kinds")
	}
	if _, err := env.Ledger.Spend(ctx, "s1", 5, "test", PostOptions{Kind: models.EntryBonus}); err == nil {
		t.Fatalf("spend must not post credit kinds")
	}
}

func TestLedger_RefundDoesNotRaiseLevel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.Ledger.Award(ctx, "s1", 90, "test", PostOptions{}); err != nil {
		t.Fatalf("award: %v", err)
	}
	if _, err := env.Ledger.Spend(ctx, "s1", 50, "test", PostOptions{}); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if _, err := env.Ledger.Award(ctx, "s1", 50, "test", PostOptions{Kind: models.EntryRefund}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	acct := mustAccount(t, env.DB, "s1")
	if acct.Available != 90 || acct.TotalEarned != 90 || acct.TotalSpent != 0 {
		t.Fatalf("unexpected aggregates after refund: %+v", acct)
	}
	if acct.Level != 1 {
		t.Fatalf("refund raised level to %d", acct.Level)
	}
	if acct.WeeklyEarned != 90 {
		t.Fatalf("refund counted towards the weekly board: %d", acct.WeeklyEarned)
	}
}

func TestLedger_LevelUpNotification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.Ledger.Award(ctx, "s1", 99, "test", PostOptions{}); err != nil {
		t.Fatalf("award: %v", err)
	}
	if n := countRows(t, env.DB, &models.Notification{}, "account_id = ? AND type = ?", "s1", models.NotifyLevelUp); n != 0 {
		t.Fatalf("no level up expected yet, got %d", n)
	}
	if _, err := env.Ledger.Award(ctx, "s1", 1, "test", PostOptions{}); err != nil {
		t.Fatalf("award: %v", err)
	}
	if n := countRows(t, env.DB, &models.Notification{}, "account_id = ? AND type = ?", "s1", models.NotifyLevelUp); n != 1 {
		t.Fatalf("expected one level_up, got %d", n)
	}
	if acct := mustAccount(t, env.DB, "s1"); acct.LastLevelUpAt == nil {
		t.Fatalf("last_level_up_at not set")
	}
}

func TestLedger_VerifyChainDetectsTampering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.Ledger.Award(ctx, "s1", 10, "test", PostOptions{}); err != nil {
			t.Fatalf("award: %v", err)
		}
	}
	if err := env.DB.Model(&models.Account{}).Where("student_id = ?", "s1").Update("available", 31).Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := env.Ledger.VerifyChain(ctx, "s1"); !errors.Is(err, ErrLedgerInconsistent) {
		t.Fatalf("expected ErrLedgerInconsistent, got %v", err)
	}
	if err := env.Ledger.VerifyChain(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLedger_ResetPeriodCounters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := env.Ledger.Award(ctx, id, 40, "test", PostOptions{}); err != nil {
			t.Fatalf("award: %v", err)
		}
	}
	n, err := env.Ledger.ResetPeriodCounters(ctx, PeriodWeekly)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 accounts reset, got %d", n)
	}
	acct := mustAccount(t, env.DB, "a")
	if acct.WeeklyEarned != 0 || acct.MonthlyEarned != 40 || acct.TotalEarned != 40 {
		t.Fatalf("unexpected counters after weekly reset: %+v", acct)
	}
	if _, err := env.Ledger.ResetPeriodCounters(ctx, "daily"); err == nil {
		t.Fatalf("expected error for unknown period")
	}
}

func TestLedger_SummaryDoesNotCreateAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sum, err := env.Ledger.GetAccountSummary(ctx, "ghost")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Level != 1 || sum.Available != 0 || sum.NextLevelXP != XPForLevel(2) {
		t.Fatalf("unexpected empty summary: %+v", sum)
	}
	if n := countRows(t, env.DB, &models.Account{}, "student_id = ?", "ghost"); n != 0 {
		t.Fatalf("summary created an account row")
	}
}

func TestLedger_ListEntriesPagesBackwards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := env.Ledger.Award(ctx, "s1", 1, "test", PostOptions{}); err != nil {
			t.Fatalf("award: %v", err)
		}
	}
	page, err := env.Ledger.ListEntries(ctx, "s1", 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 5 || page[1].Seq != 4 {
		t.Fatalf("unexpected first page: %+v", page)
	}
	page, err = env.Ledger.ListEntries(ctx, "s1", 2, page[1].Seq)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 3 {
		t.Fatalf("unexpected second page: %+v", page)
	}
}

func TestLevelFor(t *testing.T) {
	cases := []struct {
		earned int64
		want   int
	}{
		{0, 1},
		{99, 1},
		{100, 2},
		{328, 2},
		{329, 3},
	}
	for _, tc := range cases {
		if got := LevelFor(tc.earned); got != tc.want {
			t.Fatalf("LevelFor(%d) = %d, want %d", tc.earned, got, tc.want)
		}
	}

	prev := 1
	for xp := int64(0); xp < 50000; xp += 37 {
		lvl := LevelFor(xp)
		if lvl < prev {
			t.Fatalf("level dropped from %d to %d at %d", prev, lvl, xp)
		}
		prev = lvl
	}
	if XPForLevel(LevelFor(1000)) > 1000 {
		t.Fatalf("level start above earned xp")
	}
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("expected 50, got %d", counter)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.locks) != 0 {
		t.Fatalf("locks not released: %d left", len(k.locks))
	}
}

func TestLedger_EmitStampsTransactionTime(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// Enough XP to cross into level 2.
	if _, err := env.Ledger.Award(ctx, "s1", 500, "test", PostOptions{}); err != nil {
		t.Fatalf("award: %v", err)
	}
	var n models.Notification
	if err := env.DB.Where("account_id = ? AND type = ?", "s1", models.NotifyLevelUp).First(&n).Error; err != nil {
		t.Fatalf("level up notification: %v", err)
	}
	if !n.CreatedAt.Equal(env.Clock.Now()) {
		t.Fatalf("expected created_at %v, got %v", env.Clock.Now(), n.CreatedAt)
	}
}

func TestLedger_WithAccountRetriesThenGivesUp(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.MaxRetries = 3
	ctx := context.Background()

	calls := 0
	err := env.Ledger.WithAccount(ctx, "s1", func(atx *AccountTx) error {
		calls++
		return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	})
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	calls = 0
	boom := errors.New("boom")
	err = env.Ledger.WithAccount(ctx, "s1", func(atx *AccountTx) error {
		calls++
		return boom
	})
	if calls != 1 {
		t.Fatalf("non-retryable error retried %d times", calls)
	}
	if !errors.Is(err, boom) || errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected the original error back, got %v", err)
	}
}

func TestLedger_WithAccountRecoversAfterContention(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	calls := 0
	err := env.Ledger.WithAccount(ctx, "s1", func(atx *AccountTx) error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "40P01"}
		}
		_, err := env.Ledger.Post(atx, PostRequest{Kind: models.EntryEarn, Amount: 7, Source: "test"})
		return err
	})
	if err != nil {
		t.Fatalf("with account: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	if got := mustAccount(t, env.DB, "s1").Available; got != 7 {
		t.Fatalf("expected 7 available after retry, got %d", got)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&pgconn.PgError{Code: "40001"}, true},
		{&pgconn.PgError{Code: "55P03"}, true},
		{&pgconn.PgError{Code: "23505"}, false},
		{fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"}), true},
		{errors.New("database is locked"), true},
		{context.Canceled, false},
		{errors.New("boom"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.err); got != tc.want {
			t.Fatalf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestLedger_ListEntriesCapsLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.Ledger.Award(ctx, "s1", 1, "test", PostOptions{}); err != nil {
		t.Fatalf("award: %v", err)
	}
	rows := make([]models.LedgerEntry, 0, 210)
	for i := 2; i <= 211; i++ {
		rows = append(rows, models.LedgerEntry{
			AccountID: "s1", Seq: int64(i), Kind: models.EntryEarn, Amount: 1, Source: "bulk",
			BalanceBefore: int64(i - 1), BalanceAfter: int64(i), CreatedAt: env.Clock.Now().Add(time.Duration(i) * time.Second),
		})
	}
	if err := env.DB.CreateInBatches(rows, 50).Error; err != nil {
		t.Fatalf("seed entries: %v", err)
	}

	page, err := env.Ledger.ListEntries(ctx, "s1", 205, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 200 || page[0].Seq != 211 {
		t.Fatalf("expected 200 newest entries, got %d starting at %d", len(page), page[0].Seq)
	}
	if page, _ = env.Ledger.ListEntries(ctx, "s1", 0, 0); len(page) != 50 {
		t.Fatalf("expected default page of 50, got %d", len(page))
	}
}
