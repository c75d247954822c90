package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"rewards-engine/models"
)

func createItem(t *testing.T, env *testEnv, title string, cost int64, stock *int64) *models.RewardCatalogItem {
	t.Helper()
	item, err := env.Rewards.CreateCatalogItem(context.Background(), CatalogInput{Title: title, PointCost: cost, Stock: stock})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	return item
}

func int64Ptr(v int64) *int64 { return &v }

func TestReward_RedeemThenCancelRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	award(t, env, "s1", 50)
	item := createItem(t, env, "Sticker Pack", 30, nil)

	r, err := env.Rewards.Redeem(ctx, "s1", item.ID, 1, "")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if r.Status != models.RedemptionPending || r.PointsSpent != 30 {
		t.Fatalf("unexpected redemption: %+v", r)
	}
	if got := mustAccount(t, env.DB, "s1").Available; got != 20 {
		t.Fatalf("expected 20 after redeem, got %d", got)
	}

	cancelled, err := env.Rewards.Cancel(ctx, r.ID, "changed my mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.RedemptionCancelled || cancelled.RefundEntryID == nil || cancelled.CancelReason != "changed my mind" {
		t.Fatalf("unexpected cancelled redemption: %+v", cancelled)
	}
	acct := mustAccount(t, env.DB, "s1")
	if acct.Available != 50 || acct.TotalSpent != 0 || acct.TotalEarned != 50 {
		t.Fatalf("unexpected account after refund: %+v", acct)
	}

	if _, err := env.Rewards.Cancel(ctx, r.ID, "again"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if n := countRows(t, env.DB, &models.LedgerEntry{}, "idempotency_key = ?", RedemptionRefundKey(r.ID)); n != 1 {
		t.Fatalf("expected one refund entry, got %d", n)
	}
	if err := env.Ledger.VerifyChain(ctx, "s1"); err != nil {
		t.Fatalf("chain: %v", err)
	}
}

func TestReward_RequestKeyIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	award(t, env, "s1", 100)
	item := createItem(t, env, "Extra Recess", 40, nil)

	first, err := env.Rewards.Redeem(ctx, "s1", item.ID, 1, "req-1")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	again, err := env.Rewards.Redeem(ctx, "s1", item.ID, 1, "req-1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("retry created a new redemption")
	}
	if got := mustAccount(t, env.DB, "s1").Available; got != 60 {
		t.Fatalf("expected 60, got %d", got)
	}
	if _, err := env.Rewards.Redeem(ctx, "s2", item.ID, 1, "req-1"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected another student's key to be rejected, got %v", err)
	}
}

func TestReward_RedeemRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	award(t, env, "s1", 10)
	item := createItem(t, env, "Poster", 30, nil)

	if _, err := env.Rewards.Redeem(ctx, "s1", item.ID, 1, ""); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := env.Rewards.Redeem(ctx, "s1", item.ID, 0, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.Rewards.Redeem(ctx, "s1", "missing", 1, ""); !errors.Is(err, ErrRewardUnavailable) {
		t.Fatalf("expected ErrRewardUnavailable, got %v", err)
	}
	inactive := false
	if _, err := env.Rewards.UpdateCatalogItem(ctx, item.ID, CatalogUpdate{IsActive: &inactive}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	award(t, env, "s1", 100)
	if _, err := env.Rewards.Redeem(ctx, "s1", item.ID, 1, ""); !errors.Is(err, ErrRewardUnavailable) {
		t.Fatalf("expected inactive item to be unavailable, got %v", err)
	}
	if n := countRows(t, env.DB, &models.Redemption{}, "account_id = ?", "s1"); n != 0 {
		t.Fatalf("rejected redemptions left rows behind: %d", n)
	}
	if got := mustAccount(t, env.DB, "s1").Available; got != 110 {
		t.Fatalf("rejections changed the balance: %d", got)
	}
}

func TestReward_StockReservedAndRestored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	award(t, env, "s1", 100)
	award(t, env, "s2", 100)
	item := createItem(t, env, "Signed Book", 20, int64Ptr(1))

	r, err := env.Rewards.Redeem(ctx, "s1", item.ID, 1, "")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !r.StockReserved {
		t.Fatalf("stock not reserved")
	}
	if _, err := env.Rewards.Redeem(ctx, "s2", item.ID, 1, ""); !errors.Is(err, ErrRewardUnavailable) {
		t.Fatalf("expected sold out, got %v", err)
	}
	if got := mustAccount(t, env.DB, "s2").Available; got != 100 {
		t.Fatalf("sold out redeem charged s2: %d", got)
	}

	if _, err := env.Rewards.Cancel(ctx, r.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var reloaded models.RewardCatalogItem
	if err := env.DB.Where("id = ?", item.ID).First(&reloaded).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Stock == nil || *reloaded.Stock != 1 {
		t.Fatalf("stock not restored: %v", reloaded.Stock)
	}
	if _, err := env.Rewards.Redeem(ctx, "s2", item.ID, 1, ""); err != nil {
		t.Fatalf("redeem after restock: %v", err)
	}
}

func TestReward_Transitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	award(t, env, "s1", 100)
	item := createItem(t, env, "Pencil", 10, nil)

	r, err := env.Rewards.Redeem(ctx, "s1", item.ID, 2, "")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if _, err := env.Rewards.Fulfill(ctx, r.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("fulfil from pending: expected ErrInvalidStateTransition, got %v", err)
	}
	approved, err := env.Rewards.Approve(ctx, r.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != models.RedemptionApproved || approved.ApprovedAt == nil {
		t.Fatalf("unexpected approved redemption: %+v", approved)
	}
	if _, err := env.Rewards.Approve(ctx, r.ID); err != nil {
		t.Fatalf("approve again should be a no-op: %v", err)
	}
	done, err := env.Rewards.Fulfill(ctx, r.ID)
	if err != nil {
		t.Fatalf("fulfil: %v", err)
	}
	if done.Status != models.RedemptionFulfilled {
		t.Fatalf("expected fulfilled, got %s", done.Status)
	}
	if _, err := env.Rewards.Cancel(ctx, r.ID, "too late"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("cancel after fulfil: expected ErrInvalidStateTransition, got %v", err)
	}
	if _, err := env.Rewards.Approve(ctx, r.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("approve after fulfil: expected ErrInvalidStateTransition, got %v", err)
	}
	if _, err := env.Rewards.Approve(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := mustAccount(t, env.DB, "s1").Available; got != 80 {
		t.Fatalf("expected 80, got %d", got)
	}
}

func TestReward_ApprovalExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	award(t, env, "s1", 100)
	item := createItem(t, env, "Headphones", 60, nil)

	r, err := env.Rewards.Redeem(ctx, "s1", item.ID, 1, "")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	env.Clock.Advance(49 * time.Hour)
	if _, err := env.Rewards.Approve(ctx, r.ID); !errors.Is(err, ErrApprovalExpired) {
		t.Fatalf("expected ErrApprovalExpired, got %v", err)
	}

	n, err := env.Rewards.ExpirePending(ctx, env.Clock.Now(), 10)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expired redemption, got %d", n)
	}
	got, err := env.Rewards.GetRedemption(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.RedemptionCancelled || got.CancelReason != "approval expired" {
		t.Fatalf("unexpected expired redemption: %+v", got)
	}
	if bal := mustAccount(t, env.DB, "s1").Available; bal != 100 {
		t.Fatalf("expected full refund, got %d", bal)
	}
}

func TestReward_DispatchQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	award(t, env, "s1", 100)
	item := createItem(t, env, "Field Trip Seat", 25, nil)

	r, err := env.Rewards.Redeem(ctx, "s1", item.ID, 1, "")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if queue, _ := env.Rewards.ListUndispatched(ctx, 10); len(queue) != 0 {
		t.Fatalf("pending redemptions must not be dispatched")
	}
	if _, err := env.Rewards.Approve(ctx, r.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	queue, err := env.Rewards.ListUndispatched(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queue) != 1 || queue[0].ID != r.ID || queue[0].RewardItem == nil {
		t.Fatalf("unexpected queue: %+v", queue)
	}
	if err := env.Rewards.MarkDispatched(ctx, r.ID, env.Clock.Now()); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if queue, _ := env.Rewards.ListUndispatched(ctx, 10); len(queue) != 0 {
		t.Fatalf("dispatched redemption still queued")
	}

	all, err := env.Rewards.ListRedemptions(ctx, "", models.RedemptionApproved)
	if err != nil {
		t.Fatalf("list redemptions: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one approved redemption, got %d", len(all))
	}
}
