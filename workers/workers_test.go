package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rewards-engine/logger"
	"rewards-engine/models"
	"rewards-engine/services"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testDBSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:workers_%d?mode=memory&cache=shared&_busy_timeout=5000", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func memberships(t *testing.T, db *gorm.DB) map[string]models.ScopeMembership {
	t.Helper()
	var rows []models.ScopeMembership
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	out := make(map[string]models.ScopeMembership, len(rows))
	for _, m := range rows {
		out[m.AccountID+"@"+m.ScopeType+":"+m.ScopeKey] = m
	}
	return out
}

func TestApplyRoster(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	log := logger.Nop()

	applied, failed := ApplyRoster(ctx, db, log, []RosterEntry{
		{StudentID: "s1", ScopeType: "Class", ScopeKey: "Klasse 5ä"},
		{StudentID: "s2", ScopeType: "school", ScopeKey: "North", Role: "Staff"},
		{StudentID: "", ScopeType: "class", ScopeKey: "x"},
		{StudentID: "s3", ScopeType: "global", ScopeKey: "all"},
	})
	if applied != 2 || failed != 2 {
		t.Fatalf("expected 2 applied and 2 failed, got %d/%d", applied, failed)
	}
	rows := memberships(t, db)
	if m, ok := rows["s1@class:klasse-5a"]; !ok || m.Role != "student" {
		t.Fatalf("s1 membership missing or wrong role: %+v", rows)
	}
	if m := rows["s2@school:north"]; m.Role != "staff" {
		t.Fatalf("s2 role not normalized: %+v", m)
	}

	applied, failed = ApplyRoster(ctx, db, log, []RosterEntry{
		{StudentID: "s1", ScopeType: "class", ScopeKey: "klasse-5a", Grade: "5"},
		{StudentID: "s2", ScopeType: "school", ScopeKey: "north", Removed: true},
	})
	if applied != 2 || failed != 0 {
		t.Fatalf("expected 2 applied, got %d/%d", applied, failed)
	}
	rows = memberships(t, db)
	if len(rows) != 1 || rows["s1@class:klasse-5a"].Grade != "5" {
		t.Fatalf("unexpected memberships after update: %+v", rows)
	}
}

func TestRosterSyncWorker_SyncOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var gotToken, gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/public/memberships" {
			http.NotFound(w, r)
			return
		}
		gotToken = r.Header.Get("X-Service-Token")
		gotSince = r.URL.Query().Get("since")
		_ = json.NewEncoder(w).Encode(GetRosterChangesResponse{Memberships: []RosterEntry{
			{StudentID: "s1", ScopeType: "grade", ScopeKey: "7", UpdatedAt: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)},
		}})
	}))
	defer srv.Close()

	w := NewRosterSyncWorker(db, logger.Nop(), srv.URL, "svc-token", time.Minute)
	if err := w.SyncOnce(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if gotToken != "svc-token" {
		t.Fatalf("service token not sent: %q", gotToken)
	}
	if gotSince != "1970-01-01T00:00:00Z" {
		t.Fatalf("first sync should start at the epoch, got %q", gotSince)
	}
	if _, ok := memberships(t, db)["s1@grade:7"]; !ok {
		t.Fatalf("membership not mirrored")
	}
	if got := w.lastSyncTime(ctx); !got.Equal(time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("cursor should follow the remote updated_at, got %v", got)
	}
}

func TestRosterSyncWorker_ErrorStatus(t *testing.T) {
	db := newTestDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewRosterSyncWorker(db, logger.Nop(), srv.URL, "t", time.Minute)
	if err := w.SyncOnce(context.Background()); err == nil {
		t.Fatalf("expected an error for a 502")
	}
}

func TestFulfillmentDispatcher_DispatchOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	log := logger.Nop()
	ledger := services.NewLedgerService(db, log, nil)
	rewards := services.NewRewardService(db, ledger, log, time.Hour)

	if _, err := ledger.Award(ctx, "s1", 100, "seed", services.PostOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	item, err := rewards.CreateCatalogItem(ctx, services.CatalogInput{Title: "Museum Ticket", PointCost: 40})
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	r, err := rewards.Redeem(ctx, "s1", item.ID, 1, "")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if _, err := rewards.Approve(ctx, r.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	var (
		mu       sync.Mutex
		received []FulfillmentRequest
		keys     []string
		fail     atomic.Bool
	)
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if fail.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		var body FulfillmentRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, body)
		keys = append(keys, req.Header.Get("Idempotency-Key"))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewFulfillmentDispatcher(rewards, log, srv.URL, "svc", time.Minute)
	sent, err := d.DispatchOnce(ctx)
	if err != nil || sent != 0 {
		t.Fatalf("failing endpoint: sent %d err %v", sent, err)
	}
	if queue, _ := rewards.ListUndispatched(ctx, 10); len(queue) != 1 {
		t.Fatalf("rejected dispatch must stay queued")
	}

	fail.Store(false)
	if sent, err = d.DispatchOnce(ctx); err != nil || sent != 1 {
		t.Fatalf("healthy endpoint: sent %d err %v", sent, err)
	}
	if sent, err = d.DispatchOnce(ctx); err != nil || sent != 0 {
		t.Fatalf("second pass must send nothing: sent %d err %v", sent, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || keys[0] != r.ID {
		t.Fatalf("unexpected requests: %+v keys %v", received, keys)
	}
	got := received[0]
	if got.StudentID != "s1" || got.ItemSlug != "museum-ticket" || got.PointsSpent != 40 || got.ApprovedAt.IsZero() {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestWalletReconciler_RepairsDriftAndFlagsBrokenChains(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	log := logger.Nop()
	ledger := services.NewLedgerService(db, log, nil)

	for _, id := range []string{"ok", "drift", "broken"} {
		if _, err := ledger.Award(ctx, id, 30, "seed", services.PostOptions{}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	if err := db.Where("account_id = ?", "drift").Delete(&models.Wallet{}).Error; err != nil {
		t.Fatalf("drop mirror: %v", err)
	}
	if err := db.Model(&models.Account{}).Where("student_id = ?", "broken").Update("available", 31).Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}

	rec := NewWalletReconciler(db, ledger, log, time.Minute)
	report, err := rec.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Checked != 3 {
		t.Fatalf("expected 3 accounts checked, got %d", report.Checked)
	}
	if len(report.Inconsistent) != 1 || report.Inconsistent[0] != "broken" {
		t.Fatalf("expected broken chain to be flagged, got %v", report.Inconsistent)
	}
	if report.Refreshed != 1 {
		t.Fatalf("expected one refreshed mirror, got %d", report.Refreshed)
	}
	wallet, err := GetWallet(ctx, db, "drift")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if wallet.Available != 30 || wallet.LastSeq != 1 {
		t.Fatalf("unexpected repaired mirror: %+v", wallet)
	}
	if broken, _ := GetWallet(ctx, db, "broken"); broken == nil || broken.Available != 30 {
		t.Fatalf("mirror of a broken chain must keep its last good value: %+v", broken)
	}
}
