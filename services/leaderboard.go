package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"rewards-engine/logger"
	"rewards-engine/models"
	"rewards-engine/utils"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Scope selects the population of a leaderboard. The global scope has an
// empty key.
type Scope struct {
	Type string `gorm:"column:scope_type" json:"scope_type"`
	Key  string `gorm:"column:scope_key" json:"scope_key"`
}

var GlobalScope = Scope{Type: models.ScopeGlobal}

func (s Scope) String() string {
	if s.Type == models.ScopeGlobal {
		return models.ScopeGlobal
	}
	return s.Type + ":" + s.Key
}

// NewScope normalizes a (type, key) pair as it comes from a URL or config.
func NewScope(scopeType, key string) (Scope, error) {
	scopeType = strings.ToLower(strings.TrimSpace(scopeType))
	if scopeType == "" || scopeType == models.ScopeGlobal {
		return GlobalScope, nil
	}
	if !challengeScopes[scopeType] {
		return Scope{}, fmt.Errorf("%w: unknown scope type %q", ErrInvalidInput, scopeType)
	}
	key = utils.NormalizeScopeKey(key)
	if key == "" {
		return Scope{}, fmt.Errorf("%w: scope %s needs a key", ErrInvalidInput, scopeType)
	}
	return Scope{Type: scopeType, Key: key}, nil
}

// SnapshotArchiver stores published snapshots outside the database.
type SnapshotArchiver interface {
	PutJSON(ctx context.Context, name string, body []byte) (string, error)
}

// ScoredAccount is one row of the population being ranked.
type ScoredAccount struct {
	AccountID string
	Score     int64
}

// RankScores orders by score descending, then account id ascending, and
// numbers the result 1..N. The input slice is not modified.
func RankScores(in []ScoredAccount) []models.LeaderboardEntry {
	sorted := make([]ScoredAccount, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].AccountID < sorted[j].AccountID
	})
	out := make([]models.LeaderboardEntry, len(sorted))
	for i, sa := range sorted {
		out[i] = models.LeaderboardEntry{AccountID: sa.AccountID, Rank: i + 1, Score: sa.Score}
	}
	return out
}

// applyTrends fills PreviousRank and Trend from the previous snapshot's ranks.
func applyTrends(entries []models.LeaderboardEntry, previous map[string]int) {
	for i := range entries {
		e := &entries[i]
		prev, ok := previous[e.AccountID]
		if !ok {
			e.Trend = models.TrendNew
			continue
		}
		p := prev
		e.PreviousRank = &p
		switch {
		case e.Rank < prev:
			e.Trend = models.TrendUp
		case e.Rank > prev:
			e.Trend = models.TrendDown
		default:
			e.Trend = models.TrendSame
		}
	}
}

// PeriodKey names the period a board type covers at t: "2026-W42",
// "2026-10" or "all-time".
func PeriodKey(typ models.LeaderboardType, t time.Time) string {
	t = t.UTC()
	switch typ {
	case models.LeaderboardWeeklyXP:
		y, w := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", y, w)
	case models.LeaderboardMonthlyXP:
		return t.Format("2006-01")
	default:
		return "all-time"
	}
}

func scoreColumn(typ models.LeaderboardType) (string, error) {
	switch typ {
	case models.LeaderboardWeeklyXP:
		return "weekly_earned", nil
	case models.LeaderboardMonthlyXP:
		return "monthly_earned", nil
	case models.LeaderboardAllTimeXP:
		return "total_earned", nil
	default:
		return "", fmt.Errorf("%w: unknown leaderboard type %q", ErrInvalidInput, typ)
	}
}

var LeaderboardTypes = []models.LeaderboardType{
	models.LeaderboardWeeklyXP,
	models.LeaderboardMonthlyXP,
	models.LeaderboardAllTimeXP,
}

const publishAttempts = 3

type LeaderboardService struct {
	DB       *gorm.DB
	Log      *logger.Logger
	Notifier Notifier
	Archiver SnapshotArchiver
	Now      func() time.Time
	// Parallelism bounds SnapshotAll.
	Parallelism int
}

func NewLeaderboardService(db *gorm.DB, log *logger.Logger, notifier Notifier, archiver SnapshotArchiver) *LeaderboardService {
	if log == nil {
		log = logger.Nop()
	}
	return &LeaderboardService{
		DB:          db,
		Log:         log,
		Notifier:    notifier,
		Archiver:    archiver,
		Now:         func() time.Time { return time.Now().UTC() },
		Parallelism: 4,
	}
}

func (s *LeaderboardService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// scores reads the population without row locks. Accounts with no XP in the
// period are left off the board.
func (s *LeaderboardService) scores(ctx context.Context, typ models.LeaderboardType, scope Scope) ([]ScoredAccount, error) {
	col, err := scoreColumn(typ)
	if err != nil {
		return nil, err
	}
	q := s.DB.WithContext(ctx).Table("accounts").
		Select("accounts.student_id AS account_id, accounts." + col + " AS score").
		Where("accounts." + col + " > 0")
	if scope.Type != models.ScopeGlobal {
		q = q.Joins("JOIN scope_memberships sm ON sm.account_id = accounts.student_id").
			Where("sm.scope_type = ? AND sm.scope_key = ?", scope.Type, scope.Key)
	}
	var out []ScoredAccount
	if err := q.Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot ranks the current population and publishes it as the current
// board for (typ, scope). An empty period means the period containing now.
func (s *LeaderboardService) Snapshot(ctx context.Context, typ models.LeaderboardType, scope Scope, period string) (*models.LeaderboardSnapshot, error) {
	if _, err := scoreColumn(typ); err != nil {
		return nil, err
	}
	if period == "" {
		period = PeriodKey(typ, s.now())
	}

	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		snap, events, err := s.publish(ctx, typ, scope, period)
		if err == nil {
			s.afterPublish(ctx, snap, events)
			return snap, nil
		}
		if !errors.Is(err, ErrConcurrentModification) && !isRetryable(err) && !isDuplicateKey(err) {
			return nil, err
		}
		lastErr = err
		s.Log.Warn("leaderboard publish raced, retrying", "type", typ, "scope", scope.String(), "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("%w: %v", ErrConcurrentModification, lastErr)
}

func (s *LeaderboardService) publish(ctx context.Context, typ models.LeaderboardType, scope Scope, period string) (*models.LeaderboardSnapshot, []*models.Notification, error) {
	population, err := s.scores(ctx, typ, scope)
	if err != nil {
		return nil, nil, err
	}
	entries := RankScores(population)

	db := s.DB.WithContext(ctx)
	prevID, previous, err := s.headRanks(db, typ, scope)
	if err != nil {
		return nil, nil, err
	}
	applyTrends(entries, previous)

	now := s.now()
	snap := &models.LeaderboardSnapshot{
		Type:      typ,
		ScopeType: scope.Type,
		ScopeKey:  scope.Key,
		Period:    period,
		CreatedAt: now,
		Entries:   entries,
	}
	if prevID != "" {
		id := prevID
		snap.PreviousSnapshotID = &id
	}

	var events []*models.Notification
	err = db.Transaction(func(tx *gorm.DB) error {
		var maxRev int
		if err := tx.Model(&models.LeaderboardSnapshot{}).
			Where("type = ? AND scope_type = ? AND scope_key = ? AND period = ?", typ, scope.Type, scope.Key, period).
			Select("COALESCE(MAX(revision), 0)").
			Scan(&maxRev).Error; err != nil {
			return err
		}
		snap.Revision = maxRev + 1

		if err := tx.Create(snap).Error; err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		if err := swapHead(tx, typ, scope, prevID, snap.ID, now); err != nil {
			return err
		}

		events = rankChangeEvents(snap)
		for _, n := range events {
			if err := tx.Create(n).Error; err != nil {
				return fmt.Errorf("store notification: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return snap, events, nil
}

// swapHead moves the current pointer from prevID to nextID. It fails with
// ErrConcurrentModification if someone else moved it first.
func swapHead(tx *gorm.DB, typ models.LeaderboardType, scope Scope, prevID, nextID string, at time.Time) error {
	if prevID == "" {
		head := models.LeaderboardHead{Type: typ, ScopeType: scope.Type, ScopeKey: scope.Key, SnapshotID: nextID, UpdatedAt: at}
		if err := tx.Create(&head).Error; err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: head already exists", ErrConcurrentModification)
			}
			return err
		}
		return nil
	}
	res := tx.Model(&models.LeaderboardHead{}).
		Where("type = ? AND scope_type = ? AND scope_key = ? AND snapshot_id = ?", typ, scope.Type, scope.Key, prevID).
		Updates(map[string]interface{}{"snapshot_id": nextID, "updated_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: head moved", ErrConcurrentModification)
	}
	return nil
}

func (s *LeaderboardService) headRanks(db *gorm.DB, typ models.LeaderboardType, scope Scope) (string, map[string]int, error) {
	var head models.LeaderboardHead
	err := db.Where("type = ? AND scope_type = ? AND scope_key = ?", typ, scope.Type, scope.Key).First(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", map[string]int{}, nil
	}
	if err != nil {
		return "", nil, err
	}
	var prev []models.LeaderboardEntry
	if err := db.Select("account_id", "rank").Where("snapshot_id = ?", head.SnapshotID).Find(&prev).Error; err != nil {
		return "", nil, err
	}
	ranks := make(map[string]int, len(prev))
	for _, e := range prev {
		ranks[e.AccountID] = e.Rank
	}
	return head.SnapshotID, ranks, nil
}

func rankChangeEvents(snap *models.LeaderboardSnapshot) []*models.Notification {
	board := strings.ReplaceAll(string(snap.Type), "_", " ")
	var out []*models.Notification
	for _, e := range snap.Entries {
		if e.Trend != models.TrendUp && e.Trend != models.TrendDown {
			continue
		}
		verb := "climbed"
		if e.Trend == models.TrendDown {
			verb = "dropped"
		}
		n := NewNotification(e.AccountID, models.NotifyRankChanged,
			"leaderboard update",
			fmt.Sprintf("You %s to rank %d on the %s board.", verb, e.Rank, board),
			map[string]interface{}{
				"snapshot_id": snap.ID, "type": snap.Type, "scope_type": snap.ScopeType, "scope_key": snap.ScopeKey,
				"period": snap.Period, "rank": e.Rank, "previous_rank": *e.PreviousRank, "trend": e.Trend,
			})
		n.CreatedAt = snap.CreatedAt
		out = append(out, n)
	}
	return out
}

func (s *LeaderboardService) afterPublish(ctx context.Context, snap *models.LeaderboardSnapshot, events []*models.Notification) {
	s.Log.Info("leaderboard published",
		"type", snap.Type, "scope", Scope{Type: snap.ScopeType, Key: snap.ScopeKey}.String(),
		"period", snap.Period, "revision", snap.Revision, "entries", len(snap.Entries))

	if s.Notifier != nil {
		for _, n := range events {
			if err := s.Notifier.Notify(ctx, n); err != nil {
				s.Log.Warn("notify failed", "type", n.Type, "student_id", n.AccountID, "error", err)
			}
		}
	}

	if s.Archiver != nil {
		body, err := json.Marshal(snap)
		if err != nil {
			s.Log.Warn("snapshot encode failed", "snapshot_id", snap.ID, "error", err)
			return
		}
		scopeKey := snap.ScopeKey
		if scopeKey == "" {
			scopeKey = "all"
		}
		name := fmt.Sprintf("%s/%s/%s/%s-r%d.json", snap.Type, snap.ScopeType, scopeKey, snap.Period, snap.Revision)
		if key, err := s.Archiver.PutJSON(ctx, name, body); err != nil {
			s.Log.Warn("snapshot archive failed", "snapshot_id", snap.ID, "error", err)
		} else {
			s.Log.Debug("snapshot archived", "snapshot_id", snap.ID, "key", key)
		}
	}
}

// GetCurrent returns the snapshot the head points at, entries in rank order.
func (s *LeaderboardService) GetCurrent(ctx context.Context, typ models.LeaderboardType, scope Scope) (*models.LeaderboardSnapshot, error) {
	if _, err := scoreColumn(typ); err != nil {
		return nil, err
	}
	db := s.DB.WithContext(ctx)
	var head models.LeaderboardHead
	if err := db.Where("type = ? AND scope_type = ? AND scope_key = ?", typ, scope.Type, scope.Key).First(&head).Error; err != nil {
		return nil, notFound(err)
	}
	var snap models.LeaderboardSnapshot
	err := db.Preload("Entries", func(q *gorm.DB) *gorm.DB { return q.Order("rank ASC") }).
		Where("id = ?", head.SnapshotID).
		First(&snap).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &snap, nil
}

// ListScopes returns the global scope plus every scope that has members.
func (s *LeaderboardService) ListScopes(ctx context.Context) ([]Scope, error) {
	var rows []Scope
	err := s.DB.WithContext(ctx).Model(&models.ScopeMembership{}).
		Distinct("scope_type", "scope_key").
		Order("scope_type, scope_key").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return append([]Scope{GlobalScope}, rows...), nil
}

// SnapshotAll publishes typ for every scope, a few scopes at a time. One
// failing scope does not stop the others.
func (s *LeaderboardService) SnapshotAll(ctx context.Context, typ models.LeaderboardType, period string) error {
	scopes, err := s.ListScopes(ctx)
	if err != nil {
		return err
	}
	limit := s.Parallelism
	if limit <= 0 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	errs := make([]error, len(scopes))
	for i, sc := range scopes {
		i, sc := i, sc
		g.Go(func() error {
			if _, err := s.Snapshot(gctx, typ, sc, period); err != nil {
				errs[i] = fmt.Errorf("%s %s: %w", typ, sc.String(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
