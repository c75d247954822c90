package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rewards-engine/logger"
	"rewards-engine/models"

	"github.com/gosimple/slug"
	lru "github.com/hashicorp/golang-lru"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EvaluationTrigger names what caused a badge pass. It only shows up in logs
// and notification payloads.
type EvaluationTrigger string

const (
	TriggerOutcome   EvaluationTrigger = "outcome"
	TriggerChallenge EvaluationTrigger = "challenge"
	TriggerLedger    EvaluationTrigger = "ledger"
	TriggerManual    EvaluationTrigger = "manual"
)

// Badge XP can raise the level, which can satisfy further badges. Passes stop
// at this bound.
const maxEvaluationPasses = 3

const criteriaCacheSize = 512

type BadgeService struct {
	DB     *gorm.DB
	Ledger *LedgerService
	Log    *logger.Logger

	criteria *lru.Cache
}

func NewBadgeService(db *gorm.DB, ledger *LedgerService, log *logger.Logger) *BadgeService {
	if log == nil {
		log = logger.Nop()
	}
	cache, err := lru.New(criteriaCacheSize)
	if err != nil {
		// only fails on a non-positive size
		panic(err)
	}
	return &BadgeService{DB: db, Ledger: ledger, Log: log, criteria: cache}
}

// NewlyEarnedBadge is returned for each badge flipped to earned.
type NewlyEarnedBadge struct {
	BadgeID  string    `json:"badge_id"`
	Code     string    `json:"code"`
	Name     string    `json:"name"`
	Tier     string    `json:"tier"`
	XPReward int64     `json:"xp_reward"`
	EntryID  string    `json:"ledger_entry_id,omitempty"`
	EarnedAt time.Time `json:"earned_at"`
}

// BadgeAwardKey is the ledger idempotency key for a badge's XP. Re-evaluation
// can never pay the same badge twice.
func BadgeAwardKey(accountID, badgeID string) string {
	return fmt.Sprintf("badge:%s:%s", accountID, badgeID)
}

// badgeScope is the decoded BadgeDefinition.TargetScope.
type badgeScope struct {
	Roles    []string `json:"roles,omitempty"`
	Grades   []string `json:"grades,omitempty"`
	Subjects []string `json:"subjects,omitempty"`
}

// Evaluate runs badge passes for one account in its own account transaction.
func (s *BadgeService) Evaluate(ctx context.Context, accountID string, trigger EvaluationTrigger) ([]NewlyEarnedBadge, error) {
	var earned []NewlyEarnedBadge
	err := s.Ledger.WithAccount(ctx, accountID, func(atx *AccountTx) error {
		var err error
		earned, err = s.EvaluateIn(atx, trigger)
		return err
	})
	if err != nil {
		return nil, err
	}
	return earned, nil
}

// EvaluateIn runs badge passes inside an open account transaction. Criteria
// and scope errors skip that badge; store errors abort.
func (s *BadgeService) EvaluateIn(atx *AccountTx, trigger EvaluationTrigger) ([]NewlyEarnedBadge, error) {
	ctx := atx.Ctx
	accountID := atx.Account.StudentID

	var defs []models.BadgeDefinition
	if err := atx.Tx.Order("created_at ASC, id ASC").Find(&defs).Error; err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, nil
	}

	rows, err := s.studentBadges(atx.Tx, accountID)
	if err != nil {
		return nil, err
	}
	scope, err := loadScopeFacts(atx.Tx, accountID)
	if err != nil {
		return nil, err
	}
	stats := newAccountStats(atx.Tx, atx.Account)

	var earned []NewlyEarnedBadge
	for pass := 0; pass < maxEvaluationPasses; pass++ {
		newThisPass := 0
		for i := range defs {
			def := &defs[i]
			row := rows[def.ID]
			if row != nil && row.IsEarned {
				continue
			}
			inScope, err := scope.allows(def)
			if err != nil {
				s.Log.Warn("badge skipped", "badge", def.Code, "error", err)
				continue
			}
			if !inScope {
				continue
			}
			crit, err := s.criterion(def)
			if err != nil {
				s.Log.Warn("badge skipped", "badge", def.Code, "error", err)
				continue
			}
			progress, ok, err := crit.Evaluate(ctx, stats)
			if err != nil {
				return earned, fmt.Errorf("evaluate badge %s: %w", def.Code, err)
			}

			if ok {
				nb, err := s.grant(atx, def, row, string(trigger))
				if err != nil {
					return earned, err
				}
				rows[def.ID] = nb.row
				earned = append(earned, nb.NewlyEarnedBadge)
				newThisPass++
				continue
			}
			if row == nil || row.Progress != progress {
				row, err = s.saveProgress(atx.Tx, accountID, def.ID, row, progress)
				if err != nil {
					return earned, err
				}
				rows[def.ID] = row
			}
		}
		if newThisPass == 0 {
			break
		}
	}

	if len(earned) > 0 {
		s.Log.Info("badges earned", "student_id", accountID, "count", len(earned), "trigger", trigger)
	}
	return earned, nil
}

// AwardBadge grants one badge regardless of its criteria. Already earned
// badges return nil without error.
func (s *BadgeService) AwardBadge(ctx context.Context, accountID, badgeID, source string) (*NewlyEarnedBadge, error) {
	var out *NewlyEarnedBadge
	err := s.Ledger.WithAccount(ctx, accountID, func(atx *AccountTx) error {
		var err error
		out, err = s.AwardBadgeIn(atx, badgeID, source)
		return err
	})
	return out, err
}

// AwardBadgeIn is AwardBadge inside an open account transaction.
func (s *BadgeService) AwardBadgeIn(atx *AccountTx, badgeID, source string) (*NewlyEarnedBadge, error) {
	var def models.BadgeDefinition
	if err := atx.Tx.Where("id = ?", badgeID).First(&def).Error; err != nil {
		return nil, notFound(err)
	}
	var row models.StudentBadge
	err := atx.Tx.Where("account_id = ? AND badge_id = ?", atx.Account.StudentID, badgeID).First(&row).Error
	switch {
	case err == nil:
		if row.IsEarned {
			return nil, nil
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, err
	}

	var existing *models.StudentBadge
	if err == nil {
		existing = &row
	}
	nb, err := s.grant(atx, &def, existing, source)
	if err != nil {
		return nil, err
	}
	return &nb.NewlyEarnedBadge, nil
}

type grantedBadge struct {
	NewlyEarnedBadge
	row *models.StudentBadge
}

func (s *BadgeService) grant(atx *AccountTx, def *models.BadgeDefinition, row *models.StudentBadge, source string) (*grantedBadge, error) {
	accountID := atx.Account.StudentID
	now := atx.Now

	out := &grantedBadge{NewlyEarnedBadge: NewlyEarnedBadge{
		BadgeID:  def.ID,
		Code:     def.Code,
		Name:     def.Name,
		Tier:     def.Tier,
		XPReward: def.XPReward,
		EarnedAt: now,
	}}

	if def.XPReward > 0 {
		res, err := s.Ledger.Post(atx, PostRequest{
			Kind:           models.EntryBonus,
			Amount:         def.XPReward,
			Source:         "badge:" + def.ID,
			IdempotencyKey: BadgeAwardKey(accountID, def.ID),
			Metadata:       map[string]interface{}{"badge_code": def.Code, "trigger": source},
		})
		if err != nil {
			return nil, fmt.Errorf("badge %s xp: %w", def.Code, err)
		}
		out.EntryID = res.Entry.ID
	}

	if row == nil {
		row = &models.StudentBadge{AccountID: accountID, BadgeID: def.ID}
	}
	row.IsEarned = true
	row.Progress = 100
	row.EarnedAt = &now
	if err := atx.Tx.Save(row).Error; err != nil {
		return nil, fmt.Errorf("save student badge: %w", err)
	}
	out.row = row

	atx.Emit(NewNotification(accountID, models.NotifyBadgeEarned,
		"badge earned",
		fmt.Sprintf("You earned the %s badge.", def.Name),
		map[string]interface{}{"badge_id": def.ID, "code": def.Code, "tier": def.Tier, "xp_reward": def.XPReward}))
	return out, nil
}

func (s *BadgeService) saveProgress(tx *gorm.DB, accountID, badgeID string, row *models.StudentBadge, progress int) (*models.StudentBadge, error) {
	if row == nil {
		row = &models.StudentBadge{AccountID: accountID, BadgeID: badgeID}
	}
	row.Progress = progress
	if err := tx.Save(row).Error; err != nil {
		return nil, fmt.Errorf("save badge progress: %w", err)
	}
	return row, nil
}

func (s *BadgeService) studentBadges(db *gorm.DB, accountID string) (map[string]*models.StudentBadge, error) {
	var rows []models.StudentBadge
	if err := db.Where("account_id = ?", accountID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*models.StudentBadge, len(rows))
	for i := range rows {
		out[rows[i].BadgeID] = &rows[i]
	}
	return out, nil
}

// criterion parses a definition's criteria once. Definitions are immutable so
// the cache never needs invalidation.
func (s *BadgeService) criterion(def *models.BadgeDefinition) (Criterion, error) {
	if v, ok := s.criteria.Get(def.ID); ok {
		return v.(Criterion), nil
	}
	c, err := ParseCriterion(def.Criteria)
	if err != nil {
		return nil, err
	}
	s.criteria.Add(def.ID, c)
	return c, nil
}

// scopeFacts is what the target scope filter compares against.
type scopeFacts struct {
	roles    map[string]bool
	grades   map[string]bool
	subjects map[string]bool
}

func loadScopeFacts(db *gorm.DB, accountID string) (*scopeFacts, error) {
	f := &scopeFacts{roles: map[string]bool{}, grades: map[string]bool{}, subjects: map[string]bool{}}

	var members []models.ScopeMembership
	if err := db.Where("account_id = ?", accountID).Find(&members).Error; err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.Role != "" {
			f.roles[strings.ToLower(m.Role)] = true
		}
		if m.Grade != "" {
			f.grades[strings.ToLower(m.Grade)] = true
		}
	}
	if len(f.roles) == 0 {
		f.roles["student"] = true
	}

	var subjects []string
	if err := db.Model(&models.SubjectAccuracy{}).
		Where("account_id = ?", accountID).
		Pluck("subject", &subjects).Error; err != nil {
		return nil, err
	}
	for _, sub := range subjects {
		f.subjects[strings.ToLower(sub)] = true
	}
	return f, nil
}

// allows applies a definition's target scope. Each listed dimension must match
// at least one of the student's values; empty dimensions match everyone.
func (f *scopeFacts) allows(def *models.BadgeDefinition) (bool, error) {
	if len(def.TargetScope) == 0 || string(def.TargetScope) == "null" {
		return true, nil
	}
	var sc badgeScope
	if err := json.Unmarshal(def.TargetScope, &sc); err != nil {
		return false, fmt.Errorf("%w: target scope: %v", ErrUnknownBadgeCriterion, err)
	}
	return anyIn(sc.Roles, f.roles) && anyIn(sc.Grades, f.grades) && anyIn(sc.Subjects, f.subjects), nil
}

func anyIn(want []string, have map[string]bool) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if have[strings.ToLower(strings.TrimSpace(w))] {
			return true
		}
	}
	return false
}

// BadgeView is a definition joined with the student's progress.
type BadgeView struct {
	models.BadgeDefinition
	Progress int        `json:"progress"`
	IsEarned bool       `json:"is_earned"`
	EarnedAt *time.Time `json:"earned_at,omitempty"`
}

// ListAvailable lists badges in the student's scope. Secret badges only show
// up once earned.
func (s *BadgeService) ListAvailable(ctx context.Context, accountID string) ([]BadgeView, error) {
	db := s.DB.WithContext(ctx)
	var defs []models.BadgeDefinition
	if err := db.Order("created_at ASC, id ASC").Find(&defs).Error; err != nil {
		return nil, err
	}
	rows, err := s.studentBadges(db, accountID)
	if err != nil {
		return nil, err
	}
	scope, err := loadScopeFacts(db, accountID)
	if err != nil {
		return nil, err
	}

	out := make([]BadgeView, 0, len(defs))
	for _, def := range defs {
		row := rows[def.ID]
		earned := row != nil && row.IsEarned
		if def.IsSecret && !earned {
			continue
		}
		if !earned {
			ok, err := scope.allows(&def)
			if err != nil || !ok {
				continue
			}
		}
		v := BadgeView{BadgeDefinition: def}
		if row != nil {
			v.Progress, v.IsEarned, v.EarnedAt = row.Progress, row.IsEarned, row.EarnedAt
		}
		out = append(out, v)
	}
	return out, nil
}

// GetBadges returns the student's badge rows, earned first.
func (s *BadgeService) GetBadges(ctx context.Context, accountID string) ([]models.StudentBadge, error) {
	var rows []models.StudentBadge
	err := s.DB.WithContext(ctx).
		Preload("Badge").
		Where("account_id = ?", accountID).
		Order("is_earned DESC, earned_at DESC, progress DESC").
		Find(&rows).Error
	return rows, err
}

// BadgeInput is the admin payload for a new badge definition.
type BadgeInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	IconURL     string          `json:"icon_url"`
	Tier        string          `json:"tier"`
	XPReward    int64           `json:"xp_reward"`
	Criteria    json.RawMessage `json:"criteria"`
	TargetScope json.RawMessage `json:"target_scope,omitempty"`
	IsSecret    bool            `json:"is_secret"`
}

var badgeTiers = map[string]bool{"bronze": true, "silver": true, "gold": true, "platinum": true}

// CreateDefinition validates criteria and scope before storing. The code is
// the slug of the name.
func (s *BadgeService) CreateDefinition(ctx context.Context, in BadgeInput) (*models.BadgeDefinition, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: badge name is required", ErrInvalidInput)
	}
	if in.XPReward < 0 {
		return nil, ErrInvalidAmount
	}
	tier := strings.ToLower(strings.TrimSpace(in.Tier))
	if tier == "" {
		tier = "bronze"
	}
	if !badgeTiers[tier] {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, in.Tier)
	}
	if _, err := ParseCriterion(in.Criteria); err != nil {
		return nil, err
	}
	var scope datatypes.JSON
	if len(in.TargetScope) > 0 && string(in.TargetScope) != "null" {
		var sc badgeScope
		if err := json.Unmarshal(in.TargetScope, &sc); err != nil {
			return nil, fmt.Errorf("%w: target scope: %v", ErrUnknownBadgeCriterion, err)
		}
		scope = datatypes.JSON(in.TargetScope)
	}

	def := &models.BadgeDefinition{
		Code:        slug.Make(name),
		Name:        name,
		Description: in.Description,
		IconURL:     in.IconURL,
		Tier:        tier,
		XPReward:    in.XPReward,
		Criteria:    datatypes.JSON(in.Criteria),
		TargetScope: scope,
		IsSecret:    in.IsSecret,
	}
	if err := s.DB.WithContext(ctx).Create(def).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, fmt.Errorf("badge %q already exists: %w", def.Code, err)
		}
		return nil, err
	}
	s.Log.Info("badge defined", "code", def.Code, "tier", def.Tier)
	return def, nil
}
