package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rewards-engine/logger"
	"rewards-engine/models"
	"rewards-engine/utils"

	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

var challengeScopes = map[string]bool{
	models.ScopeGlobal: true,
	"class":            true,
	"school":           true,
	"grade":            true,
}

// ChallengeCompletionKey is the ledger idempotency key for a challenge reward.
func ChallengeCompletionKey(accountID, challengeID string) string {
	return fmt.Sprintf("challenge:%s:%s:completion", accountID, challengeID)
}

// monotonic metrics keep their maximum; the delta metric is measured from the
// baseline captured at join time.
func metricIsDelta(m models.ChallengeMetric) (bool, error) {
	switch m {
	case models.MetricProblemsCompleted, models.MetricStreakDays, models.MetricTimeSpent:
		return false, nil
	case models.MetricAccuracyImprovement:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrMalformedChallengeMetric, m)
	}
}

type ChallengeService struct {
	DB     *gorm.DB
	Ledger *LedgerService
	Badges *BadgeService
	Log    *logger.Logger
}

func NewChallengeService(db *gorm.DB, ledger *LedgerService, badges *BadgeService, log *logger.Logger) *ChallengeService {
	if log == nil {
		log = logger.Nop()
	}
	return &ChallengeService{DB: db, Ledger: ledger, Badges: badges, Log: log}
}

// ChallengeInput is the admin payload for a new challenge.
type ChallengeInput struct {
	Title         string                 `json:"title"`
	Description   string                 `json:"description"`
	Metric        models.ChallengeMetric `json:"metric"`
	Subject       string                 `json:"subject"`
	TargetValue   float64                `json:"target_value"`
	StartsAt      time.Time              `json:"starts_at"`
	EndsAt        time.Time              `json:"ends_at"`
	XPReward      int64                  `json:"xp_reward"`
	BadgeRewardID *string                `json:"badge_reward_id"`
	ScopeType     string                 `json:"scope_type"`
	ScopeKey      string                 `json:"scope_key"`
}

// Create validates and stores a challenge. Challenges are not edited later.
func (s *ChallengeService) Create(ctx context.Context, in ChallengeInput) (*models.Challenge, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: challenge title is required", ErrInvalidInput)
	}
	if _, err := metricIsDelta(in.Metric); err != nil {
		return nil, err
	}
	if in.Metric == models.MetricAccuracyImprovement && strings.TrimSpace(in.Subject) == "" {
		return nil, fmt.Errorf("%w: accuracy_improvement needs a subject", ErrMalformedChallengeMetric)
	}
	if in.TargetValue <= 0 {
		return nil, fmt.Errorf("%w: target must be positive", ErrMalformedChallengeMetric)
	}
	if in.StartsAt.IsZero() || !in.EndsAt.After(in.StartsAt) {
		return nil, fmt.Errorf("%w: challenge window must end after it starts", ErrInvalidInput)
	}
	if in.XPReward < 0 {
		return nil, ErrInvalidAmount
	}

	scopeType := strings.ToLower(strings.TrimSpace(in.ScopeType))
	if scopeType == "" {
		scopeType = models.ScopeGlobal
	}
	if !challengeScopes[scopeType] {
		return nil, fmt.Errorf("%w: unknown scope type %q", ErrInvalidInput, in.ScopeType)
	}
	scopeKey := utils.NormalizeScopeKey(in.ScopeKey)
	if scopeType != models.ScopeGlobal && scopeKey == "" {
		return nil, fmt.Errorf("%w: scope %s needs a scope key", ErrInvalidInput, scopeType)
	}
	if scopeType == models.ScopeGlobal {
		scopeKey = ""
	}

	db := s.DB.WithContext(ctx)
	if in.BadgeRewardID != nil && *in.BadgeRewardID != "" {
		var n int64
		if err := db.Model(&models.BadgeDefinition{}).Where("id = ?", *in.BadgeRewardID).Count(&n).Error; err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("badge reward %s: %w", *in.BadgeRewardID, ErrNotFound)
		}
	} else {
		in.BadgeRewardID = nil
	}

	ch := &models.Challenge{
		Slug:          slug.Make(title + " " + in.StartsAt.UTC().Format("2006-01-02")),
		Title:         title,
		Description:   in.Description,
		Metric:        in.Metric,
		Subject:       strings.TrimSpace(in.Subject),
		TargetValue:   in.TargetValue,
		StartsAt:      in.StartsAt.UTC(),
		EndsAt:        in.EndsAt.UTC(),
		XPReward:      in.XPReward,
		BadgeRewardID: in.BadgeRewardID,
		ScopeType:     scopeType,
		ScopeKey:      scopeKey,
	}
	if err := db.Create(ch).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, fmt.Errorf("challenge %q already exists: %w", ch.Slug, err)
		}
		return nil, err
	}
	s.Log.Info("challenge created", "slug", ch.Slug, "metric", ch.Metric, "ends_at", ch.EndsAt)
	return ch, nil
}

// ListActive returns challenges whose window contains at.
func (s *ChallengeService) ListActive(ctx context.Context, at time.Time) ([]models.Challenge, error) {
	var out []models.Challenge
	err := s.DB.WithContext(ctx).
		Where("starts_at <= ? AND ends_at > ?", at, at).
		Order("ends_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// eligible checks the challenge scope against the student's memberships.
func eligible(tx *gorm.DB, accountID string, ch *models.Challenge) (bool, error) {
	if ch.ScopeType == models.ScopeGlobal {
		return true, nil
	}
	var n int64
	err := tx.Model(&models.ScopeMembership{}).
		Where("account_id = ? AND scope_type = ? AND scope_key = ?", accountID, ch.ScopeType, ch.ScopeKey).
		Count(&n).Error
	return n > 0, err
}

// Join enrols a student once and captures the baseline for delta metrics.
// Joining again returns the existing participation unchanged.
func (s *ChallengeService) Join(ctx context.Context, accountID, challengeID string, baseline float64) (*models.ChallengeParticipation, error) {
	var out *models.ChallengeParticipation
	err := s.Ledger.WithAccount(ctx, accountID, func(atx *AccountTx) error {
		ch, err := loadChallenge(atx.Tx, challengeID)
		if err != nil {
			return err
		}
		p, err := s.joinIn(atx, ch, baseline)
		out = p
		return err
	})
	return out, err
}

func (s *ChallengeService) joinIn(atx *AccountTx, ch *models.Challenge, baseline float64) (*models.ChallengeParticipation, error) {
	accountID := atx.Account.StudentID
	var p models.ChallengeParticipation
	err := atx.Tx.Where("account_id = ? AND challenge_id = ?", accountID, ch.ID).First(&p).Error
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if !ch.Open(atx.Now) {
		return nil, ErrChallengeClosed
	}
	ok, err := eligible(atx.Tx, accountID, ch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotEligible
	}

	delta, err := metricIsDelta(ch.Metric)
	if err != nil {
		return nil, err
	}
	p = models.ChallengeParticipation{
		AccountID:   accountID,
		ChallengeID: ch.ID,
		JoinedAt:    atx.Now,
	}
	if delta {
		p.StartingBaseline = baseline
	}
	if err := atx.Tx.Create(&p).Error; err != nil {
		return nil, fmt.Errorf("join challenge: %w", err)
	}
	return &p, nil
}

func loadChallenge(tx *gorm.DB, challengeID string) (*models.Challenge, error) {
	var ch models.Challenge
	if err := tx.Where("id = ?", challengeID).First(&ch).Error; err != nil {
		return nil, notFound(err)
	}
	return &ch, nil
}

// ParticipationUpdate is the result of one RecordProgress call.
type ParticipationUpdate struct {
	Participation *models.ChallengeParticipation `json:"participation"`
	PreviousValue float64                        `json:"previous_value"`
	Completed     bool                           `json:"completed"` // completed by this call
	XPEntryID     string                         `json:"xp_entry_id,omitempty"`
	Badges        []NewlyEarnedBadge             `json:"badges,omitempty"`
}

// RecordProgress feeds a new metric value into a participation, joining with
// newValue as baseline if needed.
func (s *ChallengeService) RecordProgress(ctx context.Context, accountID, challengeID string, newValue float64) (*ParticipationUpdate, error) {
	var out *ParticipationUpdate
	err := s.Ledger.WithAccount(ctx, accountID, func(atx *AccountTx) error {
		ch, err := loadChallenge(atx.Tx, challengeID)
		if err != nil {
			return err
		}
		out, err = s.RecordProgressIn(atx, ch, newValue)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordProgressIn is RecordProgress inside an open account transaction.
// Completion and its rewards happen at most once per participation.
func (s *ChallengeService) RecordProgressIn(atx *AccountTx, ch *models.Challenge, newValue float64) (*ParticipationUpdate, error) {
	delta, err := metricIsDelta(ch.Metric)
	if err != nil {
		return nil, err
	}
	if !ch.Open(atx.Now) {
		return nil, ErrChallengeClosed
	}
	p, err := s.joinIn(atx, ch, newValue)
	if err != nil {
		return nil, err
	}

	upd := &ParticipationUpdate{Participation: p, PreviousValue: p.CurrentValue}
	if delta {
		p.CurrentValue = newValue - p.StartingBaseline
	} else if newValue > p.CurrentValue {
		p.CurrentValue = newValue
	}

	if p.CurrentValue != upd.PreviousValue {
		point := models.ChallengeProgressPoint{ParticipationID: p.ID, Value: p.CurrentValue, RecordedAt: atx.Now}
		if err := atx.Tx.Create(&point).Error; err != nil {
			return nil, fmt.Errorf("append progress: %w", err)
		}
	}

	if !p.IsCompleted && p.CurrentValue >= ch.TargetValue {
		if err := s.complete(atx, ch, p, upd); err != nil {
			return nil, err
		}
	}

	if err := atx.Tx.Save(p).Error; err != nil {
		return nil, fmt.Errorf("save participation: %w", err)
	}

	if upd.Completed && s.Badges != nil {
		more, err := s.Badges.EvaluateIn(atx, TriggerChallenge)
		if err != nil {
			return nil, err
		}
		upd.Badges = append(upd.Badges, more...)
	}
	return upd, nil
}

func (s *ChallengeService) complete(atx *AccountTx, ch *models.Challenge, p *models.ChallengeParticipation, upd *ParticipationUpdate) error {
	accountID := atx.Account.StudentID
	now := atx.Now
	p.IsCompleted = true
	p.CompletedAt = &now
	upd.Completed = true

	if ch.XPReward > 0 && !p.XPGranted {
		res, err := s.Ledger.Post(atx, PostRequest{
			Kind:           models.EntryBonus,
			Amount:         ch.XPReward,
			Source:         "challenge:" + ch.ID,
			IdempotencyKey: ChallengeCompletionKey(accountID, ch.ID),
			Metadata:       map[string]interface{}{"challenge_slug": ch.Slug},
		})
		if err != nil {
			return fmt.Errorf("challenge %s xp: %w", ch.Slug, err)
		}
		p.XPGranted = true
		upd.XPEntryID = res.Entry.ID
	}

	st, err := statsForUpdate(atx.Tx, accountID)
	if err != nil {
		return err
	}
	st.ChallengesCompleted++
	if err := atx.Tx.Save(st).Error; err != nil {
		return fmt.Errorf("save stats: %w", err)
	}

	atx.Emit(NewNotification(accountID, models.NotifyChallengeCompleted,
		"challenge completed",
		fmt.Sprintf("You completed %s.", ch.Title),
		map[string]interface{}{"challenge_id": ch.ID, "slug": ch.Slug, "xp_reward": ch.XPReward}))

	if ch.BadgeRewardID != nil && !p.BadgeGranted && s.Badges != nil {
		nb, err := s.Badges.AwardBadgeIn(atx, *ch.BadgeRewardID, "challenge:"+ch.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			s.Log.Warn("challenge badge reward missing", "challenge", ch.Slug, "badge_id", *ch.BadgeRewardID)
		case err != nil:
			return err
		default:
			p.BadgeGranted = true
			if nb != nil {
				upd.Badges = append(upd.Badges, *nb)
			}
		}
	}
	return nil
}

// ChallengeProgress is the dashboard view of one participation.
type ChallengeProgress struct {
	Challenge     *models.Challenge               `json:"challenge"`
	Participation *models.ChallengeParticipation  `json:"participation"`
	Percent       int                             `json:"percent"`
	History       []models.ChallengeProgressPoint `json:"history"`
}

func (s *ChallengeService) GetChallengeProgress(ctx context.Context, accountID, challengeID string) (*ChallengeProgress, error) {
	db := s.DB.WithContext(ctx)
	ch, err := loadChallenge(db, challengeID)
	if err != nil {
		return nil, err
	}
	var p models.ChallengeParticipation
	if err := db.Where("account_id = ? AND challenge_id = ?", accountID, challengeID).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	var history []models.ChallengeProgressPoint
	if err := db.Where("participation_id = ?", p.ID).Order("recorded_at ASC, id ASC").Find(&history).Error; err != nil {
		return nil, err
	}
	pct, _ := ratio(p.CurrentValue, ch.TargetValue)
	if p.IsCompleted {
		pct = 100
	}
	return &ChallengeProgress{Challenge: ch, Participation: &p, Percent: pct, History: history}, nil
}

// ListParticipations returns the student's participations, newest first.
func (s *ChallengeService) ListParticipations(ctx context.Context, accountID string) ([]models.ChallengeParticipation, error) {
	var out []models.ChallengeParticipation
	err := s.DB.WithContext(ctx).
		Preload("Challenge").
		Where("account_id = ?", accountID).
		Order("joined_at DESC").
		Find(&out).Error
	return out, err
}

// openChallengesFor lists challenges open at now that the student may take
// part in, joined or not.
func openChallengesFor(tx *gorm.DB, accountID string, now time.Time) ([]models.Challenge, error) {
	var open []models.Challenge
	if err := tx.Where("starts_at <= ? AND ends_at > ?", now, now).Order("id ASC").Find(&open).Error; err != nil {
		return nil, err
	}
	out := open[:0]
	for i := range open {
		ok, err := eligible(tx, accountID, &open[i])
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, open[i])
		}
	}
	return out, nil
}
