package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Criterion is one badge condition. Progress is 0-100 and reaches 100 exactly
// when the condition holds.
type Criterion interface {
	Evaluate(ctx context.Context, stats StatsReader) (progress int, satisfied bool, err error)
}

// Criterion tags as stored in BadgeDefinition.Criteria.
const (
	CriterionStreakAtLeast              = "streak_at_least"
	CriterionTopicMasteryAtLeast        = "topic_mastery_at_least"
	CriterionChallengesCompletedAtLeast = "challenges_completed_at_least"
	CriterionAccuracyAtLeast            = "accuracy_at_least"
	CriterionLevelAtLeast               = "level_at_least"
	CriterionProblemsCompletedAtLeast   = "problems_completed_at_least"
	CriterionAllOf                      = "all_of"
	CriterionAnyOf                      = "any_of"
)

const maxCriterionDepth = 8

type StreakAtLeast struct{ N int64 }

type TopicMasteryAtLeast struct {
	Subject string
	Topic   string
	Pct     float64
}

type ChallengesCompletedAtLeast struct{ N int64 }

// AccuracyAtLeast holds once the subject accuracy reaches Pct over at least
// MinAttempts answers.
type AccuracyAtLeast struct {
	Subject     string
	Pct         float64
	MinAttempts int64
}

type LevelAtLeast struct{ N int64 }

type ProblemsCompletedAtLeast struct{ N int64 }

type AllOf []Criterion

type AnyOf []Criterion

// wire form of a criterion
type criterionDoc struct {
	Type        string            `json:"type"`
	N           *int64            `json:"n,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	Topic       string            `json:"topic,omitempty"`
	Pct         *float64          `json:"pct,omitempty"`
	MinAttempts int64             `json:"min_attempts,omitempty"`
	Of          []json.RawMessage `json:"of,omitempty"`
}

// ParseCriterion decodes a tagged criterion. Unknown tags and missing or out of
// range fields fail with ErrUnknownBadgeCriterion.
func ParseCriterion(raw []byte) (Criterion, error) {
	return parseCriterion(raw, 0)
}

func parseCriterion(raw []byte, depth int) (Criterion, error) {
	if depth > maxCriterionDepth {
		return nil, fmt.Errorf("%w: nested deeper than %d", ErrUnknownBadgeCriterion, maxCriterionDepth)
	}
	var doc criterionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownBadgeCriterion, err)
	}

	count := func() (int64, error) {
		if doc.N == nil || *doc.N <= 0 {
			return 0, fmt.Errorf("%w: %s needs n > 0", ErrUnknownBadgeCriterion, doc.Type)
		}
		return *doc.N, nil
	}
	pct := func() (float64, error) {
		if doc.Pct == nil || *doc.Pct <= 0 || *doc.Pct > 100 {
			return 0, fmt.Errorf("%w: %s needs 0 < pct <= 100", ErrUnknownBadgeCriterion, doc.Type)
		}
		return *doc.Pct, nil
	}
	needSubject := func() error {
		if strings.TrimSpace(doc.Subject) == "" {
			return fmt.Errorf("%w: %s needs subject", ErrUnknownBadgeCriterion, doc.Type)
		}
		return nil
	}

	switch doc.Type {
	case CriterionStreakAtLeast:
		n, err := count()
		return StreakAtLeast{N: n}, err
	case CriterionChallengesCompletedAtLeast:
		n, err := count()
		return ChallengesCompletedAtLeast{N: n}, err
	case CriterionLevelAtLeast:
		n, err := count()
		return LevelAtLeast{N: n}, err
	case CriterionProblemsCompletedAtLeast:
		n, err := count()
		return ProblemsCompletedAtLeast{N: n}, err
	case CriterionTopicMasteryAtLeast:
		if err := needSubject(); err != nil {
			return nil, err
		}
		if strings.TrimSpace(doc.Topic) == "" {
			return nil, fmt.Errorf("%w: %s needs topic", ErrUnknownBadgeCriterion, doc.Type)
		}
		p, err := pct()
		return TopicMasteryAtLeast{Subject: doc.Subject, Topic: doc.Topic, Pct: p}, err
	case CriterionAccuracyAtLeast:
		if err := needSubject(); err != nil {
			return nil, err
		}
		p, err := pct()
		return AccuracyAtLeast{Subject: doc.Subject, Pct: p, MinAttempts: doc.MinAttempts}, err
	case CriterionAllOf, CriterionAnyOf:
		if len(doc.Of) == 0 {
			return nil, fmt.Errorf("%w: %s needs at least one condition", ErrUnknownBadgeCriterion, doc.Type)
		}
		children := make([]Criterion, 0, len(doc.Of))
		for _, child := range doc.Of {
			c, err := parseCriterion(child, depth+1)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		if doc.Type == CriterionAllOf {
			return AllOf(children), nil
		}
		return AnyOf(children), nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrUnknownBadgeCriterion)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBadgeCriterion, doc.Type)
	}
}

// ratio maps value/target onto 0-100 and keeps 100 for the satisfied case.
func ratio(value, target float64) (int, bool) {
	if value >= target {
		return 100, true
	}
	if value <= 0 || target <= 0 {
		return 0, false
	}
	p := int(math.Floor(value / target * 100))
	if p > 99 {
		p = 99
	}
	return p, false
}

func (c StreakAtLeast) Evaluate(ctx context.Context, stats StatsReader) (int, bool, error) {
	v, err := stats.CurrentStreak(ctx)
	if err != nil {
		return 0, false, err
	}
	p, ok := ratio(float64(v), float64(c.N))
	return p, ok, nil
}

func (c ChallengesCompletedAtLeast) Evaluate(ctx context.Context, stats StatsReader) (int, bool, error) {
	v, err := stats.ChallengesCompleted(ctx)
	if err != nil {
		return 0, false, err
	}
	p, ok := ratio(float64(v), float64(c.N))
	return p, ok, nil
}

func (c ProblemsCompletedAtLeast) Evaluate(ctx context.Context, stats StatsReader) (int, bool, error) {
	v, err := stats.ProblemsCompleted(ctx)
	if err != nil {
		return 0, false, err
	}
	p, ok := ratio(float64(v), float64(c.N))
	return p, ok, nil
}

func (c LevelAtLeast) Evaluate(ctx context.Context, stats StatsReader) (int, bool, error) {
	v, err := stats.Level(ctx)
	if err != nil {
		return 0, false, err
	}
	p, ok := ratio(float64(v), float64(c.N))
	return p, ok, nil
}

func (c TopicMasteryAtLeast) Evaluate(ctx context.Context, stats StatsReader) (int, bool, error) {
	v, err := stats.TopicMasteryPct(ctx, c.Subject, c.Topic)
	if err != nil {
		return 0, false, err
	}
	p, ok := ratio(v, c.Pct)
	return p, ok, nil
}

func (c AccuracyAtLeast) Evaluate(ctx context.Context, stats StatsReader) (int, bool, error) {
	v, attempts, err := stats.SubjectAccuracy(ctx, c.Subject)
	if err != nil {
		return 0, false, err
	}
	p, ok := ratio(v, c.Pct)
	if attempts < c.MinAttempts {
		// Not enough answers yet; progress tracks the attempts instead.
		ap, _ := ratio(float64(attempts), float64(c.MinAttempts))
		if ap < p {
			p = ap
		}
		if p > 99 {
			p = 99
		}
		return p, false, nil
	}
	return p, ok, nil
}

// AllOf reports the mean of its children's progress.
func (c AllOf) Evaluate(ctx context.Context, stats StatsReader) (int, bool, error) {
	total, all := 0, true
	for _, child := range c {
		p, ok, err := child.Evaluate(ctx, stats)
		if err != nil {
			return 0, false, err
		}
		total += p
		all = all && ok
	}
	if all {
		return 100, true, nil
	}
	p := total / len(c)
	if p > 99 {
		p = 99
	}
	return p, false, nil
}

// AnyOf reports its best child's progress.
func (c AnyOf) Evaluate(ctx context.Context, stats StatsReader) (int, bool, error) {
	best := 0
	for _, child := range c {
		p, ok, err := child.Evaluate(ctx, stats)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return 100, true, nil
		}
		if p > best {
			best = p
		}
	}
	return best, false, nil
}
