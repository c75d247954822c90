package services

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeStats struct {
	streak, problems, challenges int64
	level                        int
	mastery                      map[string]float64
	accuracy                     map[string]float64
	attempts                     map[string]int64
}

func (f fakeStats) CurrentStreak(context.Context) (int64, error)       { return f.streak, nil }
func (f fakeStats) ProblemsCompleted(context.Context) (int64, error)   { return f.problems, nil }
func (f fakeStats) ChallengesCompleted(context.Context) (int64, error) { return f.challenges, nil }
func (f fakeStats) Level(context.Context) (int, error)                 { return f.level, nil }
func (f fakeStats) TopicMasteryPct(_ context.Context, subject, topic string) (float64, error) {
	return f.mastery[subject+"/"+topic], nil
}
func (f fakeStats) SubjectAccuracy(_ context.Context, subject string) (float64, int64, error) {
	return f.accuracy[subject], f.attempts[subject], nil
}

func TestParseCriterion_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown tag":      `{"type":"moon_phase","n":3}`,
		"missing type":     `{"n":3}`,
		"zero n":           `{"type":"streak_at_least","n":0}`,
		"missing n":        `{"type":"level_at_least"}`,
		"pct out of range": `{"type":"accuracy_at_least","subject":"math","pct":120}`,
		"missing subject":  `{"type":"accuracy_at_least","pct":80}`,
		"missing topic":    `{"type":"topic_mastery_at_least","subject":"math","pct":80}`,
		"empty all_of":     `{"type":"all_of","of":[]}`,
		"bad child":        `{"type":"any_of","of":[{"type":"nope"}]}`,
		"not json":         `streak`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCriterion([]byte(raw))
			if !errors.Is(err, ErrUnknownBadgeCriterion) {
				t.Fatalf("expected ErrUnknownBadgeCriterion, got %v", err)
			}
		})
	}
}

func TestParseCriterion_DepthLimit(t *testing.T) {
	leaf := `{"type":"streak_at_least","n":1}`
	nest := func(depth int) string {
		s := leaf
		for i := 0; i < depth; i++ {
			s = `{"type":"all_of","of":[` + s + `]}`
		}
		return s
	}
	if _, err := ParseCriterion([]byte(nest(maxCriterionDepth))); err != nil {
		t.Fatalf("depth %d should parse: %v", maxCriterionDepth, err)
	}
	_, err := ParseCriterion([]byte(nest(maxCriterionDepth + 1)))
	if err == nil || !strings.Contains(err.Error(), "nested deeper") {
		t.Fatalf("expected depth error, got %v", err)
	}
}

func TestCriterion_Progress(t *testing.T) {
	stats := fakeStats{
		streak:   3,
		problems: 40,
		level:    5,
		mastery:  map[string]float64{"math/fractions": 90},
		accuracy: map[string]float64{"math": 85},
		attempts: map[string]int64{"math": 4},
	}
	cases := []struct {
		name      string
		raw       string
		progress  int
		satisfied bool
	}{
		{"streak partial", `{"type":"streak_at_least","n":7}`, 42, false},
		{"streak met", `{"type":"streak_at_least","n":3}`, 100, true},
		{"problems met", `{"type":"problems_completed_at_least","n":40}`, 100, true},
		{"level partial", `{"type":"level_at_least","n":10}`, 50, false},
		{"mastery met", `{"type":"topic_mastery_at_least","subject":"math","topic":"fractions","pct":90}`, 100, true},
		{"accuracy without floor", `{"type":"accuracy_at_least","subject":"math","pct":80}`, 100, true},
		{"accuracy below attempt floor", `{"type":"accuracy_at_least","subject":"math","pct":80,"min_attempts":10}`, 40, false},
		{"challenges none", `{"type":"challenges_completed_at_least","n":2}`, 0, false},
		{"all_of mean", `{"type":"all_of","of":[{"type":"streak_at_least","n":3},{"type":"level_at_least","n":10}]}`, 75, false},
		{"all_of met", `{"type":"all_of","of":[{"type":"streak_at_least","n":3},{"type":"level_at_least","n":5}]}`, 100, true},
		{"any_of best", `{"type":"any_of","of":[{"type":"streak_at_least","n":6},{"type":"level_at_least","n":10}]}`, 50, false},
		{"any_of met", `{"type":"any_of","of":[{"type":"streak_at_least","n":30},{"type":"level_at_least","n":2}]}`, 100, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := ParseCriterion([]byte(tc.raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			p, ok, err := c.Evaluate(context.Background(), stats)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if p != tc.progress || ok != tc.satisfied {
				t.Fatalf("got (%d, %t), want (%d, %t)", p, ok, tc.progress, tc.satisfied)
			}
		})
	}
}

func TestRatio_NeverReports100Unsatisfied(t *testing.T) {
	p, ok := ratio(999, 1000)
	if ok || p != 99 {
		t.Fatalf("got (%d, %t)", p, ok)
	}
	p, ok = ratio(1000, 1000)
	if !ok || p != 100 {
		t.Fatalf("got (%d, %t)", p, ok)
	}
	p, ok = ratio(-1, 10)
	if ok || p != 0 {
		t.Fatalf("got (%d, %t)", p, ok)
	}
}
