package scoring_test

import (
	"math"
	"strings"
	"testing"

	"github.com/temirov/llm-pipelines/internal/scoring"
)

func ptr(value float64) *float64 { return &value }

func TestCombine_WeightedSum(t *testing.T) {
	config := scoring.DefaultConfig()
	assessment := scoring.Combine(ptr(80), 20, "model says risky", config)

	if math.Abs(assessment.Score-(0.7*80+0.3*20)) > 1e-9 {
		t.Fatalf("unexpected score %v", assessment.Score)
	}
	if assessment.Level != scoring.LevelMedium || assessment.Degraded {
		t.Fatalf("unexpected assessment %+v", assessment)
	}
	if assessment.Justification != "model says risky" {
		t.Fatalf("unexpected justification %q", assessment.Justification)
	}
	if assessment.ModelScore == nil || *assessment.ModelScore != 80 {
		t.Fatalf("expected model score 80, got %v", assessment.ModelScore)
	}
}

func TestCombine_Deterministic(t *testing.T) {
	config := scoring.DefaultConfig()
	first := scoring.Combine(ptr(41.3), 12.9, "", config)
	second := scoring.Combine(ptr(41.3), 12.9, "", config)
	if first.Score != second.Score || first.Level != second.Level || *first.ModelScore != *second.ModelScore {
		t.Fatalf("repeated combination differs: %+v vs %+v", first, second)
	}
}

func TestCombine_BoundaryBands(t *testing.T) {
	config := scoring.DefaultConfig()
	testCases := []struct {
		name  string
		model float64
		rule  float64
		want  scoring.Level
	}{
		{name: "exactly low max", model: 30, rule: 30, want: scoring.LevelLow},
		{name: "fractionally above low max", model: 30.004, rule: 30.004, want: scoring.LevelMedium},
		{name: "just above low max", model: 30.02, rule: 30.02, want: scoring.LevelMedium},
		{name: "exactly medium max", model: 70, rule: 70, want: scoring.LevelMedium},
		{name: "fractionally above medium max", model: 70.004, rule: 70.004, want: scoring.LevelHigh},
		{name: "just above medium max", model: 70.02, rule: 70.02, want: scoring.LevelHigh},
		{name: "zero", model: 0, rule: 0, want: scoring.LevelLow},
		{name: "hundred", model: 100, rule: 100, want: scoring.LevelHigh},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			assessment := scoring.Combine(ptr(testCase.model), testCase.rule, "", config)
			if assessment.Level != testCase.want {
				t.Fatalf("score %v: expected %s, got %s", assessment.Score, testCase.want, assessment.Level)
			}
		})
	}
}

func TestCombine_ReportsRoundedScoreButBandsExactValue(t *testing.T) {
	assessment := scoring.Combine(ptr(30.004), 30.004, "", scoring.DefaultConfig())
	if assessment.Score != 30 {
		t.Fatalf("expected displayed score 30, got %v", assessment.Score)
	}
	if assessment.Level != scoring.LevelMedium {
		t.Fatalf("30.004 is above the low threshold, got %s", assessment.Level)
	}

	degraded := scoring.Combine(nil, 30.001, "", scoring.DefaultConfig())
	if degraded.Score != 30 || degraded.Level != scoring.LevelMedium {
		t.Fatalf("unexpected degraded assessment %+v", degraded)
	}
}

func TestCombine_ConfiguredThresholdsAndWeights(t *testing.T) {
	config := scoring.Config{ModelWeight: 1, RuleWeight: 1, LowMax: 10, MediumMax: 20}
	if err := config.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	assessment := scoring.Combine(ptr(30), 10, "", config)
	if assessment.Score != 20 || assessment.Level != scoring.LevelMedium {
		t.Fatalf("unexpected assessment %+v", assessment)
	}
}

func TestCombine_DegradesWithoutModelSignal(t *testing.T) {
	assessment := scoring.Combine(nil, 42, "rule factors only", scoring.DefaultConfig())

	if !assessment.Degraded || assessment.ModelScore != nil {
		t.Fatalf("expected degraded rule-only assessment, got %+v", assessment)
	}
	if assessment.Score != 42 || assessment.Level != scoring.LevelMedium {
		t.Fatalf("unexpected assessment %+v", assessment)
	}
	for _, fragment := range []string{"model-derived signal unavailable", "rule factors only"} {
		if !strings.Contains(assessment.Justification, fragment) {
			t.Fatalf("justification %q lacks %q", assessment.Justification, fragment)
		}
	}
}

func TestCombine_ClampsOutOfRangeSignals(t *testing.T) {
	assessment := scoring.Combine(ptr(250), -10, "", scoring.DefaultConfig())
	if assessment.Score != 70 {
		t.Fatalf("expected clamped score 70, got %v", assessment.Score)
	}
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		config  scoring.Config
		wantErr bool
	}{
		{name: "defaults", config: scoring.DefaultConfig()},
		{name: "negative weight", config: scoring.Config{ModelWeight: -1, RuleWeight: 1, LowMax: 30, MediumMax: 70}, wantErr: true},
		{name: "zero weights", config: scoring.Config{LowMax: 30, MediumMax: 70}, wantErr: true},
		{name: "inverted thresholds", config: scoring.Config{ModelWeight: 1, LowMax: 70, MediumMax: 30}, wantErr: true},
		{name: "medium above hundred", config: scoring.Config{ModelWeight: 1, LowMax: 30, MediumMax: 120}, wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := testCase.config.Validate()
			if testCase.wantErr != (err != nil) {
				t.Fatalf("wantErr=%v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestRuleWeights_Score(t *testing.T) {
	weights := scoring.DefaultRuleWeights()

	score, points := weights.Score(nil)
	if score != 0 || points["financial"] != 0 {
		t.Fatalf("expected zero score, got %v %v", score, points)
	}

	score, points = weights.Score([]scoring.Factor{
		{Category: "financial", Severity: scoring.SeverityHigh},
		{Category: "financial", Severity: scoring.SeverityHigh},
		{Category: "financial", Severity: scoring.SeverityHigh},
		{Category: "legal", Severity: scoring.SeverityMedium},
		{Category: "unknown", Severity: scoring.SeverityHigh},
	})
	if points["financial"] != 15 || points["legal"] != 3 {
		t.Fatalf("unexpected points %v", points)
	}
	// financial saturates at 0.4, legal contributes 0.3*0.2.
	if math.Abs(score-46) > 1e-9 {
		t.Fatalf("expected 46, got %v", score)
	}
}

func TestRuleWeights_ScoreIsIndependentOfMapOrder(t *testing.T) {
	weights := scoring.RuleWeights{
		Categories: map[string]float64{
			"a": 0.1, "b": 0.2, "c": 0.3, "d": 1e-16, "e": 0.7, "f": 0.13, "g": 0.17, "h": 0.01,
		},
		SeverityPoints: map[scoring.Severity]float64{scoring.SeverityLow: 1, scoring.SeverityMedium: 3, scoring.SeverityHigh: 7},
		CategoryCap:    9,
	}
	factors := []scoring.Factor{
		{Category: "a", Severity: scoring.SeverityHigh},
		{Category: "c", Severity: scoring.SeverityMedium},
		{Category: "d", Severity: scoring.SeverityLow},
		{Category: "f", Severity: scoring.SeverityHigh},
		{Category: "h", Severity: scoring.SeverityMedium},
	}
	first, _ := weights.Score(factors)
	for attempt := 0; attempt < 200; attempt++ {
		if score, _ := weights.Score(factors); score != first {
			t.Fatalf("attempt %d: score %v differs from %v", attempt, score, first)
		}
	}
}
