// Package scoring combines model-derived and rule-derived risk signals into a
// single banded score.
package scoring

import (
	"errors"
	"fmt"
	"math"
)

type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

const (
	minimumScore = 0.0
	maximumScore = 100.0

	DefaultModelWeight = 0.7
	DefaultRuleWeight  = 0.3
	DefaultLowMax      = 30.0
	DefaultMediumMax   = 70.0

	bandTolerance = 1e-9

	degradedJustificationFormat = "model-derived signal unavailable; score is %.2f%% rule-derived (%s)"
)

// Config holds the combination weights and band thresholds. A score at or
// below LowMax is LOW, at or below MediumMax is MEDIUM, otherwise HIGH.
type Config struct {
	ModelWeight float64 `yaml:"model_weight"`
	RuleWeight  float64 `yaml:"rule_weight"`
	LowMax      float64 `yaml:"low_max"`
	MediumMax   float64 `yaml:"medium_max"`
}

func DefaultConfig() Config {
	return Config{
		ModelWeight: DefaultModelWeight,
		RuleWeight:  DefaultRuleWeight,
		LowMax:      DefaultLowMax,
		MediumMax:   DefaultMediumMax,
	}
}

func (c Config) Validate() error {
	if c.ModelWeight < 0 || c.RuleWeight < 0 {
		return errors.New("scoring: weights must not be negative")
	}
	if c.ModelWeight+c.RuleWeight == 0 {
		return errors.New("scoring: at least one weight must be positive")
	}
	if c.LowMax < minimumScore || c.MediumMax > maximumScore || c.LowMax >= c.MediumMax {
		return fmt.Errorf("scoring: thresholds must satisfy 0 <= low_max (%v) < medium_max (%v) <= 100", c.LowMax, c.MediumMax)
	}
	return nil
}

// Band maps a score onto its level. Scores within bandTolerance of a threshold
// count as on it, which absorbs floating point noise from the weighted sum.
func (c Config) Band(score float64) Level {
	switch {
	case score <= c.LowMax+bandTolerance:
		return LevelLow
	case score <= c.MediumMax+bandTolerance:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Assessment is the scoring stage payload.
type Assessment struct {
	Score         float64  `json:"score"`
	Level         Level    `json:"level"`
	Justification string   `json:"justification"`
	Degraded      bool     `json:"degraded"`
	ModelScore    *float64 `json:"model_score,omitempty"`
	RuleScore     float64  `json:"rule_score"`
}

// Combine weights the two signals. A nil model signal degrades the result to
// the rule signal alone and says so in the justification. The level is banded
// on the unrounded score; Score carries two decimals for display.
func Combine(model *float64, rule float64, justification string, config Config) Assessment {
	rule = clamp(rule)
	assessment := Assessment{RuleScore: rule, Justification: justification}
	combined := rule
	if model == nil {
		assessment.Degraded = true
		assessment.Justification = fmt.Sprintf(degradedJustificationFormat, maximumScore, justification)
	} else {
		modelScore := clamp(*model)
		assessment.ModelScore = &modelScore
		totalWeight := config.ModelWeight + config.RuleWeight
		combined = (config.ModelWeight*modelScore + config.RuleWeight*rule) / totalWeight
	}
	assessment.Score = round(combined)
	assessment.Level = config.Band(combined)
	return assessment
}

func clamp(score float64) float64 {
	if math.IsNaN(score) {
		return minimumScore
	}
	return math.Max(minimumScore, math.Min(maximumScore, score))
}

// round keeps two decimals for reporting.
func round(score float64) float64 {
	return math.Round(score*100) / 100
}
