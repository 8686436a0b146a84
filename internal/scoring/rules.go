package scoring

import (
	"maps"
	"slices"
	"strings"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Factor is one rule-detected risk indicator.
type Factor struct {
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Pattern  string   `json:"pattern,omitempty"`
	Context  string   `json:"context,omitempty"`
}

// RuleWeights describes how detected factors turn into a 0..100 risk score.
type RuleWeights struct {
	Categories     map[string]float64
	SeverityPoints map[Severity]float64
	// CategoryCap is the point total at which a category saturates.
	CategoryCap float64
}

func DefaultRuleWeights() RuleWeights {
	return RuleWeights{
		Categories: map[string]float64{
			"financial":   0.4,
			"compliance":  0.3,
			"legal":       0.2,
			"operational": 0.1,
		},
		SeverityPoints: map[Severity]float64{
			SeverityLow:    1,
			SeverityMedium: 3,
			SeverityHigh:   5,
		},
		CategoryCap: 10,
	}
}

// Score sums severity points per category, saturates each category at
// CategoryCap and returns the weighted share of saturation scaled to 0..100.
// Factors in unknown categories are ignored. Categories are summed in name
// order so equal inputs always produce bit-identical scores.
func (w RuleWeights) Score(factors []Factor) (float64, map[string]float64) {
	points := make(map[string]float64, len(w.Categories))
	for category := range w.Categories {
		points[category] = 0
	}
	for _, factor := range factors {
		category := strings.ToLower(factor.Category)
		if _, known := w.Categories[category]; !known {
			continue
		}
		points[category] += w.SeverityPoints[Severity(strings.ToLower(string(factor.Severity)))]
	}

	var weighted, totalWeight float64
	for _, category := range slices.Sorted(maps.Keys(w.Categories)) {
		weight := w.Categories[category]
		saturation := 1.0
		if w.CategoryCap > 0 {
			saturation = min(points[category]/w.CategoryCap, 1)
		}
		weighted += saturation * weight
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0, points
	}
	return round(weighted / totalWeight * maximumScore), points
}
