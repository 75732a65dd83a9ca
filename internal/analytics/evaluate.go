package analytics

import (
	"context"
	"time"
)

// Action is the recommended next step for an A/B test.
type Action string

const (
	ActionContinue      Action = "continue"
	ActionStop          Action = "stop" // defined for operators; the heuristic never emits it
	ActionDeclareWinner Action = "declare_winner"
	ActionExtend        Action = "extend"
)

// Thresholds are the documented heuristic constants. They are deliberately
// simple sample-size rules, not a rigorous hypothesis test; changing them
// changes observable behavior.
type Thresholds struct {
	// SignificanceMinUsers: total users across variants required before
	// results count as significant.
	SignificanceMinUsers int
	// ContinueBelowUsers: below this per-variant sample an insignificant
	// test keeps running instead of being extended.
	ContinueBelowUsers int
	// WinnerConfidence: per-variant confidence required to recommend
	// declaring a winner.
	WinnerConfidence float64
}

const (
	DefaultSignificanceMinUsers = 100
	DefaultContinueBelowUsers   = 50
	DefaultWinnerConfidence     = 0.95
)

func (t *Thresholds) applyDefaults() {
	if t.SignificanceMinUsers <= 0 {
		t.SignificanceMinUsers = DefaultSignificanceMinUsers
	}
	if t.ContinueBelowUsers <= 0 {
		t.ContinueBelowUsers = DefaultContinueBelowUsers
	}
	if t.WinnerConfidence <= 0 {
		t.WinnerConfidence = DefaultWinnerConfidence
	}
}

// Confidence step bounds. Informational annotation only; significance is
// gated on total sample size, not on these.
const (
	confidenceFloorUsers = 30
	confidenceMidUsers   = 100
	confidenceHighUsers  = 500
)

// ConfidenceFor maps a variant's sample size to a step-function confidence.
func ConfidenceFor(users int) float64 {
	switch {
	case users < confidenceFloorUsers:
		return 0
	case users < confidenceMidUsers:
		return 0.8
	case users < confidenceHighUsers:
		return 0.9
	default:
		return 0.95
	}
}

// VariantResult contains the judgment for a single variant.
type VariantResult struct {
	Variant        string  `json:"variant"`
	Users          int     `json:"users"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
	Confidence     float64 `json:"confidence"`
	IsWinner       bool    `json:"is_winner"`

	// Wilson score interval bounds for the conversion rate. Informational;
	// they never gate decisions.
	CILower float64 `json:"ci_lower"`
	CIUpper float64 `json:"ci_upper"`
}

// TestResults is a point-in-time judgment over a flag's variants within a
// date range. Ephemeral; regenerated on request.
type TestResults struct {
	FlagKey string    `json:"flag_key"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`

	Variants                []VariantResult `json:"variants"`
	StatisticalSignificance bool            `json:"statistical_significance"`
	RecommendedAction       Action          `json:"recommended_action"`
}

// AnalyzeTest computes metrics for the window and evaluates them. Returns
// nil when no events exist for the flag in the range.
func (s *Service) AnalyzeTest(ctx context.Context, flagKey string, from, to time.Time) (*TestResults, error) {
	metrics, err := s.ComputeMetrics(ctx, flagKey, from, to)
	if err != nil {
		return nil, err
	}
	if len(metrics) == 0 {
		return nil, nil
	}

	results := s.Evaluate(metrics)
	results.From = from
	results.To = to
	return results, nil
}

// Evaluate applies the significance heuristic to precomputed metrics.
func (s *Service) Evaluate(metrics []ConversionMetrics) *TestResults {
	results := &TestResults{
		Variants: make([]VariantResult, len(metrics)),
	}
	if len(metrics) > 0 {
		results.FlagKey = metrics[0].FlagKey
	}

	totalUsers := 0
	bestRate := -1.0
	winner := -1

	for i, m := range metrics {
		lower, upper := WilsonInterval(m.Conversions, m.TotalUsers, 0.95)
		results.Variants[i] = VariantResult{
			Variant:        m.Variant,
			Users:          m.TotalUsers,
			Conversions:    m.Conversions,
			ConversionRate: m.ConversionRate,
			Confidence:     ConfidenceFor(m.TotalUsers),
			CILower:        lower,
			CIUpper:        upper,
		}
		totalUsers += m.TotalUsers

		// Strictly greater: on an exact tie the first-encountered variant
		// keeps the win.
		if m.ConversionRate > bestRate {
			bestRate = m.ConversionRate
			winner = i
		}
	}

	if winner >= 0 {
		results.Variants[winner].IsWinner = true
	}

	results.StatisticalSignificance = totalUsers >= s.thresholds.SignificanceMinUsers
	results.RecommendedAction = s.recommend(results)
	return results
}

func (s *Service) recommend(results *TestResults) Action {
	if !results.StatisticalSignificance {
		for _, v := range results.Variants {
			if v.Users >= s.thresholds.ContinueBelowUsers {
				return ActionExtend
			}
		}
		return ActionContinue
	}

	for _, v := range results.Variants {
		if v.Confidence >= s.thresholds.WinnerConfidence {
			return ActionDeclareWinner
		}
	}
	return ActionContinue
}
