// Package evaluation scores backtest results against the weekly-lottery
// strategy criteria: hard pass/fail gates, a composite score, and
// walk-forward overfitting comparison.
package evaluation

import (
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yifengQaq/lottery-agent/internal/domain"
)

const (
	// DefaultOOSScoreRatioMin is the minimum out-of-sample/in-sample score
	// ratio before a result is flagged as overfit.
	DefaultOOSScoreRatioMin = 0.6

	// durationFallbackHours replaces non-positive trade durations in the
	// efficiency term so the score never divides by zero.
	durationFallbackHours = 24.0

	// goodScoreThreshold separates the two generic recommendation messages.
	goodScoreThreshold = 50.0
)

// PassCriteria holds the hard gate thresholds. Configuration only; never
// mutated at runtime.
type PassCriteria struct {
	WeeklyTargetHitRateMin  float64 // minimum share of weeks that hit target
	MaxDrawdownPctMax       float64 // maximum tolerated drawdown, percent
	TotalTradesMin          int     // minimum trade count for significance
	StakeLimitHitCountMax   int     // hard-constraint violations tolerated
	MonthlyNetProfitAvgMin  float64 // strict: equality fails too
}

// DefaultPassCriteria returns the gate thresholds used by the weekly-lottery
// posture.
func DefaultPassCriteria() PassCriteria {
	return PassCriteria{
		WeeklyTargetHitRateMin: 0.25,
		MaxDrawdownPctMax:      95.0,
		TotalTradesMin:         50,
		StakeLimitHitCountMax:  0,
		MonthlyNetProfitAvgMin: 0.0,
	}
}

// ScoreWeights holds the composite score weights. Configuration only.
type ScoreWeights struct {
	MonthlyAvgProfit    float64
	WeeklyTargetHitRate float64
	MaxMonthlyLoss      float64
	TradeEfficiency     float64
}

// DefaultScoreWeights returns the composite score weights.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		MonthlyAvgProfit:    0.4,
		WeeklyTargetHitRate: 0.3,
		MaxMonthlyLoss:      0.2,
		TradeEfficiency:     0.1,
	}
}

// Evaluator is a pure scoring/gating function over a metrics record.
type Evaluator struct {
	criteria         PassCriteria
	weights          ScoreWeights
	oosScoreRatioMin float64

	log zerolog.Logger
}

// Config groups the evaluator's construction options. Zero-valued fields
// fall back to the defaults.
type Config struct {
	Criteria         *PassCriteria
	Weights          *ScoreWeights
	OOSScoreRatioMin float64
}

// New creates an evaluator.
func New(cfg Config, log zerolog.Logger) *Evaluator {
	criteria := DefaultPassCriteria()
	if cfg.Criteria != nil {
		criteria = *cfg.Criteria
	}
	weights := DefaultScoreWeights()
	if cfg.Weights != nil {
		weights = *cfg.Weights
	}
	ratioMin := cfg.OOSScoreRatioMin
	if ratioMin == 0 {
		ratioMin = DefaultOOSScoreRatioMin
	}

	return &Evaluator{
		criteria:         criteria,
		weights:          weights,
		oosScoreRatioMin: ratioMin,
		log:              log.With().Str("component", "evaluator").Logger(),
	}
}

// Evaluate runs the full evaluation: gate checks plus composite scoring.
// The result is immutable once returned.
func (e *Evaluator) Evaluate(m domain.MetricsRecord) *domain.EvalResult {
	gateFailures := e.gateCheck(m)
	score, breakdown := e.calculateScore(m)
	passed := len(gateFailures) == 0

	result := &domain.EvalResult{
		Passed:         passed,
		Score:          score,
		GateFailures:   gateFailures,
		ScoreBreakdown: breakdown,
		Metrics:        m,
		Recommendation: e.recommendation(m, score),
	}

	e.log.Debug().
		Bool("passed", passed).
		Float64("score", score).
		Int("gate_failures", len(gateFailures)).
		Msg("Evaluation complete")

	return result
}

// CompareInOutOfSample compares in-sample vs out-of-sample results for
// overfitting. Fails closed when the in-sample score is zero.
func (e *Evaluator) CompareInOutOfSample(isResult, oosResult *domain.EvalResult) (bool, string) {
	if isResult.Score == 0 {
		return false, "IS score is 0, cannot evaluate"
	}

	ratio := 0.0
	if isResult.Score > 0 {
		ratio = oosResult.Score / isResult.Score
	}

	if ratio < e.oosScoreRatioMin {
		return false, fmt.Sprintf(
			"OVERFITTING: OOS/IS ratio = %.2f < %.2f threshold. IS score=%.2f, OOS score=%.2f",
			ratio, e.oosScoreRatioMin, isResult.Score, oosResult.Score,
		)
	}

	return true, fmt.Sprintf(
		"Walk-forward PASSED: OOS/IS ratio = %.2f (threshold: %.2f)",
		ratio, e.oosScoreRatioMin,
	)
}

// IsImprovement reports whether current improved over previous by strictly
// more than minImprovement. Equality at the margin is not an improvement.
func (e *Evaluator) IsImprovement(current, previous *domain.EvalResult, minImprovement float64) bool {
	return current.Score > previous.Score+minImprovement
}

// gateCheck runs the hard pass/fail thresholds in fixed order and returns one
// failure message per violated gate.
func (e *Evaluator) gateCheck(m domain.MetricsRecord) []string {
	failures := []string{}

	wtr := m.Num("weekly_target_hit_rate")
	if wtr < e.criteria.WeeklyTargetHitRateMin {
		failures = append(failures, fmt.Sprintf(
			"weekly_target_hit_rate=%.2f%% < %.2f%%",
			wtr*100, e.criteria.WeeklyTargetHitRateMin*100,
		))
	}

	mdd := m.Num("max_drawdown_pct")
	if mdd > e.criteria.MaxDrawdownPctMax {
		failures = append(failures, fmt.Sprintf(
			"max_drawdown_pct=%.1f%% > %.1f%%",
			mdd, e.criteria.MaxDrawdownPctMax,
		))
	}

	trades := int(m.Num("total_trades"))
	if trades < e.criteria.TotalTradesMin {
		failures = append(failures, fmt.Sprintf(
			"total_trades=%d < %d", trades, e.criteria.TotalTradesMin,
		))
	}

	stakeHits := int(m.Num("stake_limit_hit_count"))
	if stakeHits > e.criteria.StakeLimitHitCountMax {
		failures = append(failures, fmt.Sprintf(
			"stake_limit_hit_count=%d > %d",
			stakeHits, e.criteria.StakeLimitHitCountMax,
		))
	}

	monthlyAvg := m.Num("monthly_net_profit_avg")
	if monthlyAvg <= e.criteria.MonthlyNetProfitAvgMin {
		failures = append(failures, fmt.Sprintf(
			"monthly_net_profit_avg=%.2f <= %.2f",
			monthlyAvg, e.criteria.MonthlyNetProfitAvgMin,
		))
	}

	return failures
}

// calculateScore computes the composite score:
//
//	score = monthly_avg_profit * w1
//	      + weekly_target_hit_rate * 100 * w2
//	      - max_monthly_loss * w3
//	      + (100 / avg_trade_duration_hours) * w4
//
// The duration term falls back to 24h whenever the metric is non-positive.
// The total is rounded to two decimals; the breakdown keeps each term
// unrounded.
func (e *Evaluator) calculateScore(m domain.MetricsRecord) (float64, map[string]float64) {
	w := e.weights

	monthlyProfit := m.Num("monthly_net_profit_avg")
	wtr := m.Num("weekly_target_hit_rate")
	maxLoss := m.Num("max_monthly_loss")
	avgDuration := m.Num("avg_trade_duration_hours")
	if avgDuration <= 0 {
		avgDuration = durationFallbackHours
	}

	s1 := monthlyProfit * w.MonthlyAvgProfit
	s2 := wtr * 100 * w.WeeklyTargetHitRate
	s3 := -maxLoss * w.MaxMonthlyLoss
	s4 := (100 / avgDuration) * w.TradeEfficiency

	total := s1 + s2 + s3 + s4

	breakdown := map[string]float64{
		"monthly_profit_component":   s1,
		"weekly_hit_rate_component":  s2,
		"max_loss_penalty":           s3,
		"trade_efficiency_component": s4,
	}

	return round2(total), breakdown
}

// recommendation builds the ordered heuristic guidance string. Never empty.
func (e *Evaluator) recommendation(m domain.MetricsRecord, score float64) string {
	var recs []string

	trades := int(m.Num("total_trades"))
	wtr := m.Num("weekly_target_hit_rate")
	avgProfit := m.Num("avg_profit_per_trade_pct")
	duration := m.Num("avg_trade_duration_hours")

	if trades < 50 {
		recs = append(recs, fmt.Sprintf(
			"trade count too low (%d), loosen entry conditions or add pairs", trades,
		))
	}

	if wtr < 0.10 {
		recs = append(recs,
			"weekly hit rate very low, consider: 1) lowering the target multiple "+
				"2) raising leverage (higher risk) 3) improving entry timing")
	} else if wtr < 0.25 {
		recs = append(recs,
			"weekly hit rate below target, tune the exit side (trailing stop parameters)")
	}

	if avgProfit < 0 {
		recs = append(recs, "average trade is a loss, signal quality needs a fundamental rework")
	}

	if duration > 72 {
		recs = append(recs, fmt.Sprintf(
			"average holding time of %.0fh is too long, consider a time-based stop", duration,
		))
	} else if duration < 0.5 {
		recs = append(recs,
			"holding time under 30min, trades may be getting swept out by the stop")
	}

	if len(recs) == 0 {
		if score > goodScoreThreshold {
			recs = append(recs, "strategy performing well, try fine-tuning trailing stop parameters")
		} else {
			recs = append(recs, "strategy is average, adjust the entry/exit parameter combination")
		}
	}

	return strings.Join(recs, " | ")
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
