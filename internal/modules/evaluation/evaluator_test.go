package evaluation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yifengQaq/lottery-agent/internal/domain"
	"github.com/yifengQaq/lottery-agent/pkg/logger"
)

func newTestEvaluator() *Evaluator {
	return New(Config{}, logger.Nop())
}

func passingMetrics() domain.MetricsRecord {
	return domain.MetricsRecord{
		"weekly_target_hit_rate":   0.30,
		"max_drawdown_pct":         40.0,
		"total_trades":             80.0,
		"stake_limit_hit_count":    0.0,
		"monthly_net_profit_avg":   120.0,
		"max_monthly_loss":         50.0,
		"avg_trade_duration_hours": 12.0,
		"avg_profit_per_trade_pct": 1.5,
	}
}

func TestEvaluatePassingMetrics(t *testing.T) {
	e := newTestEvaluator()

	result := e.Evaluate(passingMetrics())

	assert.True(t, result.Passed)
	assert.Empty(t, result.GateFailures)
	assert.NotEmpty(t, result.Recommendation)
}

func TestEvaluateGateFailures(t *testing.T) {
	e := newTestEvaluator()

	m := passingMetrics()
	m["weekly_target_hit_rate"] = 0.10
	m["total_trades"] = 20.0
	m["stake_limit_hit_count"] = 2.0
	m["monthly_net_profit_avg"] = 0.0 // equality fails, strict gate

	result := e.Evaluate(m)

	require.False(t, result.Passed)
	require.Len(t, result.GateFailures, 4)
	// Fixed gate order: hit rate, drawdown, trades, stake hits, monthly avg.
	assert.Contains(t, result.GateFailures[0], "weekly_target_hit_rate")
	assert.Contains(t, result.GateFailures[1], "total_trades")
	assert.Contains(t, result.GateFailures[2], "stake_limit_hit_count")
	assert.Contains(t, result.GateFailures[3], "monthly_net_profit_avg")
}

func TestScoreFormula(t *testing.T) {
	e := newTestEvaluator()

	m := domain.MetricsRecord{
		"monthly_net_profit_avg":   100.0,
		"weekly_target_hit_rate":   0.25,
		"max_monthly_loss":         30.0,
		"avg_trade_duration_hours": 10.0,
	}

	result := e.Evaluate(m)

	// 100*0.4 + 0.25*100*0.3 - 30*0.2 + (100/10)*0.1 = 40 + 7.5 - 6 + 1 = 42.5
	assert.InDelta(t, 42.5, result.Score, 1e-9)
	assert.InDelta(t, 40.0, result.ScoreBreakdown["monthly_profit_component"], 1e-9)
	assert.InDelta(t, 7.5, result.ScoreBreakdown["weekly_hit_rate_component"], 1e-9)
	assert.InDelta(t, -6.0, result.ScoreBreakdown["max_loss_penalty"], 1e-9)
	assert.InDelta(t, 1.0, result.ScoreBreakdown["trade_efficiency_component"], 1e-9)
}

func TestScoreDurationFallback(t *testing.T) {
	e := newTestEvaluator()

	base := domain.MetricsRecord{
		"monthly_net_profit_avg": 100.0,
		"weekly_target_hit_rate": 0.25,
		"max_monthly_loss":       30.0,
	}

	scoreFor := func(duration float64) float64 {
		m := domain.MetricsRecord{}
		for k, v := range base {
			m[k] = v
		}
		m["avg_trade_duration_hours"] = duration
		return e.Evaluate(m).Score
	}

	reference := scoreFor(24.0)
	assert.Equal(t, reference, scoreFor(0.0))
	assert.Equal(t, reference, scoreFor(-5.0))
}

func TestIsImprovementStrict(t *testing.T) {
	e := newTestEvaluator()

	prev := &domain.EvalResult{Score: 10.0}

	tests := []struct {
		name    string
		current float64
		margin  float64
		want    bool
	}{
		{"clearly better", 11.0, 0.5, true},
		{"exactly at margin is not improvement", 10.5, 0.5, false},
		{"just above margin", 10.51, 0.5, true},
		{"worse", 9.0, 0.5, false},
		{"equal with zero margin", 10.0, 0.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := &domain.EvalResult{Score: tt.current}
			assert.Equal(t, tt.want, e.IsImprovement(cur, prev, tt.margin))
		})
	}
}

func TestCompareInOutOfSample(t *testing.T) {
	e := newTestEvaluator()

	t.Run("ratio above threshold passes", func(t *testing.T) {
		ok, msg := e.CompareInOutOfSample(
			&domain.EvalResult{Score: 100.0},
			&domain.EvalResult{Score: 69.0},
		)
		assert.True(t, ok)
		assert.Contains(t, msg, "PASSED")
	})

	t.Run("ratio below threshold is overfitting", func(t *testing.T) {
		ok, msg := e.CompareInOutOfSample(
			&domain.EvalResult{Score: 100.0},
			&domain.EvalResult{Score: 50.0},
		)
		assert.False(t, ok)
		assert.Contains(t, msg, "OVERFITTING")
	})

	t.Run("zero in-sample score fails closed", func(t *testing.T) {
		ok, msg := e.CompareInOutOfSample(
			&domain.EvalResult{Score: 0.0},
			&domain.EvalResult{Score: 50.0},
		)
		assert.False(t, ok)
		assert.Contains(t, msg, "0")
	})
}

func TestRecommendationNeverEmpty(t *testing.T) {
	e := newTestEvaluator()

	// Metrics that trip no heuristic rule still yield the generic message.
	m := domain.MetricsRecord{
		"total_trades":             100.0,
		"weekly_target_hit_rate":   0.30,
		"avg_profit_per_trade_pct": 1.0,
		"avg_trade_duration_hours": 10.0,
		"monthly_net_profit_avg":   500.0,
	}
	result := e.Evaluate(m)
	assert.NotEmpty(t, result.Recommendation)

	// Multiple applicable rules are concatenated.
	m["total_trades"] = 10.0
	m["weekly_target_hit_rate"] = 0.05
	result = e.Evaluate(m)
	assert.Contains(t, result.Recommendation, " | ")
}
