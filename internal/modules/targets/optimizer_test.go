package targets

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yifengQaq/lottery-agent/internal/domain"
)

func metricsAtTarget() domain.MetricsRecord {
	return domain.MetricsRecord{
		"weekly_target_hit_rate": 0.25,
		"monthly_net_profit_avg": 100.0,
		"max_monthly_loss":       200.0,
		"max_drawdown_pct":       50.0,
	}
}

func metricsBelowTarget() domain.MetricsRecord {
	return domain.MetricsRecord{
		"weekly_target_hit_rate": 0.10,
		"monthly_net_profit_avg": 30.0,
		"max_monthly_loss":       350.0,
		"max_drawdown_pct":       80.0,
	}
}

func metricsNearTarget() domain.MetricsRecord {
	return domain.MetricsRecord{
		"weekly_target_hit_rate": 0.24,
		"monthly_net_profit_avg": 98.0,
		"max_monthly_loss":       205.0,
		"max_drawdown_pct":       51.0,
	}
}

func TestComputeGapVector(t *testing.T) {
	opt := New(Config{}, zerolog.Nop())
	gap := opt.ComputeGap(metricsBelowTarget(), 1)

	assert.Equal(t, 1, gap.Round)
	assert.Equal(t, "default", gap.Profile)
	assert.InDelta(t, 0.15, gap.Deltas["weekly_target_hit_rate"], 1e-4)
	assert.InDelta(t, 70.0, gap.Deltas["monthly_net_profit_avg"], 1e-4)
	// Loss and drawdown are over their limits, so the deltas are positive too.
	assert.InDelta(t, 150.0, gap.Deltas["max_monthly_loss"], 1e-4)
	assert.InDelta(t, 30.0, gap.Deltas["max_drawdown_pct"], 1e-4)
	assert.Greater(t, gap.WeightedNorm, 0.0)
}

func TestComputeGapAtTarget(t *testing.T) {
	opt := New(Config{}, zerolog.Nop())
	gap := opt.ComputeGap(metricsAtTarget(), 5)

	assert.InDelta(t, 0.0, gap.WeightedNorm, 1e-9)
	for key, delta := range gap.Deltas {
		assert.LessOrEqual(t, delta, 1e-9, "metric %s already satisfies the target", key)
	}
	assert.Equal(t, domain.GapModeFineTune, gap.Mode)
}

func TestWeightedNormIgnoresSatisfiedMetrics(t *testing.T) {
	opt := New(Config{}, zerolog.Nop())

	norm := opt.weightedNorm(map[string]float64{
		"weekly_target_hit_rate": -0.05,
		"monthly_net_profit_avg": -20.0,
		"max_monthly_loss":       -50.0,
		"max_drawdown_pct":       -10.0,
	})
	assert.Equal(t, 0.0, norm)
}

func TestModeSwitch(t *testing.T) {
	t.Run("near target fine tunes under a loose threshold", func(t *testing.T) {
		opt := New(Config{FineTuneThreshold: 100.0}, zerolog.Nop())
		gap := opt.ComputeGap(metricsNearTarget(), 3)
		assert.Equal(t, domain.GapModeFineTune, gap.Mode)
	})

	t.Run("far from target explores under a tight threshold", func(t *testing.T) {
		opt := New(Config{FineTuneThreshold: 0.01}, zerolog.Nop())
		gap := opt.ComputeGap(metricsBelowTarget(), 2)
		assert.Equal(t, domain.GapModeExplore, gap.Mode)
		assert.GreaterOrEqual(t, gap.WeightedNorm, 0.01)
	})
}

func TestSuggestStepSizes(t *testing.T) {
	opt := New(Config{}, zerolog.Nop())

	fine := opt.SuggestStepSizes(&domain.TargetGapVector{Mode: domain.GapModeFineTune})
	explore := opt.SuggestStepSizes(&domain.TargetGapVector{Mode: domain.GapModeExplore})

	assert.Equal(t, domain.StepBudget{MaxParamChanges: 1, StepScale: 0.1}, fine)
	assert.Equal(t, domain.StepBudget{MaxParamChanges: 3, StepScale: 1.0}, explore)
	assert.Less(t, fine.MaxParamChanges, explore.MaxParamChanges)
	assert.Less(t, fine.StepScale, explore.StepScale)
}

func TestLogGapAppendsJSONL(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "comparisons", "gap_history.jsonl")
	opt := New(Config{LogPath: logPath}, zerolog.Nop())

	require.NoError(t, opt.LogGap(opt.ComputeGap(metricsBelowTarget(), 1)))
	require.NoError(t, opt.LogGap(opt.ComputeGap(metricsNearTarget(), 2)))

	f, err := os.Open(logPath)
	require.NoError(t, err)
	defer f.Close()

	var rounds []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var gap domain.TargetGapVector
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &gap))
		rounds = append(rounds, gap.Round)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []int{1, 2}, rounds)
}
