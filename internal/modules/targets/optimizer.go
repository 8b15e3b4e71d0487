// Package targets measures the distance between current backtest metrics
// and the target performance profile, and turns that distance into an
// exploration posture and a parameter-change budget for the next proposal.
package targets

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/yifengQaq/lottery-agent/internal/domain"
)

// DefaultFineTuneThreshold switches the posture to fine_tune when the
// weighted norm of the gap falls below it.
const DefaultFineTuneThreshold = 0.3

// lowerIsBetter marks profile metrics where exceeding the target means
// being over the limit, not ahead of it.
var lowerIsBetter = map[string]bool{
	"max_monthly_loss": true,
	"max_drawdown_pct": true,
}

// DefaultTargetProfile is the weekly-lottery performance target.
func DefaultTargetProfile() map[string]float64 {
	return map[string]float64{
		"weekly_target_hit_rate": 0.25,
		"monthly_net_profit_avg": 100.0,
		"max_monthly_loss":       200.0,
		"max_drawdown_pct":       50.0,
	}
}

// DefaultWeights gives the hit rate the largest say in the weighted norm.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"weekly_target_hit_rate": 2.0,
		"monthly_net_profit_avg": 1.5,
		"max_monthly_loss":       1.0,
		"max_drawdown_pct":       1.0,
	}
}

// Optimizer computes target gaps and step budgets.
type Optimizer struct {
	profile           map[string]float64
	weights           map[string]float64
	fineTuneThreshold float64
	logPath           string

	log zerolog.Logger
}

// Config holds the optimizer's construction options. Zero values fall back
// to the defaults above.
type Config struct {
	TargetProfile     map[string]float64
	Weights           map[string]float64
	FineTuneThreshold float64
	LogPath           string
}

// New creates a target optimizer.
func New(cfg Config, log zerolog.Logger) *Optimizer {
	if cfg.TargetProfile == nil {
		cfg.TargetProfile = DefaultTargetProfile()
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	if cfg.FineTuneThreshold <= 0 {
		cfg.FineTuneThreshold = DefaultFineTuneThreshold
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join("results", "comparisons", "target_gap_history.jsonl")
	}
	return &Optimizer{
		profile:           cfg.TargetProfile,
		weights:           cfg.Weights,
		fineTuneThreshold: cfg.FineTuneThreshold,
		logPath:           cfg.LogPath,
		log:               log.With().Str("component", "target-optimizer").Logger(),
	}
}

// ComputeGap builds the signed gap vector against the target profile.
// Positive deltas always mean the metric needs attention: a shortfall for
// higher-is-better metrics, an over-limit for loss and drawdown metrics.
func (o *Optimizer) ComputeGap(metrics domain.MetricsRecord, round int) *domain.TargetGapVector {
	deltas := make(map[string]float64, len(o.profile))
	for key, target := range o.profile {
		current := metrics.Num(key)
		if lowerIsBetter[key] {
			deltas[key] = round6(current - target)
		} else {
			deltas[key] = round6(target - current)
		}
	}

	norm := o.weightedNorm(deltas)
	mode := domain.GapModeExplore
	if norm < o.fineTuneThreshold {
		mode = domain.GapModeFineTune
	}

	return &domain.TargetGapVector{
		Round:        round,
		Profile:      "default",
		Deltas:       deltas,
		WeightedNorm: round6(norm),
		Mode:         mode,
	}
}

// SuggestStepSizes maps the gap mode to a parameter-change budget: one
// small nudge while fine-tuning, up to three full-magnitude changes while
// exploring.
func (o *Optimizer) SuggestStepSizes(gap *domain.TargetGapVector) domain.StepBudget {
	if gap != nil && gap.Mode == domain.GapModeFineTune {
		return domain.StepBudget{MaxParamChanges: 1, StepScale: 0.1}
	}
	return domain.StepBudget{MaxParamChanges: 3, StepScale: 1.0}
}

// LogGap appends the gap vector to the JSONL history file.
func (o *Optimizer) LogGap(gap *domain.TargetGapVector) error {
	if err := os.MkdirAll(filepath.Dir(o.logPath), 0o755); err != nil {
		return fmt.Errorf("create gap log dir: %w", err)
	}

	f, err := os.OpenFile(o.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open gap log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(gap)
	if err != nil {
		return fmt.Errorf("encode gap: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append gap log: %w", err)
	}

	o.log.Debug().Str("path", o.logPath).Int("round", gap.Round).Msg("Gap logged")
	return nil
}

// weightedNorm is the weighted L2 norm over positive deltas only, each
// normalized by its target so metrics of different scales are comparable.
func (o *Optimizer) weightedNorm(deltas map[string]float64) float64 {
	acc := 0.0
	for key, delta := range deltas {
		if delta <= 0 {
			continue
		}
		weight, ok := o.weights[key]
		if !ok {
			weight = 1.0
		}
		normDelta := delta
		if target := o.profile[key]; target != 0 {
			normDelta = delta / math.Abs(target)
		}
		acc += weight * normDelta * normDelta
	}
	return math.Sqrt(acc)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
