// Package domain provides core domain models and types for the iteration agent.
package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

// MetricsRecord is the normalized set of performance indicators produced by a
// single backtest run. Values are numeric for performance metrics and strings
// for labels such as best_pair. A record is never mutated after extraction.
type MetricsRecord map[string]any

// Num returns the numeric value stored under key, coercing the usual JSON
// number representations. Missing or non-numeric values return 0.
func (m MetricsRecord) Num(key string) float64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Str returns the string value stored under key, or "" when absent.
func (m MetricsRecord) Str(key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// Has reports whether key is present in the record.
func (m MetricsRecord) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// EvalResult is the outcome of one evaluator call. Created once per
// evaluation; never mutated after construction.
type EvalResult struct {
	Passed         bool               `json:"passed"`
	Score          float64            `json:"score"`
	GateFailures   []string           `json:"gate_failures"`
	ScoreBreakdown map[string]float64 `json:"score_breakdown"`
	Metrics        MetricsRecord      `json:"-"`
	Recommendation string             `json:"recommendation"`
}

// RoundStatus is the terminal state of a single iteration round.
type RoundStatus string

const (
	RoundSuccess     RoundStatus = "success"
	RoundFailed      RoundStatus = "failed"
	RoundRolledBack  RoundStatus = "rolled_back"
	RoundOverfitting RoundStatus = "overfitting"
)

// IterationRound records the outcome of one full patch/backtest/evaluate
// cycle. The orchestrator owns the append-only list of these for the
// lifetime of one loop invocation.
type IterationRound struct {
	Round               int           `json:"round"`
	Timestamp           time.Time     `json:"timestamp"`
	ChangesMade         string        `json:"changes_made"`
	Rationale           string        `json:"rationale"`
	BacktestMetrics     MetricsRecord `json:"backtest_metrics"`
	EvalResult          *EvalResult   `json:"eval_result,omitempty"`
	Score               float64       `json:"score"`
	StrategyVersionPath string        `json:"strategy_version_path"`
	NextAction          string        `json:"next_action"`
	Status              RoundStatus   `json:"status"`
}

// PatchResult reports the outcome of a validate-and-apply attempt on the
// strategy artifact.
type PatchResult struct {
	Success    bool     `json:"success"`
	BackupPath string   `json:"backup_path"`
	Errors     []string `json:"errors"`
	Warnings   []string `json:"warnings"`
}

// Version describes one saved strategy backup.
type Version struct {
	Round     int       `json:"round"`
	File      string    `json:"file"`
	Timestamp time.Time `json:"timestamp"`
}

// GapMode selects the exploration posture derived from the target gap.
type GapMode string

const (
	GapModeExplore  GapMode = "explore"
	GapModeFineTune GapMode = "fine_tune"
)

// TargetGapVector is the signed, weighted distance between current metrics
// and the target profile. Positive deltas always mean "needs attention".
type TargetGapVector struct {
	Round        int                `json:"round"`
	Profile      string             `json:"target_profile"`
	Deltas       map[string]float64 `json:"deltas"`
	WeightedNorm float64            `json:"weighted_norm"`
	Mode         GapMode            `json:"mode"`
}

// StepBudget is the parameter-change budget recommended for the next LLM
// proposal, derived from the gap mode.
type StepBudget struct {
	MaxParamChanges int     `json:"max_param_changes"`
	StepScale       float64 `json:"step_scale"`
}

// DryRunDeviation measures how far dry-run actuals drifted from backtest
// projections, in percent.
type DryRunDeviation struct {
	PriceSlippagePct float64 `json:"price_slippage_pct"`
	SignalGapPct     float64 `json:"signal_gap_pct"`
	PnLGapPct        float64 `json:"pnl_gap_pct"`
}

// ComparisonMatrix is the per-round snapshot of multi-window backtest
// performance plus dry-run deviation.
type ComparisonMatrix struct {
	Round               int                      `json:"round"`
	CandidateID         string                   `json:"candidate_id"`
	Windows             []string                 `json:"windows"`
	MetricsByWindow     map[string]MetricsRecord `json:"metrics_by_window"`
	RobustnessScore     float64                  `json:"robustness_score"`
	DryRunPriceSlippage float64                  `json:"dryrun_price_slippage_pct"`
	DryRunSignalGap     float64                  `json:"dryrun_signal_gap_pct"`
	DryRunPnLGap        float64                  `json:"dryrun_pnl_gap_pct"`
}

// SettlementStatus is the terminal state of a settled trading week.
type SettlementStatus string

const (
	SettlementTargetHit       SettlementStatus = "TARGET_HIT"
	SettlementBudgetExhausted SettlementStatus = "BUDGET_EXHAUSTED"
	SettlementWeekEndSettled  SettlementStatus = "WEEK_END_SETTLED"
)

// SettlementReport is produced exactly once per settled week.
type SettlementReport struct {
	WeekID            string           `json:"week_id"`
	Status            SettlementStatus `json:"status"`
	WeeklyPnL         float64          `json:"weekly_pnl"`
	ReachedTarget     bool             `json:"reached_target"`
	ExhaustedBudget   bool             `json:"exhausted_budget"`
	ActionNextWeek    string           `json:"action_next_week"`
	CooldownTriggered bool             `json:"cooldown_triggered"`
}

// BacktestResult is the normalized outcome of one backtest engine run. The
// runner never returns a Go error: failures are reported through Success and
// Error so callers always receive a usable record.
type BacktestResult struct {
	Success    bool           `json:"success"`
	Error      string         `json:"error"`
	Metrics    MetricsRecord  `json:"metrics"`
	RawResults map[string]any `json:"raw_results"`
	ResultFile string         `json:"result_file"`
}

// StrategyPatch is the structured response of a code-generation call.
type StrategyPatch struct {
	Round       int            `json:"round"`
	ChangesMade string         `json:"changes_made"`
	Rationale   string         `json:"rationale"`
	CodePatch   string         `json:"code_patch"`
	ConfigPatch map[string]any `json:"config_patch"`
	NextAction  string         `json:"next_action"`
}

// FixPatch is the structured response of a repair-focused code-generation call.
type FixPatch struct {
	CodePatch  string `json:"code_patch"`
	FixSummary string `json:"fix_summary"`
}

// FactorCandidate is one LLM-proposed factor experiment.
type FactorCandidate struct {
	CandidateID  string         `json:"candidate_id"`
	FactorFamily string         `json:"factor_family"`
	Params       map[string]any `json:"params"`
	Description  string         `json:"description"`
	Status       string         `json:"status"`
}

// ChangeSummary is the per-round change digest passed back to the LLM as
// iteration context.
type ChangeSummary struct {
	Round       int     `json:"round"`
	ChangesMade string  `json:"changes_made"`
	Score       float64 `json:"score"`
}

// FixOutcome reports the result of a bounded repair episode.
type FixOutcome struct {
	Success    bool          `json:"success"`
	Attempts   int           `json:"attempts"`
	ErrorType  string        `json:"error_type"`
	FixSummary string        `json:"fix_summary"`
	Metrics    MetricsRecord `json:"metrics"`
}

// RollbackOutcome reports the result of a quarantine rollback after an
// exhausted repair episode.
type RollbackOutcome struct {
	RolledBack    bool   `json:"rolled_back"`
	RollbackRound int    `json:"rollback_round"`
	Status        string `json:"status"`
}
