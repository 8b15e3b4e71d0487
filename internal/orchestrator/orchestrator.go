package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yifengQaq/lottery-agent/internal/domain"
	"github.com/yifengQaq/lottery-agent/internal/modules/comparison"
	"github.com/yifengQaq/lottery-agent/internal/modules/evaluation"
	"github.com/yifengQaq/lottery-agent/internal/modules/factorlab"
	"github.com/yifengQaq/lottery-agent/internal/modules/settlement"
	"github.com/yifengQaq/lottery-agent/internal/modules/targets"
)

const (
	defaultMaxRounds        = 20
	defaultStaleRoundsLimit = 3
	defaultFactorCandidates = 5

	defaultSystemPrompt = "You are a trading strategy optimization agent."

	iterationLogFilename = "iteration_log.json"
)

// Repairer is the bounded auto-repair seam. recovery.Manager satisfies it.
type Repairer interface {
	AttemptFix(ctx context.Context, errorLog, currentCode string, round int, timerange string) *domain.FixOutcome
	RollbackOnExhausted(round int) *domain.RollbackOutcome
}

// Config carries the loop policy. Zero values fall back to defaults; the
// optional features only activate when the matching dependency is wired.
type Config struct {
	MaxRounds        int
	StaleRoundsLimit int
	TimerangeIS      string
	TimerangeOOS     string

	EnableWalkForward bool
	EnableMultiWindow bool
	Windows           map[string]string

	FactorCandidates int

	SystemPrompt string
	ResultsDir   string
	// ConfigPath is the engine configuration file that LLM config patches
	// are merged into. Empty disables config patching.
	ConfigPath string

	Now func() time.Time
}

// Deps bundles the collaborators of one loop invocation. Generator, Runner,
// Store and Evaluator are required; the rest enable optional features when
// non-nil.
type Deps struct {
	Generator  domain.PatchGenerator
	Runner     domain.BacktestRunner
	Store      domain.StrategyStore
	Evaluator  *evaluation.Evaluator
	Repair     Repairer
	Comparator *comparison.Comparator
	Targets    *targets.Optimizer
	Settlement *settlement.Manager
	FactorLab  *factorlab.Lab
}

// Orchestrator drives the multi-round patch/backtest/evaluate loop and owns
// the append-only round history for one invocation.
type Orchestrator struct {
	deps Deps
	cfg  Config
	now  func() time.Time
	log  zerolog.Logger
}

// New wires an orchestrator. The required Deps fields must be non-nil.
func New(deps Deps, cfg Config, log zerolog.Logger) (*Orchestrator, error) {
	if deps.Generator == nil || deps.Runner == nil || deps.Store == nil || deps.Evaluator == nil {
		return nil, fmt.Errorf("orchestrator: generator, runner, store and evaluator are required")
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if cfg.StaleRoundsLimit <= 0 {
		cfg.StaleRoundsLimit = defaultStaleRoundsLimit
	}
	if cfg.FactorCandidates <= 0 {
		cfg.FactorCandidates = defaultFactorCandidates
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = "results"
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		deps: deps,
		cfg:  cfg,
		now:  now,
		log:  log.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// RunIterationLoop executes up to maxRounds rounds (0 uses the configured
// cap) and returns every completed round. Per-round failures are recorded in
// the round history and never abort the loop; only context cancellation does.
func (o *Orchestrator) RunIterationLoop(ctx context.Context, maxRounds int) ([]domain.IterationRound, error) {
	limit := maxRounds
	if limit <= 0 {
		limit = o.cfg.MaxRounds
	}
	runID := uuid.NewString()
	log := o.log.With().Str("run_id", runID).Logger()
	log.Info().Int("max_rounds", limit).Msg("iteration loop starting")

	var rounds []domain.IterationRound
	for n := 1; n <= limit; n++ {
		if err := ctx.Err(); err != nil {
			o.finalize(rounds)
			return rounds, fmt.Errorf("iteration loop canceled at round %d: %w", n, err)
		}
		log.Info().Int("round", n).Int("of", limit).Msg("round starting")

		rec := o.runSingleRound(ctx, n, rounds)
		rounds = append(rounds, rec)
		last := &rounds[len(rounds)-1]

		if last.Status == domain.RoundSuccess && o.cfg.EnableWalkForward {
			ok, msg := o.RunWalkForward(ctx)
			if !ok {
				last.Status = domain.RoundOverfitting
				last.NextAction = msg
				if n > 1 {
					if err := o.deps.Store.Rollback(n - 1); err != nil {
						log.Error().Err(err).Int("round", n-1).Msg("overfitting rollback failed")
					} else {
						log.Warn().Int("round", n-1).Msg("overfitting detected, rolled back")
					}
				}
			}
		}

		if stop, reason := o.checkTermination(rounds); stop {
			log.Info().Str("reason", reason).Msg("terminating")
			last.NextAction = "STOP: " + reason
			break
		}
	}

	o.finalize(rounds)
	return rounds, nil
}

// RunWalkForward runs the out-of-sample and in-sample backtests back to back
// and compares the two evaluations. A missing OOS timerange passes trivially.
func (o *Orchestrator) RunWalkForward(ctx context.Context) (bool, string) {
	if o.cfg.TimerangeOOS == "" {
		return true, "no out-of-sample timerange configured, skipping walk-forward"
	}

	oosBT := o.deps.Runner.Run(ctx, domain.BacktestOptions{Timerange: o.cfg.TimerangeOOS})
	if !oosBT.Success {
		return false, fmt.Sprintf("out-of-sample backtest failed: %s", oosBT.Error)
	}
	oosEval := o.deps.Evaluator.Evaluate(oosBT.Metrics)

	isBT := o.deps.Runner.Run(ctx, domain.BacktestOptions{Timerange: o.cfg.TimerangeIS})
	if !isBT.Success {
		return false, fmt.Sprintf("in-sample backtest failed: %s", isBT.Error)
	}
	isEval := o.deps.Evaluator.Evaluate(isBT.Metrics)

	return o.deps.Evaluator.CompareInOutOfSample(isEval, oosEval)
}

func (o *Orchestrator) runSingleRound(ctx context.Context, round int, previous []domain.IterationRound) domain.IterationRound {
	rec := domain.IterationRound{
		Round:           round,
		Timestamp:       o.now(),
		BacktestMetrics: domain.MetricsRecord{},
		Status:          domain.RoundFailed,
	}

	currentCode, err := o.deps.Store.CurrentCode()
	if err != nil {
		rec.NextAction = fmt.Sprintf("cannot read strategy: %v", err)
		return rec
	}

	lastMetrics := domain.MetricsRecord{}
	if len(previous) > 0 && previous[len(previous)-1].BacktestMetrics != nil {
		lastMetrics = previous[len(previous)-1].BacktestMetrics
	}

	patch, err := o.generatePatch(ctx, round, currentCode, lastMetrics, previous)
	if err != nil {
		rec.NextAction = fmt.Sprintf("LLM call failed: %v", err)
		return rec
	}
	rec.ChangesMade = patch.ChangesMade
	rec.Rationale = patch.Rationale

	if patch.CodePatch == "" {
		rec.NextAction = "LLM returned empty code_patch"
		return rec
	}

	patchResult := o.deps.Store.ApplyPatch(patch.CodePatch, round, patch.ChangesMade)
	if !patchResult.Success {
		rec.NextAction = fmt.Sprintf("patch rejected: %s", strings.Join(patchResult.Errors, "; "))
		return rec
	}
	rec.StrategyVersionPath = patchResult.BackupPath

	btResult := o.deps.Runner.Run(ctx, domain.BacktestOptions{Timerange: o.cfg.TimerangeIS})
	if !btResult.Success {
		if o.deps.Repair != nil {
			o.log.Info().Int("round", round).Msg("backtest failed, attempting auto-repair")
			fix := o.deps.Repair.AttemptFix(ctx, btResult.Error, patch.CodePatch, round, o.cfg.TimerangeIS)
			if fix.Success {
				o.log.Info().Int("attempts", fix.Attempts).Msg("auto-repair succeeded")
				btResult = &domain.BacktestResult{
					Success:    true,
					Metrics:    fix.Metrics,
					RawResults: map[string]any{},
				}
				rec.ChangesMade += fmt.Sprintf(" [auto-repaired: %s]", fix.FixSummary)
			} else {
				rb := o.deps.Repair.RollbackOnExhausted(round)
				rec.NextAction = fmt.Sprintf("auto-repair exhausted after %d attempts, rolled back: %t", fix.Attempts, rb.RolledBack)
				rec.Status = domain.RoundRolledBack
				return rec
			}
		}
		if !btResult.Success {
			rec.NextAction = fmt.Sprintf("backtest failed: %s", btResult.Error)
			return rec
		}
	}
	rec.BacktestMetrics = btResult.Metrics

	evalResult := o.deps.Evaluator.Evaluate(btResult.Metrics)
	rec.EvalResult = evalResult
	rec.Score = evalResult.Score
	rec.NextAction = patch.NextAction
	if rec.NextAction == "" {
		rec.NextAction = "continue"
	}
	rec.Status = domain.RoundSuccess

	if len(patch.ConfigPatch) > 0 && o.cfg.ConfigPath != "" {
		if err := o.deps.Store.ApplyConfigPatch(o.cfg.ConfigPath, patch.ConfigPatch, round); err != nil {
			o.log.Warn().Err(err).Int("round", round).Msg("config patch not applied")
		}
	}

	o.runFactorLab(ctx, patch.CodePatch, btResult.Metrics, evalResult.Score)

	return rec
}

// generatePatch picks the LLM entry point for the round. With multi-window
// comparison enabled and prior metrics available, the round is steered by the
// comparison matrix and the target gap vector; otherwise it is a regular
// iteration prompt.
func (o *Orchestrator) generatePatch(ctx context.Context, round int, currentCode string, lastMetrics domain.MetricsRecord, previous []domain.IterationRound) (*domain.StrategyPatch, error) {
	targeted := o.cfg.EnableMultiWindow &&
		o.deps.Comparator != nil && o.deps.Targets != nil &&
		len(o.cfg.Windows) > 0 && len(previous) > 0 && len(lastMetrics) > 0

	if targeted {
		gap := o.deps.Targets.ComputeGap(lastMetrics, round)
		if err := o.deps.Targets.LogGap(gap); err != nil {
			o.log.Warn().Err(err).Msg("gap log append failed")
		}

		mw := o.deps.Comparator.RunMultiWindow(ctx, o.cfg.Windows)
		matrix := o.deps.Comparator.BuildMatrix(round, fmt.Sprintf("round_%03d", round), mw, nil)
		if err := o.deps.Comparator.SaveMatrix(matrix); err != nil {
			o.log.Warn().Err(err).Msg("comparison matrix not saved")
		}

		return o.deps.Generator.GenerateTargetedAdjustment(ctx, domain.TargetedAdjustmentRequest{
			SystemPrompt: o.cfg.SystemPrompt,
			CurrentCode:  currentCode,
			Matrix:       matrix,
			Gap:          gap,
		})
	}

	summaries := make([]domain.ChangeSummary, 0, len(previous))
	for _, r := range previous {
		summaries = append(summaries, domain.ChangeSummary{
			Round:       r.Round,
			ChangesMade: r.ChangesMade,
			Score:       r.Score,
		})
	}
	return o.deps.Generator.GenerateStrategyPatch(ctx, domain.StrategyPatchRequest{
		SystemPrompt:    o.cfg.SystemPrompt,
		CurrentCode:     currentCode,
		BacktestResults: lastMetrics,
		Round:           round,
		PreviousChanges: summaries,
	})
}

func (o *Orchestrator) runFactorLab(ctx context.Context, code string, metrics domain.MetricsRecord, score float64) {
	if o.deps.FactorLab == nil {
		return
	}
	candidates, err := o.deps.FactorLab.GenerateCandidates(ctx, code, metrics, o.cfg.FactorCandidates)
	if err != nil {
		o.log.Warn().Err(err).Msg("factor candidate generation failed")
		return
	}
	for i := range candidates {
		if err := o.deps.FactorLab.LogExperiment(&candidates[i], metrics, score); err != nil {
			o.log.Warn().Err(err).Str("candidate", candidates[i].CandidateID).Msg("experiment log append failed")
		}
	}
	o.log.Info().Int("candidates", len(candidates)).Msg("factor candidates recorded")
}

// checkTermination reports whether the last StaleRoundsLimit successful
// rounds show no score improvement.
func (o *Orchestrator) checkTermination(rounds []domain.IterationRound) (bool, string) {
	var successful []domain.IterationRound
	for _, r := range rounds {
		if r.Status == domain.RoundSuccess {
			successful = append(successful, r)
		}
	}
	limit := o.cfg.StaleRoundsLimit
	if len(successful) < limit {
		return false, ""
	}
	tail := successful[len(successful)-limit:]
	scores := make([]float64, len(tail))
	for i, r := range tail {
		scores[i] = r.Score
	}
	for i := 0; i < len(scores)-1; i++ {
		if scores[i] < scores[i+1] {
			return false, ""
		}
	}
	return true, fmt.Sprintf("no improvement in last %d successful rounds (scores: %v)", limit, scores)
}

// finalize persists the iteration log and settles the trading week from the
// freshest successful round's latest-week PnL.
func (o *Orchestrator) finalize(rounds []domain.IterationRound) {
	if err := o.saveIterationLog(rounds); err != nil {
		o.log.Error().Err(err).Msg("iteration log not saved")
	}
	o.settleWeek(rounds)
}

func (o *Orchestrator) settleWeek(rounds []domain.IterationRound) {
	if o.deps.Settlement == nil {
		return
	}
	pnl := 0.0
	for i := len(rounds) - 1; i >= 0; i-- {
		if rounds[i].Status != domain.RoundSuccess {
			continue
		}
		if rounds[i].BacktestMetrics.Has("latest_week_pnl") {
			pnl = rounds[i].BacktestMetrics.Num("latest_week_pnl")
		}
		break
	}
	year, week := o.now().ISOWeek()
	weekID := fmt.Sprintf("%d-W%02d", year, week)

	report := o.deps.Settlement.SettleWeek(weekID, pnl)
	if err := o.deps.Settlement.SaveReport(report); err != nil {
		o.log.Error().Err(err).Str("week", weekID).Msg("settlement report not saved")
	}
	o.log.Info().
		Str("week", weekID).
		Float64("pnl", pnl).
		Str("status", string(report.Status)).
		Str("action_next_week", report.ActionNextWeek).
		Msg("week settled")
}

func (o *Orchestrator) saveIterationLog(rounds []domain.IterationRound) error {
	if err := os.MkdirAll(o.cfg.ResultsDir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	if rounds == nil {
		rounds = []domain.IterationRound{}
	}
	data, err := json.MarshalIndent(rounds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal iteration log: %w", err)
	}
	path := filepath.Join(o.cfg.ResultsDir, iterationLogFilename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write iteration log: %w", err)
	}
	o.log.Info().Str("path", path).Int("rounds", len(rounds)).Msg("iteration log saved")
	return nil
}
