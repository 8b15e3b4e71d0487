package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/yifengQaq/lottery-agent/internal/clients/backtester"
	"github.com/yifengQaq/lottery-agent/internal/clients/deepseek"
	"github.com/yifengQaq/lottery-agent/internal/config"
	"github.com/yifengQaq/lottery-agent/internal/domain"
	"github.com/yifengQaq/lottery-agent/internal/modules/comparison"
	"github.com/yifengQaq/lottery-agent/internal/modules/evaluation"
	"github.com/yifengQaq/lottery-agent/internal/modules/factorlab"
	"github.com/yifengQaq/lottery-agent/internal/modules/recovery"
	"github.com/yifengQaq/lottery-agent/internal/modules/settlement"
	"github.com/yifengQaq/lottery-agent/internal/modules/strategy"
	"github.com/yifengQaq/lottery-agent/internal/modules/targets"
	"github.com/yifengQaq/lottery-agent/internal/orchestrator"
	"github.com/yifengQaq/lottery-agent/internal/scheduler"
	"github.com/yifengQaq/lottery-agent/pkg/logger"
)

const defaultSystemPrompt = "You are a trading strategy optimization agent."

type cliFlags struct {
	rounds           int
	walkForward      bool
	autoRepair       bool
	repairMaxRetries int
	enableFactorLab  bool
	factorCandidates int
	listVersions     bool
	rollback         int
	dryRun           bool
	settle           bool
	week             string
	pnl              float64
	daemon           bool
	verbose          bool
}

func main() {
	var fl cliFlags
	flag.IntVar(&fl.rounds, "rounds", 0, "maximum iteration rounds (0 uses config)")
	flag.BoolVar(&fl.walkForward, "walk-forward", false, "enable walk-forward validation")
	flag.BoolVar(&fl.autoRepair, "auto-repair", false, "enable automatic error recovery on backtest failure")
	flag.IntVar(&fl.repairMaxRetries, "repair-max-retries", 0, "maximum repair attempts per failure (0 uses config)")
	flag.BoolVar(&fl.enableFactorLab, "enable-factor-lab", false, "enable factor generation and experimentation")
	flag.IntVar(&fl.factorCandidates, "factor-candidates", 0, "factor candidates per round (0 uses config)")
	flag.BoolVar(&fl.listVersions, "list-versions", false, "list saved strategy versions and exit")
	flag.IntVar(&fl.rollback, "rollback", 0, "rollback strategy to round N and exit")
	flag.BoolVar(&fl.dryRun, "dry-run", false, "print plan without executing")
	flag.BoolVar(&fl.settle, "settle", false, "settle one trading week manually and exit")
	flag.StringVar(&fl.week, "week", "", "week identifier for -settle, e.g. 2026-W35")
	flag.Float64Var(&fl.pnl, "pnl", 0, "weekly PnL for -settle")
	flag.BoolVar(&fl.daemon, "daemon", false, "run under the weekly cron schedule")
	flag.BoolVar(&fl.verbose, "v", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, &fl)

	level := cfg.LogLevel
	if fl.verbose {
		level = "debug"
	}
	log := logger.New(logger.Config{Level: level, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)

	if err := run(cfg, &fl, log); err != nil {
		log.Error().Err(err).Msg("agent failed")
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config, fl *cliFlags) {
	if fl.walkForward {
		cfg.EnableWalkForward = true
	}
	if fl.autoRepair {
		cfg.EnableAutoRepair = true
	}
	if fl.repairMaxRetries > 0 {
		cfg.RepairMaxRetries = fl.repairMaxRetries
	}
	if fl.enableFactorLab {
		cfg.EnableFactorLab = true
	}
	if fl.factorCandidates > 0 {
		cfg.FactorCandidates = fl.factorCandidates
	}
	if fl.rounds > 0 {
		cfg.MaxRounds = fl.rounds
	}
}

func run(cfg *config.Config, fl *cliFlags, log zerolog.Logger) error {
	switch {
	case fl.listVersions:
		return listVersions(cfg, log)
	case fl.rollback > 0:
		return rollback(cfg, fl.rollback, log)
	case fl.settle:
		return settleWeek(cfg, fl.week, fl.pnl, log)
	case fl.dryRun:
		printPlan(cfg)
		return nil
	case fl.daemon:
		return runDaemon(cfg, log)
	default:
		return runLoop(cfg, log)
	}
}

func newModifier(cfg *config.Config, log zerolog.Logger) (*strategy.Modifier, error) {
	return strategy.New(strategy.Config{
		StrategyDir: cfg.StrategyDir,
		BackupDir:   cfg.BackupDir,
	}, log)
}

// buildOrchestrator wires the full dependency graph for a loop run.
func buildOrchestrator(cfg *config.Config, log zerolog.Logger) (*orchestrator.Orchestrator, *settlement.Manager, error) {
	store, err := newModifier(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("strategy modifier: %w", err)
	}

	generator, err := deepseek.New(deepseek.Config{
		APIKey:  cfg.DeepSeekAPIKey,
		BaseURL: cfg.DeepSeekBaseURL,
		Model:   cfg.DeepSeekModel,
	}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("deepseek client: %w", err)
	}

	runner := backtester.New(backtester.Config{
		EngineDir:    cfg.EngineDir,
		EngineBin:    cfg.EngineBin,
		ConfigPath:   cfg.ConfigPath,
		StrategyName: cfg.StrategyName,
		Timerange:    cfg.TimerangeIS,
	}, log)

	evaluator := evaluation.New(evaluation.Config{}, log)

	deps := orchestrator.Deps{
		Generator: generator,
		Runner:    runner,
		Store:     store,
		Evaluator: evaluator,
	}

	if cfg.EnableAutoRepair {
		deps.Repair = recovery.New(generator, store, runner, recovery.Config{
			MaxRetries: cfg.RepairMaxRetries,
		}, log)
	}
	if cfg.EnableMultiWindow {
		comparisonsDir := filepath.Join(cfg.ResultsDir, "comparisons")
		deps.Comparator = comparison.New(runner, comparisonsDir, log)
		deps.Targets = targets.New(targets.Config{
			LogPath: filepath.Join(comparisonsDir, "target_gap_history.jsonl"),
		}, log)
	}
	if cfg.EnableFactorLab {
		deps.FactorLab = factorlab.New(generator,
			filepath.Join(cfg.ResultsDir, "experiments", "factor_trials.jsonl"), log)
	}

	settle := newSettlement(cfg, log)
	deps.Settlement = settle

	orc, err := orchestrator.New(deps, orchestrator.Config{
		MaxRounds:         cfg.MaxRounds,
		StaleRoundsLimit:  cfg.StaleRoundsLimit,
		TimerangeIS:       cfg.TimerangeIS,
		TimerangeOOS:      cfg.TimerangeOOS,
		EnableWalkForward: cfg.EnableWalkForward,
		EnableMultiWindow: cfg.EnableMultiWindow,
		Windows:           cfg.Windows,
		FactorCandidates:  cfg.FactorCandidates,
		SystemPrompt:      cfg.SystemPrompt(defaultSystemPrompt),
		ResultsDir:        cfg.ResultsDir,
		ConfigPath:        filepath.Join(cfg.EngineDir, cfg.ConfigPath),
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return orc, settle, nil
}

func newSettlement(cfg *config.Config, log zerolog.Logger) *settlement.Manager {
	manager := settlement.New(settlement.Config{
		WeeklyBudget:      cfg.WeeklyBudget,
		WeeklyTarget:      cfg.WeeklyTarget,
		CooldownThreshold: cfg.CooldownThreshold,
		ReportPath:        filepath.Join(cfg.ResultsDir, "weekly", "weekly_settlement_reports.jsonl"),
	}, log)
	if err := manager.LoadHistory(); err != nil {
		log.Warn().Err(err).Msg("settlement history not loaded")
	}
	return manager
}

func runLoop(cfg *config.Config, log zerolog.Logger) error {
	orc, _, err := buildOrchestrator(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Int("max_rounds", cfg.MaxRounds).Msg("starting iteration loop")
	rounds, err := orc.RunIterationLoop(ctx, cfg.MaxRounds)
	printSummary(rounds)
	return err
}

func runDaemon(cfg *config.Config, log zerolog.Logger) error {
	orc, settle, err := buildOrchestrator(cfg, log)
	if err != nil {
		return err
	}

	sched := scheduler.New(log)
	iterationJob := scheduler.NewIterationJob(orc, cfg.MaxRounds, 0, log)
	if err := sched.AddJob(scheduler.DefaultIterationSpec, iterationJob); err != nil {
		return err
	}
	settlementJob := scheduler.NewSettlementJob(settle,
		filepath.Join(cfg.ResultsDir, "iteration_log.json"), log)
	if err := sched.AddJob(scheduler.DefaultSettlementSpec, settlementJob); err != nil {
		return err
	}

	sched.Start()
	defer sched.Stop()
	log.Info().Msg("daemon started, waiting for scheduled jobs")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("daemon shutting down")
	return nil
}

func listVersions(cfg *config.Config, log zerolog.Logger) error {
	modifier, err := newModifier(cfg, log)
	if err != nil {
		return err
	}
	versions, err := modifier.ListVersions()
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Println("No saved versions found.")
		return nil
	}
	fmt.Printf("%6s  %-26s  File\n", "Round", "Timestamp")
	fmt.Println("----------------------------------------------------------------------")
	for _, v := range versions {
		fmt.Printf("  %4d  %-26s  %s\n", v.Round, v.Timestamp.Format("2006-01-02T15:04:05Z07:00"), v.File)
	}
	return nil
}

func rollback(cfg *config.Config, round int, log zerolog.Logger) error {
	modifier, err := newModifier(cfg, log)
	if err != nil {
		return err
	}
	if err := modifier.Rollback(round); err != nil {
		return fmt.Errorf("rollback to round %d: %w", round, err)
	}
	fmt.Printf("Successfully rolled back to round %d.\n", round)
	return nil
}

func settleWeek(cfg *config.Config, week string, pnl float64, log zerolog.Logger) error {
	if week == "" {
		return fmt.Errorf("-settle requires -week, e.g. -week 2026-W35")
	}
	manager := newSettlement(cfg, log)
	report := manager.SettleWeek(week, pnl)
	if err := manager.SaveReport(report); err != nil {
		return err
	}
	fmt.Printf("Week %s settled: %s (pnl %+.2f, next week: %s)\n",
		report.WeekID, report.Status, report.WeeklyPnL, report.ActionNextWeek)
	return nil
}

func printPlan(cfg *config.Config) {
	fmt.Println("=== Dry-run plan ===")
	fmt.Printf("  Strategy:       %s\n", cfg.StrategyName)
	fmt.Printf("  Max rounds:     %d\n", cfg.MaxRounds)
	fmt.Printf("  IS timerange:   %s\n", cfg.TimerangeIS)
	fmt.Printf("  OOS timerange:  %s\n", cfg.TimerangeOOS)
	fmt.Printf("  Walk-forward:   %t\n", cfg.EnableWalkForward)
	fmt.Printf("  Auto-repair:    %t\n", cfg.EnableAutoRepair)
	fmt.Printf("  Factor lab:     %t\n", cfg.EnableFactorLab)
	fmt.Printf("  Stale limit:    %d\n", cfg.StaleRoundsLimit)
	fmt.Println("No changes will be made.")
}

func printSummary(rounds []domain.IterationRound) {
	fmt.Println("\n============================================================")
	fmt.Printf("Completed %d rounds\n", len(rounds))
	for _, r := range rounds {
		icon := "?"
		switch r.Status {
		case domain.RoundSuccess:
			icon = "✓"
		case domain.RoundFailed:
			icon = "✗"
		case domain.RoundOverfitting:
			icon = "⚠"
		case domain.RoundRolledBack:
			icon = "↩"
		}
		changes := r.ChangesMade
		if len(changes) > 60 {
			changes = changes[:60]
		}
		fmt.Printf("  Round %2d [%s %11s] score=%7.2f  %s\n",
			r.Round, icon, r.Status, r.Score, changes)
	}
	fmt.Println("============================================================")
}
