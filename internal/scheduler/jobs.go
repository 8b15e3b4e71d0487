package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/yifengQaq/lottery-agent/internal/domain"
	"github.com/yifengQaq/lottery-agent/internal/modules/settlement"
	"github.com/yifengQaq/lottery-agent/internal/orchestrator"
)

const defaultIterationTimeout = 6 * time.Hour

// IterationJob runs one full optimization loop. Loop-end settlement happens
// inside the orchestrator when a settlement manager is wired there.
type IterationJob struct {
	orc     *orchestrator.Orchestrator
	rounds  int
	timeout time.Duration
	log     zerolog.Logger
}

// NewIterationJob wraps an orchestrator for scheduled runs. rounds <= 0 uses
// the orchestrator's configured cap.
func NewIterationJob(orc *orchestrator.Orchestrator, rounds int, timeout time.Duration, log zerolog.Logger) *IterationJob {
	if timeout <= 0 {
		timeout = defaultIterationTimeout
	}
	return &IterationJob{
		orc:     orc,
		rounds:  rounds,
		timeout: timeout,
		log:     log.With().Str("component", "iteration_job").Logger(),
	}
}

func (j *IterationJob) Name() string { return "weekly_iteration" }

func (j *IterationJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	rounds, err := j.orc.RunIterationLoop(ctx, j.rounds)
	if err != nil {
		return fmt.Errorf("iteration loop: %w", err)
	}

	successful := 0
	for _, r := range rounds {
		if r.Status == domain.RoundSuccess {
			successful++
		}
	}
	j.log.Info().
		Int("rounds", len(rounds)).
		Int("successful", successful).
		Msg("scheduled iteration finished")
	return nil
}

// SettlementJob settles the current trading week from the last iteration
// log, independent of any loop run. It covers weeks where the scheduled
// iteration never completed.
type SettlementJob struct {
	manager *settlement.Manager
	logPath string
	now     func() time.Time
	log     zerolog.Logger
}

// NewSettlementJob wraps a settlement manager. iterationLogPath points at the
// orchestrator's iteration log; a missing log settles the week with zero PnL.
func NewSettlementJob(manager *settlement.Manager, iterationLogPath string, log zerolog.Logger) *SettlementJob {
	return &SettlementJob{
		manager: manager,
		logPath: iterationLogPath,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log.With().Str("component", "settlement_job").Logger(),
	}
}

func (j *SettlementJob) Name() string { return "weekly_settlement" }

func (j *SettlementJob) Run() error {
	pnl := j.latestWeekPnL()

	year, week := j.now().ISOWeek()
	weekID := fmt.Sprintf("%d-W%02d", year, week)

	report := j.manager.SettleWeek(weekID, pnl)
	if err := j.manager.SaveReport(report); err != nil {
		return fmt.Errorf("save settlement report: %w", err)
	}

	j.log.Info().
		Str("week", weekID).
		Float64("pnl", pnl).
		Str("status", string(report.Status)).
		Msg("scheduled settlement finished")
	return nil
}

func (j *SettlementJob) latestWeekPnL() float64 {
	data, err := os.ReadFile(j.logPath)
	if err != nil {
		j.log.Warn().Err(err).Str("path", j.logPath).Msg("no iteration log, settling with zero PnL")
		return 0
	}
	var rounds []domain.IterationRound
	if err := json.Unmarshal(data, &rounds); err != nil {
		j.log.Warn().Err(err).Str("path", j.logPath).Msg("unreadable iteration log, settling with zero PnL")
		return 0
	}
	for i := len(rounds) - 1; i >= 0; i-- {
		if rounds[i].Status != domain.RoundSuccess {
			continue
		}
		if rounds[i].BacktestMetrics.Has("latest_week_pnl") {
			return rounds[i].BacktestMetrics.Num("latest_week_pnl")
		}
		break
	}
	return 0
}
