package scheduler

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yifengQaq/lottery-agent/internal/domain"
	"github.com/yifengQaq/lottery-agent/internal/modules/settlement"
)

type stubJob struct {
	name string
	runs int
	err  error
}

func (j *stubJob) Name() string { return j.name }

func (j *stubJob) Run() error {
	j.runs++
	return j.err
}

func TestAddJobRejectsInvalidSpec(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.AddJob("not a cron spec", &stubJob{name: "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `register job "bad"`)
}

func TestAddJobAcceptsWeeklySpecs(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.AddJob(DefaultIterationSpec, &stubJob{name: "iteration"}))
	require.NoError(t, s.AddJob(DefaultSettlementSpec, &stubJob{name: "settlement"}))
}

func TestRunNowExecutesJob(t *testing.T) {
	s := New(zerolog.Nop())
	job := &stubJob{name: "manual"}
	require.NoError(t, s.RunNow(job))
	assert.Equal(t, 1, job.runs)

	job.err = errors.New("boom")
	require.Error(t, s.RunNow(job))
}

func writeIterationLog(t *testing.T, dir string, rounds []domain.IterationRound) string {
	t.Helper()
	data, err := json.Marshal(rounds)
	require.NoError(t, err)
	path := filepath.Join(dir, "iteration_log.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newSettlementJob(t *testing.T, logPath string) (*SettlementJob, *settlement.Manager) {
	t.Helper()
	manager := settlement.New(settlement.Config{
		ReportPath: filepath.Join(t.TempDir(), "reports.jsonl"),
	}, zerolog.Nop())
	job := NewSettlementJob(manager, logPath, zerolog.Nop())
	job.now = func() time.Time { return time.Date(2026, 8, 23, 23, 30, 0, 0, time.UTC) }
	return job, manager
}

func TestSettlementJobUsesLastSuccessfulRound(t *testing.T) {
	dir := t.TempDir()
	logPath := writeIterationLog(t, dir, []domain.IterationRound{
		{
			Round:           1,
			Status:          domain.RoundSuccess,
			BacktestMetrics: domain.MetricsRecord{"latest_week_pnl": 1200.0},
		},
		{
			Round:           2,
			Status:          domain.RoundFailed,
			BacktestMetrics: domain.MetricsRecord{},
		},
	})
	job, manager := newSettlementJob(t, logPath)

	require.NoError(t, job.Run())

	history := manager.History()
	require.Len(t, history, 1)
	assert.Equal(t, "2026-W34", history[0].WeekID)
	assert.Equal(t, domain.SettlementTargetHit, history[0].Status)
	assert.Equal(t, 1200.0, history[0].WeeklyPnL)
}

func TestSettlementJobMissingLogSettlesZero(t *testing.T) {
	job, manager := newSettlementJob(t, filepath.Join(t.TempDir(), "absent.json"))

	require.NoError(t, job.Run())

	history := manager.History()
	require.Len(t, history, 1)
	assert.Equal(t, domain.SettlementWeekEndSettled, history[0].Status)
	assert.Equal(t, 0.0, history[0].WeeklyPnL)
}
