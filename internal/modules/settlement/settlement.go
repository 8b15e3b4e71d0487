// Package settlement closes out trading weeks. Every week is settled
// exactly once into one of three states and no unused budget or profit
// carries over: each week's 100 USDT posture starts fresh.
package settlement

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/yifengQaq/lottery-agent/internal/domain"
)

// Manager settles trading weeks and tracks the running settlement history.
type Manager struct {
	weeklyBudget      float64
	weeklyTarget      float64
	cooldownThreshold int
	reportPath        string
	history           []*domain.SettlementReport

	log zerolog.Logger
}

// Config holds the manager's construction options. Zero values fall back
// to the weekly-lottery defaults: 100 budget, 1000 target, 3-week cooldown.
type Config struct {
	WeeklyBudget      float64
	WeeklyTarget      float64
	CooldownThreshold int
	ReportPath        string
}

// New creates a settlement manager.
func New(cfg Config, log zerolog.Logger) *Manager {
	if cfg.WeeklyBudget <= 0 {
		cfg.WeeklyBudget = 100.0
	}
	if cfg.WeeklyTarget <= 0 {
		cfg.WeeklyTarget = 1000.0
	}
	if cfg.CooldownThreshold <= 0 {
		cfg.CooldownThreshold = 3
	}
	if cfg.ReportPath == "" {
		cfg.ReportPath = filepath.Join("results", "weekly", "weekly_settlement_reports.jsonl")
	}
	return &Manager{
		weeklyBudget:      cfg.WeeklyBudget,
		weeklyTarget:      cfg.WeeklyTarget,
		cooldownThreshold: cfg.CooldownThreshold,
		reportPath:        cfg.ReportPath,
		log:               log.With().Str("component", "settlement").Logger(),
	}
}

// SettleWeek classifies one finished week. Checks run in fixed priority
// order: target first, budget second, forced close otherwise. The report
// joins the history before the cooldown check so the week being settled
// counts toward its own streak.
func (m *Manager) SettleWeek(weekID string, weeklyPnL float64) *domain.SettlementReport {
	reachedTarget := weeklyPnL >= m.weeklyTarget
	exhaustedBudget := weeklyPnL <= -m.weeklyBudget

	status := domain.SettlementWeekEndSettled
	if reachedTarget {
		status = domain.SettlementTargetHit
	} else if exhaustedBudget {
		status = domain.SettlementBudgetExhausted
	}

	report := &domain.SettlementReport{
		WeekID:          weekID,
		Status:          status,
		WeeklyPnL:       weeklyPnL,
		ReachedTarget:   reachedTarget,
		ExhaustedBudget: exhaustedBudget,
		ActionNextWeek:  "reset_budget_100",
	}
	m.history = append(m.history, report)

	if m.checkCooldown() {
		report.CooldownTriggered = true
		report.ActionNextWeek = "cooldown_dryrun"
	}

	m.log.Info().
		Str("week_id", weekID).
		Str("status", string(status)).
		Float64("weekly_pnl", weeklyPnL).
		Bool("cooldown", report.CooldownTriggered).
		Msg("Week settled")

	return report
}

// SaveReport appends one report to the JSONL settlement log.
func (m *Manager) SaveReport(report *domain.SettlementReport) error {
	if err := os.MkdirAll(filepath.Dir(m.reportPath), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	f, err := os.OpenFile(m.reportPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open report log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append report log: %w", err)
	}
	return nil
}

// LoadHistory replaces the in-memory history with the persisted log. A
// missing log file leaves the history untouched.
func (m *Manager) LoadHistory() error {
	f, err := os.Open(m.reportPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open report log: %w", err)
	}
	defer f.Close()

	var loaded []*domain.SettlementReport
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var report domain.SettlementReport
		if err := json.Unmarshal(line, &report); err != nil {
			return fmt.Errorf("parse report log: %w", err)
		}
		loaded = append(loaded, &report)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read report log: %w", err)
	}

	m.history = loaded
	m.log.Info().Int("records", len(loaded)).Str("path", m.reportPath).Msg("Settlement history loaded")
	return nil
}

// History returns a copy of the in-memory settlement records.
func (m *Manager) History() []*domain.SettlementReport {
	out := make([]*domain.SettlementReport, len(m.history))
	copy(out, m.history)
	return out
}

// checkCooldown reports whether the most recent N settled weeks all missed
// the target and all lost money. A single hit or a single non-negative
// week anywhere in the window resets the streak.
func (m *Manager) checkCooldown() bool {
	n := m.cooldownThreshold
	if len(m.history) < n {
		return false
	}
	for _, r := range m.history[len(m.history)-n:] {
		if r.Status == domain.SettlementTargetHit || r.WeeklyPnL >= 0 {
			return false
		}
	}
	return true
}
