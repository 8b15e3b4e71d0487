// Package comparison runs the same strategy across multiple market-regime
// windows, scores cross-window consistency, and measures how far dry-run
// actuals drift from backtest projections.
package comparison

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/yifengQaq/lottery-agent/internal/domain"
)

const (
	matrixFilename  = "comparison_matrix.json"
	historyFilename = "comparison_history.jsonl"
)

// MultiWindowResult holds per-window metrics plus the consistency score
// derived from them.
type MultiWindowResult struct {
	MetricsByWindow map[string]domain.MetricsRecord `json:"metrics_by_window"`
	RobustnessScore float64                         `json:"robustness_score"`
}

// Comparator drives multi-window backtests and dry-run deviation analysis.
type Comparator struct {
	runner    domain.BacktestRunner
	outputDir string

	log zerolog.Logger
}

// New creates a comparator writing snapshots under outputDir. An empty
// outputDir defaults to results/comparisons.
func New(runner domain.BacktestRunner, outputDir string, log zerolog.Logger) *Comparator {
	if outputDir == "" {
		outputDir = filepath.Join("results", "comparisons")
	}
	return &Comparator{
		runner:    runner,
		outputDir: outputDir,
		log:       log.With().Str("component", "comparator").Logger(),
	}
}

// RunMultiWindow backtests the current strategy once per window. Windows
// run in sorted label order; a failing window contributes an empty metrics
// record for its label and does not abort the others.
func (c *Comparator) RunMultiWindow(ctx context.Context, windows map[string]string) *MultiWindowResult {
	if len(windows) == 0 {
		return &MultiWindowResult{MetricsByWindow: map[string]domain.MetricsRecord{}}
	}

	labels := make([]string, 0, len(windows))
	for label := range windows {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	metricsByWindow := make(map[string]domain.MetricsRecord, len(windows))
	for _, label := range labels {
		timerange := windows[label]
		c.log.Info().Str("window", label).Str("timerange", timerange).Msg("Running window backtest")

		result := c.runner.Run(ctx, domain.BacktestOptions{Timerange: timerange})
		if result.Success {
			metricsByWindow[label] = result.Metrics
		} else {
			c.log.Warn().Str("window", label).Str("error", result.Error).Msg("Window backtest failed")
			metricsByWindow[label] = domain.MetricsRecord{}
		}
	}

	return &MultiWindowResult{
		MetricsByWindow: metricsByWindow,
		RobustnessScore: calcRobustness(metricsByWindow),
	}
}

// ComputeDryRunDeviation measures the percent drift of dry-run actuals from
// backtest projections on entry price, signal count and PnL. A zero
// backtest value yields 0 when the live value is also zero, else 100.
func (c *Comparator) ComputeDryRunDeviation(backtest, dryrun domain.MetricsRecord) domain.DryRunDeviation {
	return domain.DryRunDeviation{
		PriceSlippagePct: round4(pctDiff(backtest.Num("avg_entry_price"), dryrun.Num("avg_entry_price"))),
		SignalGapPct:     round4(pctDiff(backtest.Num("total_trades"), dryrun.Num("total_trades"))),
		PnLGapPct:        round4(pctDiff(backtest.Num("monthly_net_profit_avg"), dryrun.Num("monthly_net_profit_avg"))),
	}
}

// BuildMatrix assembles the per-round comparison snapshot. A nil deviation
// leaves the dry-run fields at zero.
func (c *Comparator) BuildMatrix(round int, candidateID string, mw *MultiWindowResult, dev *domain.DryRunDeviation) *domain.ComparisonMatrix {
	matrix := &domain.ComparisonMatrix{
		Round:           round,
		CandidateID:     candidateID,
		Windows:         []string{},
		MetricsByWindow: map[string]domain.MetricsRecord{},
	}
	if mw != nil {
		for label := range mw.MetricsByWindow {
			matrix.Windows = append(matrix.Windows, label)
		}
		sort.Strings(matrix.Windows)
		matrix.MetricsByWindow = mw.MetricsByWindow
		matrix.RobustnessScore = mw.RobustnessScore
	}
	if dev != nil {
		matrix.DryRunPriceSlippage = dev.PriceSlippagePct
		matrix.DryRunSignalGap = dev.SignalGapPct
		matrix.DryRunPnLGap = dev.PnLGapPct
	}
	return matrix
}

// SaveMatrix persists the latest snapshot, replacing any previous one, and
// appends the matrix to the comparison history log.
func (c *Comparator) SaveMatrix(matrix *domain.ComparisonMatrix) error {
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return fmt.Errorf("create comparison dir: %w", err)
	}

	data, err := json.MarshalIndent(matrix, "", "  ")
	if err != nil {
		return fmt.Errorf("encode comparison matrix: %w", err)
	}

	path := filepath.Join(c.outputDir, matrixFilename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write comparison matrix: %w", err)
	}

	if err := c.appendHistory(matrix); err != nil {
		return err
	}

	c.log.Info().Str("path", path).Int("round", matrix.Round).Msg("Comparison matrix saved")
	return nil
}

func (c *Comparator) appendHistory(matrix *domain.ComparisonMatrix) error {
	line, err := json.Marshal(matrix)
	if err != nil {
		return fmt.Errorf("encode comparison history line: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(c.outputDir, historyFilename),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open comparison history: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append comparison history: %w", err)
	}
	return nil
}

// MatrixPath returns where the latest snapshot is written.
func (c *Comparator) MatrixPath() string {
	return filepath.Join(c.outputDir, matrixFilename)
}

// calcRobustness scores cross-window consistency from the coefficient of
// variation of a proxy score: robustness = max(0, 100 - CV*100), rounded to
// two decimals. Fewer than two usable windows, or a zero mean, yields 0.
func calcRobustness(metricsByWindow map[string]domain.MetricsRecord) float64 {
	var scores []float64
	for _, m := range metricsByWindow {
		if len(m) == 0 {
			continue
		}
		score := m.Num("score")
		if !m.Has("score") {
			score = m.Num("monthly_net_profit_avg")
		}
		scores = append(scores, score)
	}

	if len(scores) < 2 {
		return 0
	}

	mean := stat.Mean(scores, nil)
	if mean == 0 {
		return 0
	}

	cv := stat.StdDev(scores, nil) / math.Abs(mean)
	return math.Round(math.Max(0, 100-cv*100)*100) / 100
}

func pctDiff(bt, live float64) float64 {
	if bt == 0 {
		if live == 0 {
			return 0
		}
		return 100
	}
	return math.Abs(bt-live) / math.Abs(bt) * 100
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
