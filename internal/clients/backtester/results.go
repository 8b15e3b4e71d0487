package backtester

import (
	"math"
	"sort"
	"time"

	"github.com/yifengQaq/lottery-agent/internal/domain"
)

// Weekly posture constants used by the trade-level aggregation.
const (
	weeklyTarget = 1000.0
)

// ExtractMetrics normalizes an engine result document into the flat metric
// record the evaluator consumes. Unknown or missing fields read as zero.
func ExtractMetrics(raw map[string]any) domain.MetricsRecord {
	metrics := domain.MetricsRecord{}

	strategies, ok := raw["strategy"].(map[string]any)
	if !ok || len(strategies) == 0 {
		metrics["error"] = "No strategy results found"
		return metrics
	}

	// Deterministic pick when the engine reports several strategies.
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	stratRaw, ok := strategies[names[0]].(map[string]any)
	if !ok {
		metrics["error"] = "No strategy results found"
		return metrics
	}
	strat := domain.MetricsRecord(stratRaw)

	metrics["total_profit_pct"] = strat.Num("profit_total") * 100
	metrics["total_profit_abs"] = strat.Num("profit_total_abs")

	// Newer engine versions report the account-relative drawdown ratio.
	ddRatio := strat.Num("max_drawdown_account")
	if !strat.Has("max_drawdown_account") {
		ddRatio = strat.Num("max_drawdown")
	}
	metrics["max_drawdown_pct"] = ddRatio * 100
	metrics["max_drawdown_abs"] = strat.Num("max_drawdown_abs")

	metrics["sharpe_ratio"] = strat.Num("sharpe")
	metrics["sortino_ratio"] = strat.Num("sortino")
	metrics["profit_factor"] = strat.Num("profit_factor")
	metrics["calmar_ratio"] = strat.Num("calmar")
	metrics["sqn"] = strat.Num("sqn")
	metrics["cagr"] = strat.Num("cagr")
	metrics["expectancy"] = strat.Num("expectancy")
	metrics["expectancy_ratio"] = strat.Num("expectancy_ratio")
	metrics["win_rate"] = winRate(raw, strat)
	metrics["total_trades"] = strat.Num("total_trades")
	metrics["trade_count_long"] = strat.Num("trade_count_long")
	metrics["trade_count_short"] = strat.Num("trade_count_short")
	metrics["avg_profit_per_trade_pct"] = strat.Num("profit_mean") * 100
	metrics["backtest_days"] = strat.Num("backtest_days")
	metrics["market_change"] = strat.Num("market_change")
	metrics["best_pair"] = strat.Str("best_pair")
	metrics["worst_pair"] = strat.Str("worst_pair")

	trades, _ := stratRaw["trades"].([]any)
	metrics["total_trades_count"] = float64(len(trades))

	if len(trades) == 0 {
		metrics["stake_limit_hit_count"] = 0.0
		metrics["weekly_target_hit_rate"] = 0.0
		metrics["avg_trade_duration_hours"] = 0.0
		return metrics
	}

	stakeHits := 0
	var durations []float64
	for _, t := range trades {
		trade, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if hit, _ := trade["stake_amount_error"].(bool); hit {
			stakeHits++
		}
		if d := domain.MetricsRecord(trade).Num("trade_duration"); d > 0 {
			durations = append(durations, d)
		}
	}
	metrics["stake_limit_hit_count"] = float64(stakeHits)

	if len(durations) > 0 {
		sum := 0.0
		for _, d := range durations {
			sum += d
		}
		// trade_duration is reported in minutes.
		metrics["avg_trade_duration_hours"] = sum / float64(len(durations)) / 60
	} else {
		metrics["avg_trade_duration_hours"] = 0.0
	}

	for k, v := range weeklyMetrics(trades) {
		metrics[k] = v
	}
	return metrics
}

// winRate prefers the comparison table's winrate, then the strategy
// block's winrate, then the legacy win_rate key.
func winRate(raw map[string]any, strat domain.MetricsRecord) float64 {
	if comparison, ok := raw["strategy_comparison"].([]any); ok && len(comparison) > 0 {
		if first, ok := comparison[0].(map[string]any); ok {
			if _, present := first["winrate"]; present {
				return domain.MetricsRecord(first).Num("winrate")
			}
		}
	}
	if strat.Has("winrate") {
		return strat.Num("winrate")
	}
	return strat.Num("win_rate")
}

type isoWeek struct {
	year int
	week int
}

// weeklyMetrics groups closed trades by ISO week and derives the
// weekly-lottery posture metrics: target hit rate, monthly aggregates, and
// the PnL of the most recent week for settlement.
func weeklyMetrics(trades []any) domain.MetricsRecord {
	weeklyPnL := map[isoWeek]float64{}

	for _, t := range trades {
		trade, ok := t.(map[string]any)
		if !ok {
			continue
		}
		closeDate, ok := parseCloseDate(domain.MetricsRecord(trade).Str("close_date"))
		if !ok {
			continue
		}
		year, week := closeDate.ISOWeek()
		weeklyPnL[isoWeek{year, week}] += domain.MetricsRecord(trade).Num("profit_abs")
	}

	if len(weeklyPnL) == 0 {
		return domain.MetricsRecord{
			"weekly_target_hit_rate": 0.0,
			"total_weeks":            0.0,
			"target_hit_weeks":       0.0,
			"monthly_net_profit_avg": 0.0,
			"max_monthly_loss":       0.0,
			"latest_week_pnl":        0.0,
		}
	}

	totalWeeks := len(weeklyPnL)
	hitWeeks := 0
	latest := isoWeek{}
	for wk, pnl := range weeklyPnL {
		if pnl >= weeklyTarget {
			hitWeeks++
		}
		if wk.year > latest.year || (wk.year == latest.year && wk.week > latest.week) {
			latest = wk
		}
	}

	// Rough monthly buckets of four ISO weeks each.
	monthlyPnL := map[isoWeek]float64{}
	for wk, pnl := range weeklyPnL {
		monthlyPnL[isoWeek{wk.year, (wk.week-1)/4 + 1}] += pnl
	}
	monthlySum := 0.0
	monthlyMin := math.Inf(1)
	for _, pnl := range monthlyPnL {
		monthlySum += pnl
		if pnl < monthlyMin {
			monthlyMin = pnl
		}
	}
	monthlyAvg := monthlySum / float64(len(monthlyPnL))
	// Absolute value of the worst monthly bucket, even when every month
	// closed positive.
	maxMonthlyLoss := math.Abs(monthlyMin)

	return domain.MetricsRecord{
		"weekly_target_hit_rate": round4(float64(hitWeeks) / float64(totalWeeks)),
		"total_weeks":            float64(totalWeeks),
		"target_hit_weeks":       float64(hitWeeks),
		"monthly_net_profit_avg": round2(monthlyAvg),
		"max_monthly_loss":       round2(maxMonthlyLoss),
		"latest_week_pnl":        round2(weeklyPnL[latest]),
	}
}

func parseCloseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
