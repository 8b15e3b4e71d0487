package settlement

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// BudgetController models the intra-week rolling-compound posture: start
// the week with a fixed budget, stake the full balance on every trade, and
// stop on target, on a wiped balance, or at the forced Sunday close.
// Compounding stays inside the week; the controller resets every cycle.
type BudgetController struct {
	weeklyBudget    float64
	weeklyTarget    float64
	minBalanceRatio float64

	cycleStartBalance float64
	currentBalance    float64
	cyclePnL          float64
	tradeCount        int
	active            bool

	now func() time.Time

	log zerolog.Logger
}

// BudgetConfig holds the controller's construction options.
type BudgetConfig struct {
	WeeklyBudget    float64
	WeeklyTarget    float64
	MinBalanceRatio float64 // balance below this fraction of the start counts as wiped

	// Now overrides the clock used for the forced-close check. Nil means
	// time.Now in UTC.
	Now func() time.Time
}

// NewBudgetController creates a controller with the weekly-lottery
// defaults: 100 budget, 1000 target, 5% wipe threshold.
func NewBudgetController(cfg BudgetConfig, log zerolog.Logger) *BudgetController {
	if cfg.WeeklyBudget <= 0 {
		cfg.WeeklyBudget = 100.0
	}
	if cfg.WeeklyTarget <= 0 {
		cfg.WeeklyTarget = 1000.0
	}
	if cfg.MinBalanceRatio <= 0 {
		cfg.MinBalanceRatio = 0.05
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &BudgetController{
		weeklyBudget:    cfg.WeeklyBudget,
		weeklyTarget:    cfg.WeeklyTarget,
		minBalanceRatio: cfg.MinBalanceRatio,
		active:          true,
		now:             cfg.Now,
		log:             log.With().Str("component", "budget-controller").Logger(),
	}
}

// OnCycleStart resets the controller at the top of a new week. The given
// balance becomes this week's principal.
func (c *BudgetController) OnCycleStart(balance float64) {
	c.cycleStartBalance = balance
	c.currentBalance = balance
	c.cyclePnL = 0
	c.tradeCount = 0
	c.active = true
	c.log.Info().Float64("start_balance", balance).Msg("New weekly cycle started")
}

// UpdateBalance records the balance after a closed trade.
func (c *BudgetController) UpdateBalance(balance float64) {
	c.currentBalance = balance
	c.cyclePnL = balance - c.cycleStartBalance
	c.tradeCount++
	c.log.Info().
		Int("trade", c.tradeCount).
		Float64("balance", balance).
		Float64("cycle_pnl", c.cyclePnL).
		Msg("Balance updated")
}

// StakeAmount returns the stake for the next trade: the entire current
// balance. The rolling-compound path only works all-in.
func (c *BudgetController) StakeAmount() float64 {
	return c.currentBalance
}

// ShouldStop evaluates the three stop conditions against the given balance
// and returns a reason string when the week is over.
func (c *BudgetController) ShouldStop(balance float64) (bool, string) {
	c.currentBalance = balance
	c.cyclePnL = balance - c.cycleStartBalance

	if balance >= c.weeklyTarget {
		c.active = false
		return true, fmt.Sprintf(
			"TARGET_HIT: balance %.2f >= target %.2f after %d compounded trades",
			balance, c.weeklyTarget, c.tradeCount,
		)
	}

	minThreshold := c.cycleStartBalance * c.minBalanceRatio
	if balance <= minThreshold {
		c.active = false
		return true, fmt.Sprintf(
			"BUDGET_EXHAUSTED: balance %.2f <= threshold %.2f",
			balance, minThreshold,
		)
	}

	now := c.now()
	if now.Weekday() == time.Sunday && now.Hour() >= 23 {
		c.active = false
		return true, fmt.Sprintf(
			"WEEK_END_FORCE_CLOSE: balance %.2f, cycle pnl %+.2f",
			balance, c.cyclePnL,
		)
	}

	return false, "ACTIVE"
}

// CanOpenTrade reports whether the week is still live. The strategy calls
// this from its trade-entry confirmation hook.
func (c *BudgetController) CanOpenTrade() bool {
	return c.active
}

// Progress reports current balance relative to the weekly target.
func (c *BudgetController) Progress() float64 {
	if c.weeklyTarget <= 0 {
		return 0
	}
	return c.currentBalance / c.weeklyTarget
}

// CyclePnL returns the running profit of the current week.
func (c *BudgetController) CyclePnL() float64 {
	return c.cyclePnL
}

// TradeCount returns the number of closed trades this week.
func (c *BudgetController) TradeCount() int {
	return c.tradeCount
}
