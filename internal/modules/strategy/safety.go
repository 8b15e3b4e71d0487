package strategy

import (
	"fmt"
	"go/parser"
	"go/token"
	"regexp"
	"strconv"
	"strings"
)

// Risk bounds enforced on every candidate patch. The budget controller
// integration is the non-negotiable core of the weekly-lottery posture, so
// its hooks must survive every LLM rewrite.
const (
	// MaxLeverage is the hard cap; anything above is rejected outright.
	MaxLeverage = 20
	// LeverageWarnAbove produces a warning without rejecting; the posture
	// recommends 3-10x.
	LeverageWarnAbove = 10
	// MinStopLoss is the widest tolerated stop; -0.99 would let a single
	// trade erase the weekly budget.
	MinStopLoss = -0.98
)

// RequiredSymbols must remain present in the strategy source. Removing any
// of them severs the budget-controller integration.
var RequiredSymbols = []string{
	"WeeklyBudgetController",
	"CanOpenTrade",
	"ConfirmTradeEntry",
}

var (
	leverageRe = regexp.MustCompile(`(?i)leverage\s*[=:]\s*(\d+)`)
	stopLossRe = regexp.MustCompile(`(?i)stop_?loss\s*[=:]\s*(-?[0-9.]+)`)

	// Heuristic detection only: compounding across weeks is forbidden by the
	// posture, but these patterns can appear in comments, so they warn
	// instead of rejecting.
	compoundingRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)compound`),
		regexp.MustCompile(`(?i)reinvest`),
		regexp.MustCompile(`(?i)stake_?amount\s*[=:].*balance`),
	}
)

// SafetyRule is one named predicate over candidate strategy source. Rules
// run in order; errors reject the patch, warnings do not.
type SafetyRule struct {
	Name  string
	Check func(code string) (errs []string, warns []string)
}

// DefaultSafetyRules returns the ordered rule set: required symbols,
// leverage bound, stop-loss bound, compounding heuristics.
func DefaultSafetyRules() []SafetyRule {
	return []SafetyRule{
		{Name: "required-symbols", Check: checkRequiredSymbols},
		{Name: "leverage-bound", Check: checkLeverage},
		{Name: "stoploss-bound", Check: checkStopLoss},
		{Name: "compounding-heuristic", Check: checkCompounding},
	}
}

// ValidateSyntax parses the candidate as a Go source file. Used both by the
// modifier (before any write) and by the recovery loop (before re-applying
// an LLM fix).
func ValidateSyntax(code string) error {
	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, "strategy.go", code, parser.AllErrors)
	return err
}

func checkRequiredSymbols(code string) ([]string, []string) {
	var errs []string
	for _, sym := range RequiredSymbols {
		if !strings.Contains(code, sym) {
			errs = append(errs, fmt.Sprintf(
				"required symbol missing: %s, budget controller integration must be preserved", sym,
			))
		}
	}
	return errs, nil
}

func checkLeverage(code string) ([]string, []string) {
	var errs, warns []string
	for _, match := range leverageRe.FindAllStringSubmatch(code, -1) {
		lev, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if lev > MaxLeverage {
			errs = append(errs, fmt.Sprintf("leverage %dx exceeds maximum %dx", lev, MaxLeverage))
		} else if lev > LeverageWarnAbove {
			warns = append(warns, fmt.Sprintf(
				"leverage %dx is within the allowed range but above %dx; 3-10x is recommended",
				lev, LeverageWarnAbove,
			))
		}
	}
	return errs, warns
}

func checkStopLoss(code string) ([]string, []string) {
	var errs []string
	for _, match := range stopLossRe.FindAllStringSubmatch(code, -1) {
		sl, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			continue
		}
		if sl < MinStopLoss {
			errs = append(errs, fmt.Sprintf("stoploss %g is wider than minimum %g", sl, MinStopLoss))
		}
	}
	return errs, nil
}

func checkCompounding(code string) ([]string, []string) {
	var warns []string
	for _, re := range compoundingRes {
		if re.MatchString(code) {
			warns = append(warns, fmt.Sprintf(
				"possible compounding pattern detected: %s, the weekly posture is non-compounding",
				re.String(),
			))
		}
	}
	return nil, warns
}
