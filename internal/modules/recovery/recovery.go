// Package recovery diagnoses backtest failures and drives the bounded
// LLM repair loop: classify the error, ask for a fix, validate it, apply
// it, and re-run the backtest until it passes or attempts run out.
package recovery

import (
	"context"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/yifengQaq/lottery-agent/internal/domain"
	"github.com/yifengQaq/lottery-agent/internal/modules/strategy"
)

// ErrorClass buckets a backtest failure for prompt construction.
type ErrorClass string

const (
	ErrClassSyntax  ErrorClass = "syntax"
	ErrClassRuntime ErrorClass = "runtime"
	ErrClassConfig  ErrorClass = "config"
	ErrClassData    ErrorClass = "data"
	ErrClassUnknown ErrorClass = "unknown"
)

const fixSystemPrompt = "You are a Go debugging expert."

// Classification patterns, checked in precedence order. Syntax indicators
// win over runtime, runtime over config, config over data.
var (
	syntaxRe  = regexp.MustCompile(`(?i)syntax error|expected .+, found`)
	runtimeRe = regexp.MustCompile(`(?i)panic|nil pointer|index out of range|runtime error`)
	configRe  = regexp.MustCompile(`(?i)config|json|settings`)
	dataRe    = regexp.MustCompile(`(?i)\bdata\b|download|pairs|timerange`)
)

// Manager runs repair episodes against a failing strategy artifact.
type Manager struct {
	generator  domain.PatchGenerator
	store      domain.StrategyStore
	runner     domain.BacktestRunner
	maxRetries int

	log zerolog.Logger
}

// Config holds the manager's construction options.
type Config struct {
	MaxRetries int // attempts per repair episode; 0 means 3
}

// New creates a recovery manager.
func New(generator domain.PatchGenerator, store domain.StrategyStore, runner domain.BacktestRunner, cfg Config, log zerolog.Logger) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Manager{
		generator:  generator,
		store:      store,
		runner:     runner,
		maxRetries: cfg.MaxRetries,
		log:        log.With().Str("component", "recovery").Logger(),
	}
}

// ClassifyError buckets an error log by pattern precedence.
func (m *Manager) ClassifyError(errorLog string) ErrorClass {
	switch {
	case syntaxRe.MatchString(errorLog):
		return ErrClassSyntax
	case runtimeRe.MatchString(errorLog):
		return ErrClassRuntime
	case configRe.MatchString(errorLog):
		return ErrClassConfig
	case dataRe.MatchString(errorLog):
		return ErrClassData
	default:
		return ErrClassUnknown
	}
}

// BuildFixPrompt renders the structured repair request sent to the LLM.
func (m *Manager) BuildFixPrompt(class ErrorClass, traceback, codeSnippet, changesSummary string) string {
	return fmt.Sprintf(
		"## Error Type\n%s\n\n"+
			"## Traceback\n```\n%s\n```\n\n"+
			"## Current Code Snippet\n```go\n%s\n```\n\n"+
			"## Recent Changes\n%s\n\n"+
			"## Task\n"+
			"Fix the error above and return the complete corrected strategy code.\n"+
			`Return JSON: {"code_patch": "<full corrected code>", "fix_summary": "<what you fixed>"}`,
		class, traceback, codeSnippet, changesSummary,
	)
}

// AttemptFix runs one bounded repair episode. Each attempt asks the LLM for
// a corrected artifact, validates it locally, applies it through the store
// and re-runs the backtest. The episode ends on the first passing backtest
// or after maxRetries attempts.
func (m *Manager) AttemptFix(ctx context.Context, errorLog, currentCode string, round int, timerange string) *domain.FixOutcome {
	class := m.ClassifyError(errorLog)
	lastError := errorLog

	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		m.log.Info().
			Int("attempt", attempt).
			Int("max_retries", m.maxRetries).
			Str("error_type", string(class)).
			Msg("Repair attempt")

		fixPrompt := m.BuildFixPrompt(
			class, lastError, currentCode,
			fmt.Sprintf("Round %d, repair attempt %d", round, attempt),
		)

		fix, err := m.generator.GenerateFixPatch(ctx, fixSystemPrompt, fixPrompt)
		if err != nil {
			m.log.Error().Err(err).Int("attempt", attempt).Msg("LLM fix call failed")
			continue
		}
		if fix.CodePatch == "" {
			m.log.Warn().Int("attempt", attempt).Msg("LLM returned empty code_patch")
			continue
		}

		if err := strategy.ValidateSyntax(fix.CodePatch); err != nil {
			m.log.Warn().Err(err).Int("attempt", attempt).Msg("Fix still has syntax errors")
			lastError = err.Error()
			currentCode = fix.CodePatch
			continue
		}

		patchResult := m.store.ApplyPatch(
			fix.CodePatch, round,
			fmt.Sprintf("auto-repair attempt %d: %s", attempt, fix.FixSummary),
		)
		if !patchResult.Success {
			m.log.Warn().
				Int("attempt", attempt).
				Strs("errors", patchResult.Errors).
				Msg("Repair patch rejected")
			continue
		}

		btResult := m.runner.Run(ctx, domain.BacktestOptions{Timerange: timerange})
		if btResult.Success {
			m.log.Info().Int("attempt", attempt).Msg("Repair succeeded")
			return &domain.FixOutcome{
				Success:    true,
				Attempts:   attempt,
				ErrorType:  string(class),
				FixSummary: fix.FixSummary,
				Metrics:    btResult.Metrics,
			}
		}

		lastError = btResult.Error
		if lastError == "" {
			lastError = "unknown error"
		}
		currentCode = fix.CodePatch
	}

	m.log.Warn().
		Err(domain.ErrRepairExhausted).
		Int("max_retries", m.maxRetries).
		Msg("Repair exhausted")
	return &domain.FixOutcome{
		Success:    false,
		Attempts:   m.maxRetries,
		ErrorType:  string(class),
		FixSummary: "exhausted",
		Metrics:    domain.MetricsRecord{},
	}
}

// RollbackOnExhausted quarantines a round whose repair episode failed by
// restoring the previous round's artifact. Round 1 has nothing to fall
// back to and reports rollback_failed.
func (m *Manager) RollbackOnExhausted(round int) *domain.RollbackOutcome {
	target := round - 1
	if target < 1 {
		m.log.Warn().
			Err(domain.ErrRollbackFailed).
			Int("round", round).
			Msg("Cannot roll back, no prior round exists")
		return &domain.RollbackOutcome{
			RolledBack:    false,
			RollbackRound: 0,
			Status:        "rollback_failed",
		}
	}

	if err := m.store.Rollback(target); err != nil {
		m.log.Error().Err(err).Int("rollback_round", target).Msg("Rollback failed")
		return &domain.RollbackOutcome{
			RolledBack:    false,
			RollbackRound: target,
			Status:        "rollback_failed",
		}
	}

	m.log.Info().Int("rollback_round", target).Msg("Rolled back, round quarantined")
	return &domain.RollbackOutcome{
		RolledBack:    true,
		RollbackRound: target,
		Status:        "quarantined",
	}
}
