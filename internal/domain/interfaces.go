package domain

import "context"

// BacktestRunner executes the external backtest engine once and normalizes
// every failure mode (non-zero exit, missing result artifact, timeout) into
// BacktestResult.Success == false with a populated Error string. It never
// returns a Go error and never panics.
type BacktestRunner interface {
	Run(ctx context.Context, opts BacktestOptions) *BacktestResult
}

// BacktestOptions selects the timerange and configuration for one run. Zero
// values fall back to the runner's construction-time defaults.
type BacktestOptions struct {
	Timerange      string
	ConfigOverride string
}

// StrategyPatchRequest is the context sent to the LLM for a regular
// iteration round.
type StrategyPatchRequest struct {
	SystemPrompt    string
	CurrentCode     string
	BacktestResults MetricsRecord
	Round           int
	PreviousChanges []ChangeSummary
}

// TargetedAdjustmentRequest is the context for a gap-driven iteration round:
// the comparison matrix and gap vector steer the LLM toward closing the
// distance to the target profile.
type TargetedAdjustmentRequest struct {
	SystemPrompt string
	CurrentCode  string
	Matrix       *ComparisonMatrix
	Gap          *TargetGapVector
}

// FactorCandidateRequest asks the LLM for a batch of factor experiments.
type FactorCandidateRequest struct {
	SystemPrompt  string
	CurrentCode   string
	Metrics       MetricsRecord
	NumCandidates int
}

// PatchGenerator is the code-generation service boundary. Implementations
// own their timeout and retry-with-backoff policy; a response missing a
// required field surfaces as an error.
type PatchGenerator interface {
	GenerateStrategyPatch(ctx context.Context, req StrategyPatchRequest) (*StrategyPatch, error)
	GenerateTargetedAdjustment(ctx context.Context, req TargetedAdjustmentRequest) (*StrategyPatch, error)
	GenerateFixPatch(ctx context.Context, systemPrompt, fixPrompt string) (*FixPatch, error)
	GenerateFactorCandidates(ctx context.Context, req FactorCandidateRequest) ([]FactorCandidate, error)
}

// StrategyStore owns the single mutable strategy artifact on disk plus its
// backup history. It is the only writer of the artifact and guarantees a
// write-ahead backup before every overwrite.
type StrategyStore interface {
	CurrentCode() (string, error)
	ApplyPatch(code string, round int, description string) *PatchResult
	ApplyConfigPatch(configPath string, changes map[string]any, round int) error
	Rollback(round int) error
	ListVersions() ([]Version, error)
}
