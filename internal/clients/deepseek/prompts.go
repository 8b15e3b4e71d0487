package deepseek

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yifengQaq/lottery-agent/internal/domain"
)

// prettyJSON renders v for inclusion in a prompt. Encoding failures yield
// an empty object rather than aborting the round.
func prettyJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// buildIterationPrompt renders the per-round user message. Only the last
// three rounds of change history are included to keep the context small.
func buildIterationPrompt(req domain.StrategyPatchRequest) string {
	var changes strings.Builder
	prev := req.PreviousChanges
	if len(prev) > 3 {
		prev = prev[len(prev)-3:]
	}
	for _, c := range prev {
		fmt.Fprintf(&changes, "  Round %d: %s -> Score: %.2f\n", c.Round, c.ChangesMade, c.Score)
	}
	changesSummary := changes.String()
	if changesSummary == "" {
		changesSummary = "This is the first round; no history yet."
	}

	return fmt.Sprintf(`## Current Iteration Round: %d

## Current Strategy Code
`+"```go\n%s\n```"+`

## Latest Backtest Results
`+"```json\n%s\n```"+`

## Change History
%s

## Your Task (in order)
### Step 1: Logic diagnosis
- Check the entry conditions for contradictory indicator combinations (e.g. close above the upper band while RSI is oversold)
- If a contradiction exists, fix the logic this round instead of tuning parameters
- Zero trades last round almost always means the logic or conditions are too strict

### Step 2: Pick the dimension to change
Consult the change history and do not modify the same parameter family two rounds in a row.
Priority: logic-contradiction fix > entry rework > exit tuning > leverage/parameter nudges

### Step 3: Make 1-2 concrete changes
- Change at most 2 dimensions per round
- Tag the dimension in changes_made, e.g. "[entry logic]" or "[exit params]"

Hard constraints:
- timeframe must stay "15m" or "1h", never anything else
- stake_amount must stay "unlimited"
- code_patch must be a complete, compilable .go strategy file

Return raw JSON (no markdown fence) shaped as:
{
    "round": %d,
    "changes_made": "[dimension] short description",
    "rationale": "reasoning grounded in the data and the logic diagnosis",
    "code_patch": "complete updated strategy code",
    "config_patch": {},
    "next_action": "plan for the next round"
}
`, req.Round, req.CurrentCode, prettyJSON(req.BacktestResults), changesSummary, req.Round)
}

// buildTargetedPrompt renders the gap-driven adjustment request.
func buildTargetedPrompt(req domain.TargetedAdjustmentRequest) string {
	return fmt.Sprintf(`## Multi-Window Comparison Matrix
`+"```json\n%s\n```"+`

## Target Gap Vector
`+"```json\n%s\n```"+`

## Current Strategy Code
`+"```go\n%s\n```"+`

Based on the comparison matrix and the target gap, suggest parameter adjustments that close the gap. Return JSON with keys: "changes_made", "rationale", "code_patch", "config_patch", "next_action".
`, prettyJSON(req.Matrix), prettyJSON(req.Gap), req.CurrentCode)
}

// buildFactorPrompt renders the factor-candidate request.
func buildFactorPrompt(req domain.FactorCandidateRequest) string {
	return fmt.Sprintf(`## Current Strategy Code
`+"```go\n%s\n```"+`

## Current Metrics
`+"```json\n%s\n```"+`

Generate exactly %d candidate factor improvements.
Return a JSON array where each element has:
  "candidate_id", "factor_family" (volatility/trend/momentum/filter),
  "params" (object), "description" (string).
`, req.CurrentCode, prettyJSON(req.Metrics), req.NumCandidates)
}
