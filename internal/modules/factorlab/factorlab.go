// Package factorlab proposes, deduplicates, and tracks candidate factor
// experiments. Candidates come from the LLM, get backtested individually,
// and are promoted or quarantined against the baseline score.
package factorlab

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/yifengQaq/lottery-agent/internal/domain"
)

const candidateSystemPrompt = "You are a quantitative strategy researcher."

// Candidate status values.
const (
	StatusActive      = "active"
	StatusPromoted    = "promoted"
	StatusQuarantined = "quarantined"
)

// Evaluator scores a candidate's backtest metrics. A nil evaluator falls
// back to reading a score key straight off the metrics.
type Evaluator interface {
	Evaluate(m domain.MetricsRecord) *domain.EvalResult
}

// experimentRecord is one line of the JSONL experiment log.
type experimentRecord struct {
	Timestamp    time.Time            `json:"timestamp"`
	CandidateID  string               `json:"candidate_id"`
	FactorFamily string               `json:"factor_family"`
	Params       map[string]any       `json:"params"`
	Status       string               `json:"status"`
	Score        float64              `json:"score"`
	Metrics      domain.MetricsRecord `json:"metrics"`
}

// Lab generates and tracks factor candidates.
type Lab struct {
	generator  domain.PatchGenerator
	logPath    string
	candidates []domain.FactorCandidate

	log zerolog.Logger
}

// New creates a factor lab. An empty logPath defaults to
// results/experiments/factor_trials.jsonl.
func New(generator domain.PatchGenerator, logPath string, log zerolog.Logger) *Lab {
	if logPath == "" {
		logPath = filepath.Join("results", "experiments", "factor_trials.jsonl")
	}
	return &Lab{
		generator: generator,
		logPath:   logPath,
		log:       log.With().Str("component", "factor-lab").Logger(),
	}
}

// GenerateCandidates asks the LLM for factor proposals, normalizes them,
// and keeps the first occurrence of each (family, params) combination.
func (l *Lab) GenerateCandidates(ctx context.Context, currentCode string, metrics domain.MetricsRecord, numCandidates int) ([]domain.FactorCandidate, error) {
	raw, err := l.generator.GenerateFactorCandidates(ctx, domain.FactorCandidateRequest{
		SystemPrompt:  candidateSystemPrompt,
		CurrentCode:   currentCode,
		Metrics:       metrics,
		NumCandidates: numCandidates,
	})
	if err != nil {
		return nil, fmt.Errorf("generate factor candidates: %w", err)
	}

	normalized := make([]domain.FactorCandidate, 0, len(raw))
	for i, c := range raw {
		if c.CandidateID == "" {
			c.CandidateID = fmt.Sprintf("fc_%03d", i+1)
		}
		if c.FactorFamily == "" {
			c.FactorFamily = "unknown"
		}
		if c.Params == nil {
			c.Params = map[string]any{}
		}
		c.Status = StatusActive
		normalized = append(normalized, c)
	}

	deduped := l.Deduplicate(normalized)
	l.candidates = append(l.candidates, deduped...)

	l.log.Info().
		Int("proposed", len(raw)).
		Int("kept", len(deduped)).
		Msg("Factor candidates generated")
	return deduped, nil
}

// EvaluateCandidate promotes a candidate whose backtest passes the gates
// with a score at or above the baseline, and quarantines it otherwise.
func (l *Lab) EvaluateCandidate(candidate *domain.FactorCandidate, metrics domain.MetricsRecord, baselineScore float64, evaluator Evaluator) *domain.FactorCandidate {
	passed := true
	score := metrics.Num("score")
	if evaluator != nil {
		result := evaluator.Evaluate(metrics)
		passed = result.Passed
		score = result.Score
	}

	if passed && score >= baselineScore {
		candidate.Status = StatusPromoted
	} else {
		candidate.Status = StatusQuarantined
	}

	for i := range l.candidates {
		if l.candidates[i].CandidateID == candidate.CandidateID {
			l.candidates[i].Status = candidate.Status
			break
		}
	}

	l.log.Info().
		Str("candidate_id", candidate.CandidateID).
		Float64("score", score).
		Str("status", candidate.Status).
		Msg("Candidate evaluated")
	return candidate
}

// LogExperiment appends one trial record to the JSONL experiment log.
func (l *Lab) LogExperiment(candidate *domain.FactorCandidate, metrics domain.MetricsRecord, score float64) error {
	if err := os.MkdirAll(filepath.Dir(l.logPath), 0o755); err != nil {
		return fmt.Errorf("create experiment log dir: %w", err)
	}

	f, err := os.OpenFile(l.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open experiment log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(experimentRecord{
		Timestamp:    time.Now().UTC(),
		CandidateID:  candidate.CandidateID,
		FactorFamily: candidate.FactorFamily,
		Params:       candidate.Params,
		Status:       candidate.Status,
		Score:        score,
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("encode experiment: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append experiment log: %w", err)
	}
	return nil
}

// ActiveCandidates returns the candidates still awaiting evaluation.
func (l *Lab) ActiveCandidates() []domain.FactorCandidate {
	var active []domain.FactorCandidate
	for _, c := range l.candidates {
		if c.Status == StatusActive {
			active = append(active, c)
		}
	}
	return active
}

// Deduplicate keeps the first occurrence of each (factor_family, params)
// combination.
func (l *Lab) Deduplicate(candidates []domain.FactorCandidate) []domain.FactorCandidate {
	seen := make(map[string]bool, len(candidates))
	var result []domain.FactorCandidate
	for _, c := range candidates {
		key := dedupKey(c)
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, c)
	}
	return result
}

// dedupKey hashes the family plus the canonical JSON encoding of the
// params. encoding/json sorts map keys, so equal params hash equal.
func dedupKey(c domain.FactorCandidate) string {
	params, err := json.Marshal(c.Params)
	if err != nil {
		params = []byte("{}")
	}
	sum := sha256.Sum256([]byte(c.FactorFamily + ":" + string(params)))
	return hex.EncodeToString(sum[:])
}
