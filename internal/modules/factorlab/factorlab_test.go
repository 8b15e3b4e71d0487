package factorlab

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yifengQaq/lottery-agent/internal/domain"
)

type fakeGenerator struct {
	candidates []domain.FactorCandidate
	err        error
	lastReq    domain.FactorCandidateRequest
}

func (f *fakeGenerator) GenerateFactorCandidates(_ context.Context, req domain.FactorCandidateRequest) ([]domain.FactorCandidate, error) {
	f.lastReq = req
	return f.candidates, f.err
}

func (f *fakeGenerator) GenerateStrategyPatch(context.Context, domain.StrategyPatchRequest) (*domain.StrategyPatch, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGenerator) GenerateTargetedAdjustment(context.Context, domain.TargetedAdjustmentRequest) (*domain.StrategyPatch, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGenerator) GenerateFixPatch(context.Context, string, string) (*domain.FixPatch, error) {
	return nil, errors.New("not implemented")
}

type fixedEvaluator struct {
	passed bool
	score  float64
}

func (e *fixedEvaluator) Evaluate(domain.MetricsRecord) *domain.EvalResult {
	return &domain.EvalResult{Passed: e.passed, Score: e.score}
}

func newLab(t *testing.T, gen *fakeGenerator) *Lab {
	t.Helper()
	return New(gen, filepath.Join(t.TempDir(), "experiments", "trials.jsonl"), zerolog.Nop())
}

func TestGenerateCandidatesNormalizes(t *testing.T) {
	gen := &fakeGenerator{candidates: []domain.FactorCandidate{
		{FactorFamily: "volatility", Params: map[string]any{"window": 14.0}},
		{CandidateID: "custom_id", Description: "funding-rate filter"},
	}}
	lab := newLab(t, gen)

	got, err := lab.GenerateCandidates(context.Background(), "code", domain.MetricsRecord{}, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "fc_001", got[0].CandidateID)
	assert.Equal(t, "volatility", got[0].FactorFamily)
	assert.Equal(t, StatusActive, got[0].Status)

	assert.Equal(t, "custom_id", got[1].CandidateID)
	assert.Equal(t, "unknown", got[1].FactorFamily)
	assert.NotNil(t, got[1].Params)

	assert.Equal(t, 5, gen.lastReq.NumCandidates)
}

func TestGenerateCandidatesDeduplicates(t *testing.T) {
	gen := &fakeGenerator{candidates: []domain.FactorCandidate{
		{FactorFamily: "volatility", Params: map[string]any{"window": 14.0}},
		{FactorFamily: "volatility", Params: map[string]any{"window": 14.0}},
		{FactorFamily: "volatility", Params: map[string]any{"window": 21.0}},
	}}
	lab := newLab(t, gen)

	got, err := lab.GenerateCandidates(context.Background(), "code", domain.MetricsRecord{}, 3)
	require.NoError(t, err)
	require.Len(t, got, 2, "identical family and params collapse to one candidate")
}

func TestGenerateCandidatesPropagatesError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("llm unavailable")}
	lab := newLab(t, gen)

	_, err := lab.GenerateCandidates(context.Background(), "code", domain.MetricsRecord{}, 3)
	require.Error(t, err)
}

func TestEvaluateCandidate(t *testing.T) {
	tests := []struct {
		name       string
		passed     bool
		score      float64
		baseline   float64
		wantStatus string
	}{
		{"beats baseline", true, 60.0, 50.0, StatusPromoted},
		{"matches baseline", true, 50.0, 50.0, StatusPromoted},
		{"below baseline", true, 40.0, 50.0, StatusQuarantined},
		{"fails gates", false, 90.0, 50.0, StatusQuarantined},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{candidates: []domain.FactorCandidate{
				{FactorFamily: "momentum", Params: map[string]any{"period": 10.0}},
			}}
			lab := newLab(t, gen)
			got, err := lab.GenerateCandidates(context.Background(), "code", domain.MetricsRecord{}, 1)
			require.NoError(t, err)

			evaluated := lab.EvaluateCandidate(&got[0], domain.MetricsRecord{}, tt.baseline, &fixedEvaluator{
				passed: tt.passed,
				score:  tt.score,
			})
			assert.Equal(t, tt.wantStatus, evaluated.Status)
			assert.Empty(t, lab.ActiveCandidates(), "evaluation removes the candidate from the active set")
		})
	}
}

func TestEvaluateCandidateWithoutEvaluator(t *testing.T) {
	lab := newLab(t, &fakeGenerator{})
	candidate := &domain.FactorCandidate{CandidateID: "fc_001", Status: StatusActive}

	got := lab.EvaluateCandidate(candidate, domain.MetricsRecord{"score": 70.0}, 50.0, nil)
	assert.Equal(t, StatusPromoted, got.Status)
}

func TestLogExperimentAppendsJSONL(t *testing.T) {
	lab := newLab(t, &fakeGenerator{})
	candidate := &domain.FactorCandidate{
		CandidateID:  "fc_001",
		FactorFamily: "volatility",
		Params:       map[string]any{"window": 14.0},
		Status:       StatusPromoted,
	}

	require.NoError(t, lab.LogExperiment(candidate, domain.MetricsRecord{"score": 61.0}, 61.0))
	require.NoError(t, lab.LogExperiment(candidate, domain.MetricsRecord{"score": 55.0}, 55.0))

	f, err := os.Open(lab.logPath)
	require.NoError(t, err)
	defer f.Close()

	var records []experimentRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec experimentRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, records, 2)
	assert.Equal(t, "fc_001", records[0].CandidateID)
	assert.Equal(t, 61.0, records[0].Score)
	assert.Equal(t, StatusPromoted, records[0].Status)
	assert.False(t, records[0].Timestamp.IsZero())
}

func TestActiveCandidates(t *testing.T) {
	gen := &fakeGenerator{candidates: []domain.FactorCandidate{
		{FactorFamily: "volatility", Params: map[string]any{"window": 14.0}},
		{FactorFamily: "momentum", Params: map[string]any{"period": 10.0}},
	}}
	lab := newLab(t, gen)
	got, err := lab.GenerateCandidates(context.Background(), "code", domain.MetricsRecord{}, 2)
	require.NoError(t, err)

	lab.EvaluateCandidate(&got[0], domain.MetricsRecord{"score": 10.0}, 50.0, nil)

	active := lab.ActiveCandidates()
	require.Len(t, active, 1)
	assert.Equal(t, "momentum", active[0].FactorFamily)
}
