package strategy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yifengQaq/lottery-agent/internal/domain"
)

// strategyCode renders a syntactically valid strategy artifact with the
// budget-controller hooks present and the given risk settings.
func strategyCode(revision string, leverage int, stoploss float64) string {
	return fmt.Sprintf(`package strategy

const revision = %q

type WeeklyBudgetController struct{}

func (c *WeeklyBudgetController) CanOpenTrade() bool { return true }

func (c *WeeklyBudgetController) ConfirmTradeEntry() bool { return true }

var settings = struct {
	Leverage int
	Stoploss float64
}{
	Leverage: %d,
	Stoploss: %g,
}
`, revision, leverage, stoploss)
}

func newTestModifier(t *testing.T) *Modifier {
	t.Helper()
	dir := t.TempDir()
	stratDir := filepath.Join(dir, "strategies")
	require.NoError(t, os.MkdirAll(stratDir, 0o755))

	m, err := New(Config{
		StrategyDir: stratDir,
		BackupDir:   filepath.Join(dir, "versions"),
	}, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func seedStrategy(t *testing.T, m *Modifier, code string) {
	t.Helper()
	require.NoError(t, os.WriteFile(m.StrategyPath(), []byte(code), 0o644))
}

func backupCount(t *testing.T, m *Modifier) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(m.backupDir, "round_*.go"))
	require.NoError(t, err)
	return len(matches)
}

func TestApplyPatchMissingRequiredSymbol(t *testing.T) {
	m := newTestModifier(t)
	seedStrategy(t, m, strategyCode("v1", 5, -0.5))

	code := `package strategy

func CanOpenTrade() bool { return true }

func ConfirmTradeEntry() bool { return true }
`
	result := m.ApplyPatch(code, 1, "drop controller")

	require.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "WeeklyBudgetController")
	assert.Equal(t, 0, backupCount(t, m), "rejected patch must not create a backup")

	current, err := m.CurrentCode()
	require.NoError(t, err)
	assert.Equal(t, strategyCode("v1", 5, -0.5), current, "rejected patch must not touch the artifact")
}

func TestApplyPatchLeverageBounds(t *testing.T) {
	m := newTestModifier(t)
	seedStrategy(t, m, strategyCode("v1", 5, -0.5))

	result := m.ApplyPatch(strategyCode("v2", 25, -0.5), 1, "crank leverage")
	require.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "25x")
	assert.Contains(t, result.Errors[0], "20x")

	result = m.ApplyPatch(strategyCode("v2", 15, -0.5), 1, "moderate leverage")
	require.True(t, result.Success)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "15x")
}

func TestApplyPatchStopLossBound(t *testing.T) {
	m := newTestModifier(t)
	seedStrategy(t, m, strategyCode("v1", 5, -0.5))

	result := m.ApplyPatch(strategyCode("v2", 5, -0.99), 1, "widen stop")
	require.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "-0.99")

	result = m.ApplyPatch(strategyCode("v2", 5, -0.95), 1, "wide but allowed stop")
	assert.True(t, result.Success)
}

func TestApplyPatchBacksUpPreviousVersion(t *testing.T) {
	m := newTestModifier(t)
	original := strategyCode("v1", 5, -0.5)
	seedStrategy(t, m, original)

	patched := strategyCode("v2", 7, -0.4)
	result := m.ApplyPatch(patched, 3, "tune entries")

	require.True(t, result.Success)
	require.NotEmpty(t, result.BackupPath)
	assert.Contains(t, filepath.Base(result.BackupPath), "round_003_")

	backedUp, err := os.ReadFile(result.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, original, string(backedUp), "backup must hold the pre-patch artifact")

	current, err := m.CurrentCode()
	require.NoError(t, err)
	assert.Equal(t, patched, current)
}

func TestApplyPatchFirstRoundNoArtifact(t *testing.T) {
	m := newTestModifier(t)

	result := m.ApplyPatch(strategyCode("v1", 5, -0.5), 1, "initial")

	require.True(t, result.Success)
	assert.Empty(t, result.BackupPath, "nothing to back up before the first write")
}

func TestApplyPatchSyntaxErrorRejectedBeforeBackup(t *testing.T) {
	m := newTestModifier(t)
	seedStrategy(t, m, strategyCode("v1", 5, -0.5))

	result := m.ApplyPatch("package strategy\n\nfunc broken( {\n", 1, "bad patch")

	require.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "syntax error")
	assert.Equal(t, 0, backupCount(t, m))
}

func TestRollbackRestoresRoundVersion(t *testing.T) {
	m := newTestModifier(t)
	v1 := strategyCode("v1", 5, -0.5)
	v2 := strategyCode("v2", 6, -0.4)
	v3 := strategyCode("v3", 7, -0.3)
	seedStrategy(t, m, v1)

	require.True(t, m.ApplyPatch(v2, 1, "first rewrite").Success)
	require.True(t, m.ApplyPatch(v3, 2, "second rewrite").Success)

	require.NoError(t, m.Rollback(2))

	current, err := m.CurrentCode()
	require.NoError(t, err)
	assert.Equal(t, v2, current, "round 2 backup holds the artifact as it was before round 2")
}

func TestRollbackMissingRound(t *testing.T) {
	m := newTestModifier(t)
	seedStrategy(t, m, strategyCode("v1", 5, -0.5))

	err := m.Rollback(7)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoBackup)
}

func TestListVersions(t *testing.T) {
	m := newTestModifier(t)
	seedStrategy(t, m, strategyCode("v1", 5, -0.5))

	require.True(t, m.ApplyPatch(strategyCode("v2", 6, -0.4), 1, "one").Success)
	require.True(t, m.ApplyPatch(strategyCode("v3", 7, -0.3), 2, "two").Success)

	versions, err := m.ListVersions()
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Round)
	assert.Equal(t, 2, versions[1].Round)
}

func TestApplyConfigPatchDeepMerge(t *testing.T) {
	m := newTestModifier(t)
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")

	base := map[string]any{
		"max_open_trades": 3.0,
		"exchange": map[string]any{
			"name":       "binance",
			"pair_limit": 10.0,
		},
	}
	data, err := json.Marshal(base)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0o644))

	err = m.ApplyConfigPatch(configPath, map[string]any{
		"max_open_trades": 1.0,
		"exchange": map[string]any{
			"pair_limit": 5.0,
		},
	}, 4)
	require.NoError(t, err)

	merged, err := os.ReadFile(configPath)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(merged, &got))

	assert.Equal(t, 1.0, got["max_open_trades"])
	exchange := got["exchange"].(map[string]any)
	assert.Equal(t, "binance", exchange["name"], "untouched nested keys survive the merge")
	assert.Equal(t, 5.0, exchange["pair_limit"])

	backed, err := os.ReadFile(configPath + ".bak.r4")
	require.NoError(t, err)
	var origAgain map[string]any
	require.NoError(t, json.Unmarshal(backed, &origAgain))
	assert.Equal(t, 3.0, origAgain["max_open_trades"])
}

func TestValidateSyntax(t *testing.T) {
	assert.NoError(t, ValidateSyntax("package strategy\n\nfunc ok() {}\n"))
	assert.Error(t, ValidateSyntax("package strategy\n\nfunc broken( {\n"))
}
