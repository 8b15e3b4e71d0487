// Package strategy owns safe, versioned mutation of the strategy artifact:
// syntax validation, safety rules, write-ahead backups, atomic writes, and
// rollback. It is the sole writer of the artifact on disk.
package strategy

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/yifengQaq/lottery-agent/internal/domain"
)

const backupTimeFormat = "20060102_150405"

var (
	backupRoundRe = regexp.MustCompile(`round_(\d+)`)
	descSanitize  = regexp.MustCompile(`[^\w]`)
)

// Modifier safely applies LLM-generated strategy modifications.
type Modifier struct {
	strategyDir      string
	backupDir        string
	strategyFilename string
	strategyPath     string
	rules            []SafetyRule

	log zerolog.Logger
}

// Config holds the modifier's construction options.
type Config struct {
	StrategyDir      string
	BackupDir        string
	StrategyFilename string
	Rules            []SafetyRule // nil means DefaultSafetyRules
}

// New creates a modifier and ensures the backup directory exists.
func New(cfg Config, log zerolog.Logger) (*Modifier, error) {
	if cfg.StrategyDir == "" {
		cfg.StrategyDir = "strategies"
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join("results", "strategy_versions")
	}
	if cfg.StrategyFilename == "" {
		cfg.StrategyFilename = "lottery_strategy.go"
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultSafetyRules()
	}

	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	return &Modifier{
		strategyDir:      cfg.StrategyDir,
		backupDir:        cfg.BackupDir,
		strategyFilename: cfg.StrategyFilename,
		strategyPath:     filepath.Join(cfg.StrategyDir, cfg.StrategyFilename),
		rules:            cfg.Rules,
		log:              log.With().Str("component", "strategy-modifier").Logger(),
	}, nil
}

// StrategyPath returns the path of the live strategy artifact.
func (m *Modifier) StrategyPath() string {
	return m.strategyPath
}

// CurrentCode reads the live strategy artifact.
func (m *Modifier) CurrentCode() (string, error) {
	data, err := os.ReadFile(m.strategyPath)
	if err != nil {
		return "", fmt.Errorf("read strategy: %w", err)
	}
	return string(data), nil
}

// ApplyPatch validates a candidate and, only if every hard check passes,
// backs up the current artifact and overwrites it atomically. A rejected
// patch performs no backup and no write.
func (m *Modifier) ApplyPatch(code string, round int, description string) *domain.PatchResult {
	var errs, warns []string

	if err := ValidateSyntax(code); err != nil {
		errs = append(errs, fmt.Sprintf("syntax error: %v", err))
		return &domain.PatchResult{Success: false, Errors: errs, Warnings: warns}
	}

	for _, rule := range m.rules {
		ruleErrs, ruleWarns := rule.Check(code)
		errs = append(errs, ruleErrs...)
		warns = append(warns, ruleWarns...)
	}
	if len(errs) > 0 {
		return &domain.PatchResult{Success: false, Errors: errs, Warnings: warns}
	}

	backupPath, err := m.backup(round, description)
	if err != nil {
		errs = append(errs, fmt.Sprintf("backup failed: %v", err))
		return &domain.PatchResult{Success: false, Errors: errs, Warnings: warns}
	}

	if err := atomicWrite(m.strategyPath, code); err != nil {
		// Restore the pre-patch artifact so a crash mid-write cannot leave
		// the live file corrupted.
		m.log.Error().Err(err).Msg("Write failed, restoring backup")
		if backupPath != "" {
			if restoreErr := copyFile(backupPath, m.strategyPath); restoreErr != nil {
				m.log.Error().Err(restoreErr).Msg("Backup restore failed")
			}
		}
		errs = append(errs, fmt.Sprintf("write failed: %v", err))
		return &domain.PatchResult{
			Success:    false,
			BackupPath: backupPath,
			Errors:     errs,
			Warnings:   warns,
		}
	}

	m.log.Info().
		Int("round", round).
		Str("backup", backupPath).
		Msg("Strategy updated")

	return &domain.PatchResult{
		Success:    true,
		BackupPath: backupPath,
		Errors:     []string{},
		Warnings:   warns,
	}
}

// Rollback restores the newest backup tagged with the given round number.
// Ties on the round tag break by modification time.
func (m *Modifier) Rollback(round int) error {
	pattern := filepath.Join(m.backupDir, fmt.Sprintf("round_%03d_*.go", round))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("glob backups: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("%w: round %d", domain.ErrNoBackup, round)
	}

	latest := matches[0]
	latestMod := time.Time{}
	for _, f := range matches {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().After(latestMod) {
			latestMod = info.ModTime()
			latest = f
		}
	}

	if err := copyFile(latest, m.strategyPath); err != nil {
		return fmt.Errorf("restore backup: %w", err)
	}

	m.log.Info().Int("round", round).Str("backup", latest).Msg("Rolled back")
	return nil
}

// ListVersions enumerates all backups, sorted by filename.
func (m *Modifier) ListVersions() ([]domain.Version, error) {
	matches, err := filepath.Glob(filepath.Join(m.backupDir, "round_*.go"))
	if err != nil {
		return nil, fmt.Errorf("glob backups: %w", err)
	}
	sort.Strings(matches)

	var versions []domain.Version
	for _, f := range matches {
		sub := backupRoundRe.FindStringSubmatch(filepath.Base(f))
		if sub == nil {
			continue
		}
		round, err := strconv.Atoi(sub[1])
		if err != nil {
			continue
		}
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		versions = append(versions, domain.Version{
			Round:     round,
			File:      f,
			Timestamp: info.ModTime(),
		})
	}
	return versions, nil
}

// ApplyConfigPatch deep-merges a nested override into a persisted JSON
// configuration document, keeping a backup copy of the original. Nested maps
// merge recursively; scalar values overwrite.
func (m *Modifier) ApplyConfigPatch(configPath string, changes map[string]any, round int) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var config map[string]any
	if err := json.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	backup := fmt.Sprintf("%s.bak.r%d", configPath, round)
	if err := copyFile(configPath, backup); err != nil {
		return fmt.Errorf("backup config: %w", err)
	}

	deepMerge(config, changes)

	merged, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := atomicWrite(configPath, string(merged)); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	m.log.Info().Int("round", round).Str("backup", backup).Msg("Config patched")
	return nil
}

// backup copies the current artifact under a round-and-timestamp-tagged name.
// A missing live artifact (first ever round) yields an empty backup path.
func (m *Modifier) backup(round int, description string) (string, error) {
	ts := time.Now().Format(backupTimeFormat)
	safeDesc := ""
	if description != "" {
		safeDesc = descSanitize.ReplaceAllString(description, "_")
		if len(safeDesc) > 50 {
			safeDesc = safeDesc[:50]
		}
	}
	filename := fmt.Sprintf("round_%03d_%s_%s.go", round, ts, safeDesc)
	backupPath := filepath.Join(m.backupDir, filename)

	if _, err := os.Stat(m.strategyPath); os.IsNotExist(err) {
		return "", nil
	}
	if err := copyFile(m.strategyPath, backupPath); err != nil {
		return "", err
	}
	return backupPath, nil
}

// atomicWrite writes content to a temp file next to path, then renames it
// over path, so a crash mid-write cannot corrupt the destination.
func atomicWrite(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// deepMerge merges override into base in place.
func deepMerge(base, override map[string]any) {
	for key, value := range override {
		if baseMap, ok := base[key].(map[string]any); ok {
			if overrideMap, ok := value.(map[string]any); ok {
				deepMerge(baseMap, overrideMap)
				continue
			}
		}
		base[key] = value
	}
}
