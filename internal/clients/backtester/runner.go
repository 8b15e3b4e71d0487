// Package backtester shells out to the external backtest engine and
// normalizes its results. Every failure mode, from a non-zero exit to a
// missing result artifact to a timeout, comes back as a result record with
// Success false; the runner never returns a Go error.
package backtester

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/yifengQaq/lottery-agent/internal/domain"
)

const (
	defaultTimeout = 10 * time.Minute
	stderrTailSize = 2000
)

// Runner executes the backtest engine against the current strategy.
type Runner struct {
	engineDir    string
	engineBin    string
	userData     string
	resultsDir   string
	configPath   string
	strategyName string
	timerange    string
	extraArgs    []string
	timeout      time.Duration

	log zerolog.Logger
}

// Config holds the runner's construction options.
type Config struct {
	EngineDir    string // working directory for the engine process
	EngineBin    string // engine binary, default "freqtrade"
	UserData     string // engine user data dir, default "user_data"
	ResultsDir   string // result artifacts, default <UserData>/backtest_results
	ConfigPath   string // engine config, default config/config_backtest.json
	StrategyName string // default "LotteryStrategy"
	Timerange    string // default timerange when a run passes none
	ExtraArgs    []string
	Timeout      time.Duration
}

// New creates a backtest runner.
func New(cfg Config, log zerolog.Logger) *Runner {
	if cfg.EngineBin == "" {
		cfg.EngineBin = "freqtrade"
	}
	if cfg.UserData == "" {
		cfg.UserData = "user_data"
	}
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = filepath.Join(cfg.UserData, "backtest_results")
	}
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join("config", "config_backtest.json")
	}
	if cfg.StrategyName == "" {
		cfg.StrategyName = "LotteryStrategy"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Runner{
		engineDir:    cfg.EngineDir,
		engineBin:    cfg.EngineBin,
		userData:     cfg.UserData,
		resultsDir:   cfg.ResultsDir,
		configPath:   cfg.ConfigPath,
		strategyName: cfg.StrategyName,
		timerange:    cfg.Timerange,
		extraArgs:    cfg.ExtraArgs,
		timeout:      cfg.Timeout,
		log:          log.With().Str("component", "backtester").Logger(),
	}
}

// Run executes one backtest and parses the newest result artifact.
func (r *Runner) Run(ctx context.Context, opts domain.BacktestOptions) *domain.BacktestResult {
	timerange := opts.Timerange
	if timerange == "" {
		timerange = r.timerange
	}
	config := opts.ConfigOverride
	if config == "" {
		config = r.configPath
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := r.buildCommand(runCtx, config, timerange)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Info().Str("cmd", strings.Join(cmd.Args, " ")).Msg("Running backtest")

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return failure(fmt.Sprintf("backtest timed out (>%s)", r.timeout))
		}
		tail := tailString(stderr.String(), stderrTailSize)
		if tail == "" {
			tail = err.Error()
		}
		r.log.Error().
			Str("stdout", tailString(stdout.String(), stderrTailSize)).
			Str("stderr", tail).
			Msg("Backtest failed")
		return failure(tail)
	}

	resultFile, err := r.findLatestResult()
	if err != nil {
		return failure(err.Error())
	}

	raw, err := loadResult(resultFile)
	if err != nil {
		return failure(fmt.Sprintf("load result %s: %v", resultFile, err))
	}

	return &domain.BacktestResult{
		Success:    true,
		Metrics:    ExtractMetrics(raw),
		RawResults: raw,
		ResultFile: resultFile,
	}
}

func (r *Runner) buildCommand(ctx context.Context, config, timerange string) *exec.Cmd {
	args := []string{
		"backtesting",
		"--config", config,
		"--userdir", r.userData,
		"--strategy", r.strategyName,
		"--export", "trades",
		"--export-filename", filepath.Join(r.resultsDir, "backtest-result.json"),
	}
	if timerange != "" {
		args = append(args, "--timerange", timerange)
	}
	args = append(args, r.extraArgs...)

	cmd := exec.CommandContext(ctx, r.engineBin, args...)
	cmd.Dir = r.engineDir
	return cmd
}

// findLatestResult locates the newest result artifact: the engine's
// .last_result.json meta file when present, otherwise the most recently
// modified backtest-result zip or json.
func (r *Runner) findLatestResult() (string, error) {
	resultsDir := filepath.Join(r.engineDir, r.resultsDir)

	metaPath := filepath.Join(resultsDir, ".last_result.json")
	if data, err := os.ReadFile(metaPath); err == nil {
		var meta struct {
			LatestBacktest string `json:"latest_backtest"`
		}
		if err := json.Unmarshal(data, &meta); err == nil && meta.LatestBacktest != "" {
			full := filepath.Join(resultsDir, meta.LatestBacktest)
			if _, err := os.Stat(full); err == nil {
				return full, nil
			}
		}
	}

	for _, ext := range []string{"*.zip", "*.json"} {
		matches, err := filepath.Glob(filepath.Join(resultsDir, "backtest-result"+ext))
		if err != nil {
			continue
		}
		var files []string
		for _, f := range matches {
			if strings.HasSuffix(f, ".meta.json") {
				continue
			}
			files = append(files, f)
		}
		if len(files) == 0 {
			continue
		}
		sort.Slice(files, func(i, j int) bool {
			return modTime(files[i]).After(modTime(files[j]))
		})
		return files[0], nil
	}

	return "", fmt.Errorf("no result file found after backtest")
}

// loadResult parses a result artifact, unpacking zips the engine produces.
func loadResult(path string) (map[string]any, error) {
	if strings.HasSuffix(path, ".zip") {
		zr, err := zip.OpenReader(path)
		if err != nil {
			return nil, err
		}
		defer zr.Close()

		for _, f := range zr.File {
			if !strings.HasSuffix(f.Name, ".json") || strings.Contains(f.Name, "config") {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, err
			}
			var raw map[string]any
			if err := json.Unmarshal(data, &raw); err != nil {
				return nil, err
			}
			return raw, nil
		}
		return map[string]any{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func failure(msg string) *domain.BacktestResult {
	return &domain.BacktestResult{
		Success:    false,
		Error:      msg,
		Metrics:    domain.MetricsRecord{},
		RawResults: map[string]any{},
	}
}

func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
