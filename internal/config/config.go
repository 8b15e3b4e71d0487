package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	// LLM
	DeepSeekAPIKey  string
	DeepSeekBaseURL string
	DeepSeekModel   string

	// Backtest engine
	EngineDir    string
	EngineBin    string
	ConfigPath   string
	StrategyName string

	// Strategy artifact
	StrategyDir string
	BackupDir   string
	ResultsDir  string

	// Iteration loop
	MaxRounds        int
	StaleRoundsLimit int
	TimerangeIS      string
	TimerangeOOS     string

	EnableWalkForward bool
	EnableAutoRepair  bool
	RepairMaxRetries  int

	EnableMultiWindow bool
	Windows           map[string]string

	EnableFactorLab  bool
	FactorCandidates int

	// Weekly posture
	WeeklyBudget      float64
	WeeklyTarget      float64
	CooldownThreshold int

	SystemPromptPath string
	LogLevel         string
	LogPretty        bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	windows, err := parseWindows(getEnv("COMPARISON_WINDOWS", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DeepSeekAPIKey:  getEnv("DEEPSEEK_API_KEY", ""),
		DeepSeekBaseURL: getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
		DeepSeekModel:   getEnv("DEEPSEEK_MODEL", "deepseek-chat"),

		EngineDir:    getEnv("ENGINE_DIR", "."),
		EngineBin:    getEnv("ENGINE_BIN", "freqtrade"),
		ConfigPath:   getEnv("ENGINE_CONFIG_PATH", "config/config_backtest.json"),
		StrategyName: getEnv("STRATEGY_NAME", "LotteryStrategy"),

		StrategyDir: getEnv("STRATEGY_DIR", "strategies"),
		BackupDir:   getEnv("BACKUP_DIR", "results/strategy_versions"),
		ResultsDir:  getEnv("RESULTS_DIR", "results"),

		MaxRounds:        getEnvAsInt("MAX_ROUNDS", 20),
		StaleRoundsLimit: getEnvAsInt("STALE_ROUNDS_LIMIT", 3),
		TimerangeIS:      getEnv("TIMERANGE_IS", ""),
		TimerangeOOS:     getEnv("TIMERANGE_OOS", ""),

		EnableWalkForward: getEnvAsBool("ENABLE_WALK_FORWARD", false),
		EnableAutoRepair:  getEnvAsBool("ENABLE_AUTO_REPAIR", false),
		RepairMaxRetries:  getEnvAsInt("REPAIR_MAX_RETRIES", 3),

		EnableMultiWindow: getEnvAsBool("ENABLE_MULTI_WINDOW", false),
		Windows:           windows,

		EnableFactorLab:  getEnvAsBool("ENABLE_FACTOR_LAB", false),
		FactorCandidates: getEnvAsInt("FACTOR_CANDIDATES", 5),

		WeeklyBudget:      getEnvAsFloat("WEEKLY_BUDGET", 100),
		WeeklyTarget:      getEnvAsFloat("WEEKLY_TARGET", 1000),
		CooldownThreshold: getEnvAsInt("COOLDOWN_THRESHOLD", 3),

		SystemPromptPath: getEnv("SYSTEM_PROMPT_PATH", "prompts/system_prompt.md"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogPretty:        getEnvAsBool("LOG_PRETTY", false),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.MaxRounds <= 0 {
		return fmt.Errorf("MAX_ROUNDS must be positive, got %d", c.MaxRounds)
	}
	if c.StaleRoundsLimit <= 0 {
		return fmt.Errorf("STALE_ROUNDS_LIMIT must be positive, got %d", c.StaleRoundsLimit)
	}
	if c.RepairMaxRetries <= 0 {
		return fmt.Errorf("REPAIR_MAX_RETRIES must be positive, got %d", c.RepairMaxRetries)
	}
	if c.WeeklyBudget <= 0 {
		return fmt.Errorf("WEEKLY_BUDGET must be positive, got %g", c.WeeklyBudget)
	}
	if c.WeeklyTarget <= c.WeeklyBudget {
		return fmt.Errorf("WEEKLY_TARGET (%g) must exceed WEEKLY_BUDGET (%g)", c.WeeklyTarget, c.WeeklyBudget)
	}
	if c.EnableMultiWindow && len(c.Windows) == 0 {
		return fmt.Errorf("ENABLE_MULTI_WINDOW requires COMPARISON_WINDOWS")
	}
	if c.EnableWalkForward && c.TimerangeOOS == "" {
		return fmt.Errorf("ENABLE_WALK_FORWARD requires TIMERANGE_OOS")
	}
	return nil
}

// SystemPrompt reads the configured prompt file, falling back to fallback
// when the file does not exist.
func (c *Config) SystemPrompt(fallback string) string {
	data, err := os.ReadFile(c.SystemPromptPath)
	if err != nil {
		return fallback
	}
	return string(data)
}

// parseWindows parses "label=timerange,label=timerange" pairs, e.g.
// "bull=20260101-20260201,bear=20260301-20260401".
func parseWindows(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	windows := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		label, timerange, ok := strings.Cut(pair, "=")
		label = strings.TrimSpace(label)
		timerange = strings.TrimSpace(timerange)
		if !ok || label == "" || timerange == "" {
			return nil, fmt.Errorf("COMPARISON_WINDOWS: malformed pair %q (want label=timerange)", pair)
		}
		windows[label] = timerange
	}
	return windows, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
