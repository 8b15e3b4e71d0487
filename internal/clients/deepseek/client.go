// Package deepseek wraps the DeepSeek chat completions API (OpenAI
// compatible) behind the code-generation interface the iteration loop
// consumes. The client owns its own timeout and retry-with-backoff policy
// and re-extracts JSON locally before failing on a malformed response.
package deepseek

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/yifengQaq/lottery-agent/internal/domain"
)

const (
	// DefaultBaseURL is the DeepSeek OpenAI-compatible endpoint.
	DefaultBaseURL = "https://api.deepseek.com/v1"
	// DefaultModel is the general chat model; deepseek-reasoner also works.
	DefaultModel = "deepseek-chat"

	defaultMaxTokens   = 8192
	defaultTemperature = 0.3
	defaultMaxRetries  = 3
	defaultTimeout     = 5 * time.Minute
	maxBackoff         = 30 * time.Second
)

// MissingFieldError reports a structured LLM response that lacks a
// required field.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("llm response missing required field: %s", e.Field)
}

// Client talks to the DeepSeek chat completions API.
type Client struct {
	api         *openai.Client
	model       string
	maxTokens   int
	temperature float32
	maxRetries  int

	// sleep is swapped out in tests to skip real backoff waits.
	sleep func(time.Duration)

	log zerolog.Logger
}

// Config holds the client's construction options. Zero values fall back to
// the DeepSeek defaults above.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	MaxRetries  int
	Timeout     time.Duration
}

// New creates a DeepSeek client. The API key is required.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("deepseek: API key not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = cfg.BaseURL
	apiCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &Client{
		api:         openai.NewClientWithConfig(apiCfg),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxRetries:  cfg.MaxRetries,
		sleep:       time.Sleep,
		log:         log.With().Str("component", "deepseek").Logger(),
	}, nil
}

// GenerateStrategyPatch asks the model for the next round of strategy
// changes. changes_made, rationale and code_patch are required.
func (c *Client) GenerateStrategyPatch(ctx context.Context, req domain.StrategyPatchRequest) (*domain.StrategyPatch, error) {
	raw, err := c.chat(ctx, req.SystemPrompt, buildIterationPrompt(req), true)
	if err != nil {
		return nil, err
	}

	obj, err := parseObject(raw)
	if err != nil {
		return nil, err
	}
	for _, field := range []string{"changes_made", "rationale", "code_patch"} {
		if _, ok := obj[field]; !ok {
			return nil, &MissingFieldError{Field: field}
		}
	}

	patch, err := decodePatch(obj)
	if err != nil {
		return nil, err
	}
	if patch.Round == 0 {
		patch.Round = req.Round
	}
	applyPatchDefaults(patch)
	return patch, nil
}

// GenerateTargetedAdjustment asks the model for gap-driven parameter
// changes, steering it with the comparison matrix and the gap vector.
func (c *Client) GenerateTargetedAdjustment(ctx context.Context, req domain.TargetedAdjustmentRequest) (*domain.StrategyPatch, error) {
	raw, err := c.chat(ctx, req.SystemPrompt, buildTargetedPrompt(req), true)
	if err != nil {
		return nil, err
	}

	obj, err := parseObject(raw)
	if err != nil {
		return nil, err
	}
	if _, ok := obj["code_patch"]; !ok {
		return nil, &MissingFieldError{Field: "code_patch"}
	}

	patch, err := decodePatch(obj)
	if err != nil {
		return nil, err
	}
	applyPatchDefaults(patch)
	return patch, nil
}

// GenerateFixPatch asks the model to repair a broken strategy artifact.
func (c *Client) GenerateFixPatch(ctx context.Context, systemPrompt, fixPrompt string) (*domain.FixPatch, error) {
	raw, err := c.chat(ctx, systemPrompt, fixPrompt, true)
	if err != nil {
		return nil, err
	}

	obj, err := parseObject(raw)
	if err != nil {
		return nil, err
	}
	if _, ok := obj["code_patch"]; !ok {
		return nil, &MissingFieldError{Field: "code_patch"}
	}

	var fix domain.FixPatch
	if err := reencode(obj, &fix); err != nil {
		return nil, err
	}
	return &fix, nil
}

// GenerateFactorCandidates asks the model for a batch of factor
// experiments. The model may return a bare array or wrap it under a key
// like "candidates"; both forms are accepted.
func (c *Client) GenerateFactorCandidates(ctx context.Context, req domain.FactorCandidateRequest) ([]domain.FactorCandidate, error) {
	raw, err := c.chat(ctx, req.SystemPrompt, buildFactorPrompt(req), true)
	if err != nil {
		return nil, err
	}

	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		obj, extractErr := extractObject(raw)
		if extractErr != nil {
			return nil, extractErr
		}
		parsed = obj
	}

	return candidatesFromValue(parsed)
}

// ChatWithHistory sends a completion carrying prior conversation turns,
// for multi-round exchanges that need memory of earlier responses.
func (c *Client) ChatWithHistory(ctx context.Context, systemPrompt string, history []openai.ChatCompletionMessage, userMessage string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	messages = append(messages, history...)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userMessage,
	})
	return c.complete(ctx, messages, false)
}

// chat sends a single system+user completion.
func (c *Client) chat(ctx context.Context, systemPrompt, userMessage string, jsonMode bool) (string, error) {
	return c.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userMessage},
	}, jsonMode)
}

// complete executes one chat completion with bounded retry. Rate limits
// and server errors back off exponentially, capped at 30s per wait; other
// errors surface immediately.
func (c *Client) complete(ctx context.Context, messages []openai.ChatCompletionMessage, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", errors.New("deepseek: response contained no choices")
			}
			c.log.Info().
				Int("total_tokens", resp.Usage.TotalTokens).
				Int("attempt", attempt).
				Msg("Completion received")
			return resp.Choices[0].Message.Content, nil
		}

		lastErr = err
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && (apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500) {
			wait := backoff(attempt)
			c.log.Warn().
				Int("status", apiErr.HTTPStatusCode).
				Dur("wait", wait).
				Int("attempt", attempt).
				Msg("Transient API error, backing off")
			c.sleep(wait)
			continue
		}
		return "", fmt.Errorf("deepseek: completion failed: %w", err)
	}
	return "", fmt.Errorf("deepseek: completion failed after %d attempts: %w", c.maxRetries, lastErr)
}

func backoff(attempt int) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}

// decodePatch round-trips the extracted object into the typed patch.
func decodePatch(obj map[string]any) (*domain.StrategyPatch, error) {
	var patch domain.StrategyPatch
	if err := reencode(obj, &patch); err != nil {
		return nil, err
	}
	return &patch, nil
}

func applyPatchDefaults(patch *domain.StrategyPatch) {
	if patch.NextAction == "" {
		patch.NextAction = "continue"
	}
	if patch.ConfigPatch == nil {
		patch.ConfigPatch = map[string]any{}
	}
}

func reencode(obj map[string]any, out any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("reencode llm response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode llm response: %w", err)
	}
	return nil
}

// candidatesFromValue accepts a bare array, a wrapper object holding the
// array under a conventional key, or a single candidate object.
func candidatesFromValue(parsed any) ([]domain.FactorCandidate, error) {
	decodeList := func(items []any) ([]domain.FactorCandidate, error) {
		candidates := make([]domain.FactorCandidate, 0, len(items))
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			var c domain.FactorCandidate
			if err := reencode(obj, &c); err != nil {
				return nil, err
			}
			candidates = append(candidates, c)
		}
		return candidates, nil
	}

	switch v := parsed.(type) {
	case []any:
		return decodeList(v)
	case map[string]any:
		for _, key := range []string{"candidates", "factors", "results", "data"} {
			if items, ok := v[key].([]any); ok {
				return decodeList(items)
			}
		}
		var c domain.FactorCandidate
		if err := reencode(v, &c); err != nil {
			return nil, err
		}
		return []domain.FactorCandidate{c}, nil
	default:
		return nil, errors.New("deepseek: cannot parse factor candidates from response")
	}
}
