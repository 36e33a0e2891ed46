package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sakuga/internal/breaker"
	"sakuga/internal/config"
	"sakuga/internal/logging"
	"sakuga/internal/retry"
	"sakuga/internal/services"
)

// Tier selects how capable a model the query needs.
type Tier string

const (
	TierFast     Tier = "fast"
	TierStandard Tier = "standard"
	TierAdvanced Tier = "advanced"
)

// Request is one dialogue query.
type Request struct {
	Prompt            string
	Context           string
	Tier              Tier
	IntelligenceLevel string
}

// Response is the adapter's answer, noting which model served it and
// whether the local fallback was used.
type Response struct {
	Text         string  `json:"response"`
	ModelUsed    string  `json:"model_used"`
	Confidence   float64 `json:"confidence"`
	FallbackUsed bool    `json:"fallback_used"`
	Cached       bool    `json:"cached"`
}

// FallbackFunc routes a prompt to the local inference backend.
type FallbackFunc func(ctx context.Context, prompt string) (string, error)

// Client is the dialogue-service adapter.
type Client struct {
	cfg        config.LLM
	httpClient *http.Client
	breaker    *breaker.Breaker
	retry      retry.Policy
	logger     *slog.Logger
	board      *scoreboard
	cache      *responseCache
	fallback   FallbackFunc
}

// NewClient builds the adapter. fallback may be nil, disabling local
// fallback regardless of configuration.
func NewClient(cfg config.LLM, fallback FallbackFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker.New(breaker.Settings{Name: "llm"}),
		retry:      retry.DefaultPolicy(),
		logger:     logging.NewComponentLogger(logger, "llm"),
		board:      newScoreboard(),
		cache:      newResponseCache(time.Duration(cfg.CacheTTLSeconds) * time.Second),
		fallback:   fallback,
	}
}

// BreakerState reports the circuit-breaker state for status output.
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// SetRetryPolicy replaces the retry policy. Tests inject a fast sleeper.
func (c *Client) SetRetryPolicy(policy retry.Policy) {
	c.retry = policy
}

// ModelStats returns the rolling per-model statistics.
func (c *Client) ModelStats() []ModelStats {
	return c.board.snapshot()
}

// CacheSize returns the number of live cached responses.
func (c *Client) CacheSize() int {
	return c.cache.size()
}

// Query answers a prompt with the best available model for the tier,
// serving repeats from cache and falling back to local inference when the
// primary service fails.
func (c *Client) Query(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Response{}, services.Wrap(services.ErrValidation, "llm", "query", "empty prompt", nil)
	}

	key := cacheKey(req.Prompt, req.Context, req.IntelligenceLevel)
	if cached, ok := c.cache.get(key); ok {
		cached.Cached = true
		return cached, nil
	}

	model := c.board.pick(c.candidates(req.Tier))
	if model == "" {
		return Response{}, services.Wrap(services.ErrConfiguration, "llm", "query",
			fmt.Sprintf("no models configured for tier %q", req.Tier), nil)
	}

	response, err := c.queryPrimary(ctx, model, req)
	if err == nil {
		c.cache.put(key, response)
		return response, nil
	}

	if c.cfg.FallbackEnabled && c.fallback != nil && services.Retryable(err) {
		c.logger.Warn("primary failed, using local fallback",
			logging.String("model", model),
			logging.Error(err))
		text, fbErr := c.fallback(ctx, req.Prompt)
		if fbErr != nil {
			return Response{}, services.Wrap(services.ErrExternalTool, "llm", "fallback",
				"local fallback failed after primary error", fbErr)
		}
		response = Response{
			Text:         text,
			ModelUsed:    c.cfg.FallbackModel,
			Confidence:   0.5,
			FallbackUsed: true,
		}
		c.cache.put(key, response)
		return response, nil
	}
	return Response{}, err
}

func (c *Client) candidates(tier Tier) []string {
	switch tier {
	case TierFast:
		return c.cfg.FastModels
	case TierAdvanced:
		return c.cfg.AdvancedModels
	default:
		return c.cfg.StandardModels
	}
}

func (c *Client) queryPrimary(ctx context.Context, model string, req Request) (Response, error) {
	start := time.Now()
	var text string
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.retry.Do(ctx, "llm query", func(ctx context.Context) error {
			answer, err := c.postChat(ctx, model, req)
			if err != nil {
				return err
			}
			text = answer
			return nil
		})
	})
	elapsed := time.Since(start)
	c.board.record(model, err == nil, elapsed)
	if err != nil {
		return Response{}, err
	}

	stats := c.board.stats(model)
	return Response{
		Text:       text,
		ModelUsed:  model,
		Confidence: stats.SuccessRate,
	}, nil
}

func (c *Client) postChat(ctx context.Context, model string, req Request) (string, error) {
	messages := []map[string]string{}
	if req.Context != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.Context})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	body, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": messages,
	})
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "llm", "query", "encode request", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", services.Wrap(services.ErrConfiguration, "llm", "query", "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "llm", "query", "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", services.Wrap(services.ErrResourceExhausted, "llm", "query", "rate limited", nil)
	}
	if resp.StatusCode >= 500 {
		return "", services.Wrap(services.ErrTransient, "llm", "query",
			fmt.Sprintf("service returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", services.Wrap(services.ErrValidation, "llm", "query",
			fmt.Sprintf("service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))), nil)
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", services.Wrap(services.ErrExternalTool, "llm", "query", "decode response", err)
	}
	if len(decoded.Choices) == 0 {
		return "", services.Wrap(services.ErrExternalTool, "llm", "query", "empty choices", nil)
	}
	return decoded.Choices[0].Message.Content, nil
}
