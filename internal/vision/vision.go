// Package vision is the adapter for the local inference backend used for
// per-image quality review. It has no fallback: on failure the caller
// leaves the generation record in review.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"sakuga/internal/breaker"
	"sakuga/internal/config"
	"sakuga/internal/logging"
	"sakuga/internal/services"
	"sakuga/internal/store"
)

// Review is the structured verdict the vision model returns for one image.
type Review struct {
	QualityScore    float64  `json:"quality_score"`
	CharacterMatch  float64  `json:"character_match"`
	Clarity         float64  `json:"clarity"`
	TrainingValue   float64  `json:"training_value"`
	Solo            bool     `json:"solo"`
	SpeciesVerified bool     `json:"species_verified"`
	Categories      []string `json:"rejection_categories"`
	Feedback        string   `json:"feedback"`
}

// RejectionCategories maps the raw category strings to the fixed enum,
// dropping anything the model invented outside it.
func (r Review) RejectionCategories() []store.RejectionCategory {
	var categories []store.RejectionCategory
	for _, raw := range r.Categories {
		if category, ok := store.ParseRejectionCategory(raw); ok {
			categories = append(categories, category)
		}
	}
	return categories
}

// Client talks to the local inference endpoint.
type Client struct {
	cfg        config.Vision
	httpClient *http.Client
	breaker    *breaker.Breaker
	logger     *slog.Logger
}

// NewClient builds the local inference adapter.
func NewClient(cfg config.Vision, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker.New(breaker.Settings{Name: "vision"}),
		logger:     logging.NewComponentLogger(logger, "vision"),
	}
}

// BreakerState reports the circuit-breaker state for status output.
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// Query sends a prompt with an optional image to the local backend and
// returns the raw text response.
func (c *Client) Query(ctx context.Context, prompt, imagePath string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", services.Wrap(services.ErrValidation, "vision", "query", "empty prompt", nil)
	}

	payload := map[string]any{
		"model":  c.cfg.Model,
		"prompt": prompt,
		"stream": false,
	}
	if imagePath != "" {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return "", services.Wrap(services.ErrIntegrity, "vision", "query",
				fmt.Sprintf("read image %s", imagePath), err)
		}
		payload["images"] = []string{base64.StdEncoding.EncodeToString(data)}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "vision", "query", "encode request", err)
	}

	var text string
	err = c.breaker.Do(ctx, func(ctx context.Context) error {
		url := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/generate"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return services.Wrap(services.ErrConfiguration, "vision", "query", "build request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return services.Wrap(services.ErrTransient, "vision", "query", "request failed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return services.Wrap(services.ErrTransient, "vision", "query",
				fmt.Sprintf("backend returned %d", resp.StatusCode), nil)
		}
		if resp.StatusCode >= 400 {
			return services.Wrap(services.ErrValidation, "vision", "query",
				fmt.Sprintf("backend returned %d", resp.StatusCode), nil)
		}

		var decoded struct {
			Response string `json:"response"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return services.Wrap(services.ErrExternalTool, "vision", "query", "decode response", err)
		}
		text = decoded.Response
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// ReviewImage asks the vision model to score one generated image and
// parses the structured verdict out of its response.
func (c *Client) ReviewImage(ctx context.Context, imagePath, designPrompt string) (Review, error) {
	prompt := reviewPrompt(designPrompt)
	text, err := c.Query(ctx, prompt, imagePath)
	if err != nil {
		return Review{}, err
	}
	review, err := ParseReview(text)
	if err != nil {
		return Review{}, err
	}
	return review, nil
}

// ParseReview extracts the JSON verdict from a model response that may
// wrap it in prose or a code fence.
func ParseReview(text string) (Review, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Review{}, services.Wrap(services.ErrExternalTool, "vision", "parse review", "no JSON object in response", nil)
	}
	var review Review
	if err := json.Unmarshal([]byte(text[start:end+1]), &review); err != nil {
		return Review{}, services.Wrap(services.ErrExternalTool, "vision", "parse review", "malformed verdict", err)
	}
	if review.QualityScore < 0 || review.QualityScore > 1 {
		return Review{}, services.Wrap(services.ErrExternalTool, "vision", "parse review",
			fmt.Sprintf("quality score %v outside [0,1]", review.QualityScore), nil)
	}
	return review, nil
}

func reviewPrompt(designPrompt string) string {
	var b strings.Builder
	b.WriteString("Review this generated character image against the design below. ")
	b.WriteString("Reply with a single JSON object with keys quality_score, character_match, ")
	b.WriteString("clarity, training_value (all 0..1), solo, species_verified (booleans), ")
	b.WriteString("rejection_categories (array drawn only from: ")
	for i, category := range store.KnownRejectionCategories() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(string(category))
	}
	b.WriteString("), and feedback (one sentence).\n\nDesign: ")
	b.WriteString(designPrompt)
	return b.String()
}
