package llm_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sakuga/internal/config"
	"sakuga/internal/llm"
	"sakuga/internal/retry"
	"sakuga/internal/services"
)

func newTestClient(t *testing.T, handler http.Handler, fallback llm.FallbackFunc) *llm.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := llm.NewClient(config.LLM{
		BaseURL:         server.URL,
		FastModels:      []string{"phi"},
		StandardModels:  []string{"qwen", "llama"},
		AdvancedModels:  []string{"deepseek"},
		CacheTTLSeconds: 3600,
		TimeoutSeconds:  5,
		FallbackEnabled: fallback != nil,
		FallbackModel:   "local-small",
	}, fallback, nil)
	policy := retry.DefaultPolicy()
	policy.Sleeper = func(context.Context, time.Duration) error { return nil }
	client.SetRetryPolicy(policy)
	return client
}

func chatHandler(t *testing.T, reply string, calls *atomic.Int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		require.Equal(t, "/chat/completions", r.URL.Path)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"` + reply + `"}}]}`))
	})
}

func TestQueryUsesConfiguredTierModel(t *testing.T) {
	client := newTestClient(t, chatHandler(t, "hello", nil), nil)

	resp, err := client.Query(context.Background(), llm.Request{
		Prompt: "describe the scene",
		Tier:   llm.TierStandard,
	})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Text)
	require.Equal(t, "qwen", resp.ModelUsed)
	require.False(t, resp.FallbackUsed)
}

func TestQueryServesRepeatsFromCache(t *testing.T) {
	var calls atomic.Int64
	client := newTestClient(t, chatHandler(t, "cached answer", &calls), nil)

	req := llm.Request{Prompt: "same prompt", Tier: llm.TierFast, IntelligenceLevel: "standard"}

	first, err := client.Query(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := client.Query(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, first.Text, second.Text)
	require.EqualValues(t, 1, calls.Load())
}

func TestQueryRejectsEmptyPrompt(t *testing.T) {
	client := newTestClient(t, chatHandler(t, "x", nil), nil)
	_, err := client.Query(context.Background(), llm.Request{Prompt: "  "})
	require.Error(t, err)
	require.Equal(t, services.KindValidation, services.Kind(err))
}

func TestQueryFallsBackToLocalInference(t *testing.T) {
	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	fallback := func(ctx context.Context, prompt string) (string, error) {
		return "local answer", nil
	}
	client := newTestClient(t, failing, fallback)

	resp, err := client.Query(context.Background(), llm.Request{
		Prompt: "plan the episode",
		Tier:   llm.TierAdvanced,
	})
	require.NoError(t, err)
	require.True(t, resp.FallbackUsed)
	require.Equal(t, "local-small", resp.ModelUsed)
	require.Equal(t, "local answer", resp.Text)
}
