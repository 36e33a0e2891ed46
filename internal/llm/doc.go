// Package llm is the adapter for the dialogue language-model service.
// It selects a model per tier from rolling success statistics, caches
// responses, and falls back to local inference when the primary fails.
package llm
