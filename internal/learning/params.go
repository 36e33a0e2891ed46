package learning

import (
	"context"
	"fmt"
	"sort"

	"sakuga/internal/store"
)

// Params is the parameter suggestion derived from successful history.
type Params struct {
	SampleCount int     `json:"sample_count"`
	AvgQuality  float64 `json:"avg_quality"`
	CFGScale    float64 `json:"cfg_scale"`
	Steps       int     `json:"steps"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Sampler     string  `json:"sampler,omitempty"`
}

// Recommendation extends Params with a confidence tier and the learned
// negative-prompt additions.
type Recommendation struct {
	Params
	Confidence       Confidence `json:"confidence"`
	LearnedNegatives string     `json:"learned_negatives,omitempty"`
}

type successSample struct {
	quality float64
	cfg     float64
	steps   int
	width   int
	height  int
	sampler string
}

// SuggestParams returns median parameters from the character's successful
// generations, or nil when history is too thin.
func (e *Engine) SuggestParams(ctx context.Context, slug string) (*Params, error) {
	samples, err := e.successSamples(ctx, slug, "", "")
	if err != nil {
		return nil, err
	}
	if len(samples) < e.minSamples {
		return nil, nil
	}
	params := summarize(samples)
	return &params, nil
}

// RecommendParams is SuggestParams plus a confidence tier and learned
// negatives. When checkpointModel is set, history is filtered to that
// model so recommendations never mix architectures.
func (e *Engine) RecommendParams(ctx context.Context, slug, projectName, checkpointModel string) (Recommendation, error) {
	samples, err := e.successSamples(ctx, slug, projectName, checkpointModel)
	if err != nil {
		return Recommendation{}, err
	}

	recommendation := Recommendation{Confidence: e.confidence(len(samples))}
	if len(samples) >= e.minSamples {
		recommendation.Params = summarize(samples)
	} else {
		recommendation.SampleCount = len(samples)
	}

	recommendation.LearnedNegatives = e.learnedNegatives(ctx, slug)
	return recommendation, nil
}

func (e *Engine) successSamples(ctx context.Context, slug, projectName, checkpointModel string) ([]successSample, error) {
	query := `SELECT quality_score, cfg_scale, steps, width, height, COALESCE(sampler, '')
              FROM generations
              WHERE character_slug = ? AND quality_score >= ?
                AND cfg_scale IS NOT NULL AND steps IS NOT NULL`
	args := []any{slug, e.successThreshold}
	if projectName != "" {
		query += ` AND project_name = ?`
		args = append(args, projectName)
	}
	if checkpointModel != "" {
		query += ` AND checkpoint_model = ?`
		args = append(args, checkpointModel)
	}
	query += ` ORDER BY created_at`

	rows, err := e.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query success samples: %w", err)
	}
	defer rows.Close()

	var samples []successSample
	for rows.Next() {
		var sample successSample
		if err := rows.Scan(&sample.quality, &sample.cfg, &sample.steps, &sample.width, &sample.height, &sample.sampler); err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// learnedNegatives builds the negative-prompt string from categories the
// character was rejected for at least twice in the analysis window.
func (e *Engine) learnedNegatives(ctx context.Context, slug string) string {
	var categories []store.RejectionCategory
	for _, pattern := range e.RejectionPatterns(ctx, slug, 0) {
		if pattern.Count >= 2 {
			categories = append(categories, pattern.Category)
		}
	}
	return NegativeTermsFor(categories)
}

func summarize(samples []successSample) Params {
	params := Params{SampleCount: len(samples)}

	var totalQuality float64
	cfgs := make([]float64, 0, len(samples))
	steps := make([]int, 0, len(samples))
	widths := make([]int, 0, len(samples))
	heights := make([]int, 0, len(samples))
	samplerScores := make(map[string][]float64)
	for _, sample := range samples {
		totalQuality += sample.quality
		cfgs = append(cfgs, sample.cfg)
		steps = append(steps, sample.steps)
		widths = append(widths, sample.width)
		heights = append(heights, sample.height)
		if sample.sampler != "" {
			samplerScores[sample.sampler] = append(samplerScores[sample.sampler], sample.quality)
		}
	}
	params.AvgQuality = totalQuality / float64(len(samples))
	params.CFGScale = medianFloat(cfgs)
	params.Steps = medianInt(steps)
	params.Width = medianInt(widths)
	params.Height = medianInt(heights)

	// A sampler needs at least three successful uses to be recommended.
	bestAvg := -1.0
	for sampler, scores := range samplerScores {
		if len(scores) < 3 {
			continue
		}
		var sum float64
		for _, score := range scores {
			sum += score
		}
		avg := sum / float64(len(scores))
		if avg > bestAvg || (avg == bestAvg && sampler < params.Sampler) {
			bestAvg = avg
			params.Sampler = sampler
		}
	}
	return params
}

func medianFloat(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func medianInt(values []int) int {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int(nil), values...)
	sort.Ints(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
