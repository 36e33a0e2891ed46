package llm

import (
	"sync"
	"time"
)

const (
	rollingWindow      = 100
	minCallsToExclude  = 3
	minSuccessRate     = 0.7
	successRateWeight  = 0.7
	responseTimeWeight = 0.3
)

type callSample struct {
	ok      bool
	elapsed time.Duration
}

// scoreboard keeps a rolling window of call outcomes per model and ranks
// candidates by success rate and speed.
type scoreboard struct {
	mu      sync.Mutex
	history map[string][]callSample
}

func newScoreboard() *scoreboard {
	return &scoreboard{history: make(map[string][]callSample)}
}

func (s *scoreboard) record(model string, ok bool, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	samples := append(s.history[model], callSample{ok: ok, elapsed: elapsed})
	if len(samples) > rollingWindow {
		samples = samples[len(samples)-rollingWindow:]
	}
	s.history[model] = samples
}

// ModelStats summarizes one model's rolling window.
type ModelStats struct {
	Model       string  `json:"model"`
	Calls       int     `json:"calls"`
	SuccessRate float64 `json:"success_rate"`
	AvgTimeSecs float64 `json:"avg_time_seconds"`
	Score       float64 `json:"score"`
}

func (s *scoreboard) stats(model string) ModelStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked(model)
}

func (s *scoreboard) statsLocked(model string) ModelStats {
	samples := s.history[model]
	stats := ModelStats{Model: model, Calls: len(samples)}
	if len(samples) == 0 {
		// Untried models score as perfect so they get a first chance.
		stats.SuccessRate = 1
		stats.Score = successRateWeight + responseTimeWeight
		return stats
	}
	var (
		successes int
		totalSecs float64
	)
	for _, sample := range samples {
		if sample.ok {
			successes++
		}
		totalSecs += sample.elapsed.Seconds()
	}
	stats.SuccessRate = float64(successes) / float64(len(samples))
	stats.AvgTimeSecs = totalSecs / float64(len(samples))
	stats.Score = stats.SuccessRate*successRateWeight + (1/(stats.AvgTimeSecs+1))*responseTimeWeight
	return stats
}

// pick returns the best-scoring candidate, excluding models whose success
// rate dropped under the floor across at least minCallsToExclude calls.
// When every candidate is excluded the first is returned so the tier is
// never left without a model.
func (s *scoreboard) pick(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	best := ""
	bestScore := -1.0
	for _, model := range candidates {
		stats := s.statsLocked(model)
		if stats.Calls >= minCallsToExclude && stats.SuccessRate < minSuccessRate {
			continue
		}
		if stats.Score > bestScore {
			best = model
			bestScore = stats.Score
		}
	}
	if best == "" {
		best = candidates[0]
	}
	return best
}

func (s *scoreboard) snapshot() []ModelStats {
	s.mu.Lock()
	models := make([]string, 0, len(s.history))
	for model := range s.history {
		models = append(models, model)
	}
	s.mu.Unlock()

	stats := make([]ModelStats, 0, len(models))
	for _, model := range models {
		stats = append(stats, s.stats(model))
	}
	return stats
}
