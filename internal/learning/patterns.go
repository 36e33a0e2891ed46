package learning

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"sakuga/internal/logging"
	"sakuga/internal/store"
)

// RejectionPattern counts how often one category was cited for a character.
type RejectionPattern struct {
	Category store.RejectionCategory `json:"category"`
	Count    int                     `json:"count"`
	AvgScore float64                 `json:"avg_score"`
}

// RejectionPatterns aggregates a character's rejection categories over the
// analysis window, most frequent first. It never fails; on error it logs
// and returns an empty slice.
func (e *Engine) RejectionPatterns(ctx context.Context, slug string, limit int) []RejectionPattern {
	if limit <= 0 {
		limit = 10
	}
	cutoff := analysisCutoff()

	rows, err := e.store.DB().QueryContext(
		ctx,
		`SELECT categories, quality_score FROM rejections
         WHERE character_slug = ? AND created_at >= ?`,
		slug, cutoff,
	)
	if err != nil {
		e.logger.Error("rejection patterns query", logging.Error(err))
		return nil
	}
	defer rows.Close()

	counts := make(map[store.RejectionCategory]int)
	scoreSums := make(map[store.RejectionCategory]float64)
	for rows.Next() {
		var (
			encoded string
			score   sql.NullFloat64
		)
		if err := rows.Scan(&encoded, &score); err != nil {
			e.logger.Error("rejection patterns scan", logging.Error(err))
			return nil
		}
		for _, category := range store.DecodeRejectionCategories(encoded) {
			counts[category]++
			scoreSums[category] += score.Float64
		}
	}
	if err := rows.Err(); err != nil {
		e.logger.Error("rejection patterns rows", logging.Error(err))
		return nil
	}

	patterns := make([]RejectionPattern, 0, len(counts))
	for category, count := range counts {
		patterns = append(patterns, RejectionPattern{
			Category: category,
			Count:    count,
			AvgScore: scoreSums[category] / float64(count),
		})
	}
	sortPatterns(patterns)
	if len(patterns) > limit {
		patterns = patterns[:limit]
	}
	return patterns
}

// CheckpointRanking scores one checkpoint model across a project.
type CheckpointRanking struct {
	CheckpointModel string  `json:"checkpoint_model"`
	Generations     int     `json:"generations"`
	Approvals       int     `json:"approvals"`
	ApprovalRate    float64 `json:"approval_rate"`
	AvgQuality      float64 `json:"avg_quality"`
}

// CheckpointRankings ranks checkpoint models used in a project over the
// analysis window by approval rate, then average quality. It never fails.
func (e *Engine) CheckpointRankings(ctx context.Context, projectName string) []CheckpointRanking {
	rows, err := e.store.DB().QueryContext(
		ctx,
		`SELECT checkpoint_model,
                COUNT(1),
                SUM(CASE WHEN status = 'approved' THEN 1 ELSE 0 END),
                AVG(COALESCE(quality_score, 0))
         FROM generations
         WHERE project_name = ? AND created_at >= ?
           AND checkpoint_model IS NOT NULL AND checkpoint_model != ''
         GROUP BY checkpoint_model`,
		projectName, analysisCutoff(),
	)
	if err != nil {
		e.logger.Error("checkpoint rankings query", logging.Error(err))
		return nil
	}
	defer rows.Close()

	var rankings []CheckpointRanking
	for rows.Next() {
		var ranking CheckpointRanking
		if err := rows.Scan(&ranking.CheckpointModel, &ranking.Generations, &ranking.Approvals, &ranking.AvgQuality); err != nil {
			e.logger.Error("checkpoint rankings scan", logging.Error(err))
			return nil
		}
		if ranking.Generations > 0 {
			ranking.ApprovalRate = float64(ranking.Approvals) / float64(ranking.Generations)
		}
		rankings = append(rankings, ranking)
	}
	if err := rows.Err(); err != nil {
		e.logger.Error("checkpoint rankings rows", logging.Error(err))
		return nil
	}
	sortRankings(rankings)
	return rankings
}

// TrendPoint is one day's average quality.
type TrendPoint struct {
	Day        string  `json:"day"`
	Count      int     `json:"count"`
	AvgQuality float64 `json:"avg_quality"`
}

// QualityTrend returns per-day average quality for a character or project
// over the last days. Exactly one of characterSlug or projectName should
// be set. It never fails.
func (e *Engine) QualityTrend(ctx context.Context, characterSlug, projectName string, days int) []TrendPoint {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339Nano)

	query := `SELECT substr(created_at, 1, 10) AS day, COUNT(1), AVG(quality_score)
              FROM generations
              WHERE quality_score IS NOT NULL AND created_at >= ?`
	args := []any{cutoff}
	if characterSlug != "" {
		query += ` AND character_slug = ?`
		args = append(args, characterSlug)
	} else if projectName != "" {
		query += ` AND project_name = ?`
		args = append(args, projectName)
	}
	query += ` GROUP BY day ORDER BY day`

	rows, err := e.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		e.logger.Error("quality trend query", logging.Error(err))
		return nil
	}
	defer rows.Close()

	var points []TrendPoint
	for rows.Next() {
		var point TrendPoint
		if err := rows.Scan(&point.Day, &point.Count, &point.AvgQuality); err != nil {
			e.logger.Error("quality trend scan", logging.Error(err))
			return nil
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		e.logger.Error("quality trend rows", logging.Error(err))
		return nil
	}
	return points
}

// Stats is the engine-wide aggregate snapshot.
type Stats struct {
	TotalGenerations int     `json:"total_generations"`
	Approved         int     `json:"approved"`
	Rejected         int     `json:"rejected"`
	InReview         int     `json:"in_review"`
	AvgQuality       float64 `json:"avg_quality"`
	PatternRows      int     `json:"pattern_rows"`
	CharactersSeen   int     `json:"characters_seen"`
}

// LearningStats summarizes the whole history. It never fails; on error it
// logs and returns zero values.
func (e *Engine) LearningStats(ctx context.Context) Stats {
	var (
		stats Stats
		avg   sql.NullFloat64
	)
	err := e.store.DB().QueryRowContext(
		ctx,
		`SELECT COUNT(1),
                SUM(CASE WHEN status = 'approved' THEN 1 ELSE 0 END),
                SUM(CASE WHEN status = 'rejected' THEN 1 ELSE 0 END),
                SUM(CASE WHEN status = 'in_review' THEN 1 ELSE 0 END),
                AVG(quality_score),
                COUNT(DISTINCT character_slug)
         FROM generations`,
	).Scan(&stats.TotalGenerations, &nullCount{&stats.Approved}, &nullCount{&stats.Rejected},
		&nullCount{&stats.InReview}, &avg, &stats.CharactersSeen)
	if err != nil {
		e.logger.Error("learning stats query", logging.Error(err))
		return Stats{}
	}
	stats.AvgQuality = avg.Float64

	if err := e.store.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM learned_patterns`).Scan(&stats.PatternRows); err != nil {
		e.logger.Error("learning stats patterns", logging.Error(err))
	}
	return stats
}

// RecordLearnedPattern upserts one aggregation row keyed by
// (character slug, pattern type, checkpoint model): frequency increments,
// the average folds in the new quality, and the CFG and step ranges widen
// to cover the new sample.
func (e *Engine) RecordLearnedPattern(ctx context.Context, slug string, patternType store.PatternType, checkpointModel string, quality, cfgScale float64, steps int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := e.store.DB().ExecContext(
		ctx,
		`INSERT INTO learned_patterns
            (character_slug, pattern_type, checkpoint_model, avg_quality, frequency,
             cfg_min, cfg_max, steps_min, steps_max, updated_at)
         VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
         ON CONFLICT (character_slug, pattern_type, checkpoint_model) DO UPDATE SET
            avg_quality = (learned_patterns.avg_quality * learned_patterns.frequency + excluded.avg_quality)
                          / (learned_patterns.frequency + 1),
            frequency = learned_patterns.frequency + 1,
            cfg_min = MIN(learned_patterns.cfg_min, excluded.cfg_min),
            cfg_max = MAX(learned_patterns.cfg_max, excluded.cfg_max),
            steps_min = MIN(learned_patterns.steps_min, excluded.steps_min),
            steps_max = MAX(learned_patterns.steps_max, excluded.steps_max),
            updated_at = excluded.updated_at`,
		slug, patternType, checkpointModel, quality,
		cfgScale, cfgScale, steps, steps, now,
	)
	if err != nil {
		return fmt.Errorf("record learned pattern: %w", err)
	}
	return nil
}

// LearnedPattern reads one aggregation row back.
func (e *Engine) LearnedPattern(ctx context.Context, slug string, patternType store.PatternType, checkpointModel string) (*store.LearnedPattern, error) {
	row := e.store.DB().QueryRowContext(
		ctx,
		`SELECT id, character_slug, pattern_type, checkpoint_model, avg_quality, frequency,
                COALESCE(cfg_min, 0), COALESCE(cfg_max, 0),
                COALESCE(steps_min, 0), COALESCE(steps_max, 0), updated_at
         FROM learned_patterns
         WHERE character_slug = ? AND pattern_type = ? AND checkpoint_model = ?`,
		slug, patternType, checkpointModel,
	)
	var (
		pattern    store.LearnedPattern
		updatedRaw string
	)
	err := row.Scan(
		&pattern.ID, &pattern.CharacterSlug, &pattern.PatternType, &pattern.CheckpointModel,
		&pattern.AvgQuality, &pattern.Frequency,
		&pattern.CFGMin, &pattern.CFGMax, &pattern.StepsMin, &pattern.StepsMax, &updatedRaw,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load learned pattern: %w", err)
	}
	if updated, err := time.Parse(time.RFC3339Nano, updatedRaw); err == nil {
		pattern.UpdatedAt = updated
	}
	return &pattern, nil
}

func analysisCutoff() string {
	return time.Now().UTC().AddDate(0, 0, -analysisWindowDays).Format(time.RFC3339Nano)
}

func sortPatterns(patterns []RejectionPattern) {
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Category < patterns[j].Category
	})
}

func sortRankings(rankings []CheckpointRanking) {
	sort.Slice(rankings, func(i, j int) bool {
		if rankings[i].ApprovalRate != rankings[j].ApprovalRate {
			return rankings[i].ApprovalRate > rankings[j].ApprovalRate
		}
		return rankings[i].AvgQuality > rankings[j].AvgQuality
	})
}

// nullCount scans a possibly NULL SUM() into an int.
type nullCount struct {
	dest *int
}

func (n *nullCount) Scan(value any) error {
	if value == nil {
		*n.dest = 0
		return nil
	}
	switch v := value.(type) {
	case int64:
		*n.dest = int(v)
	case float64:
		*n.dest = int(v)
	default:
		return fmt.Errorf("unsupported count type %T", value)
	}
	return nil
}
