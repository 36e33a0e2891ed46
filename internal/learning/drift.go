package learning

import (
	"context"
	"sort"

	"sakuga/internal/logging"
)

const driftMargin = 0.10

// DriftAlert flags a character whose recent quality fell behind.
type DriftAlert struct {
	CharacterSlug string  `json:"character_slug"`
	RecentAvg     float64 `json:"recent_avg"`
	OverallAvg    float64 `json:"overall_avg"`
	Drift         float64 `json:"drift"`
	SampleCount   int     `json:"sample_count"`
}

// DetectDrift compares each character's recent quality window against its
// lifetime average. Characters drift when the recent average falls more
// than the margin below overall, or under the absolute alert threshold.
// Scope by characterSlug or projectName; both empty means all characters.
// Results are sorted most negative drift first. It never fails.
func (e *Engine) DetectDrift(ctx context.Context, characterSlug, projectName string) []DriftAlert {
	slugs := e.driftScope(ctx, characterSlug, projectName)

	var alerts []DriftAlert
	for _, slug := range slugs {
		alert, ok := e.driftForCharacter(ctx, slug)
		if ok {
			alerts = append(alerts, alert)
		}
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].Drift < alerts[j].Drift
	})
	return alerts
}

func (e *Engine) driftScope(ctx context.Context, characterSlug, projectName string) []string {
	if characterSlug != "" {
		return []string{characterSlug}
	}
	query := `SELECT DISTINCT character_slug FROM generations WHERE quality_score IS NOT NULL`
	args := []any{}
	if projectName != "" {
		query += ` AND project_name = ?`
		args = append(args, projectName)
	}

	rows, err := e.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		e.logger.Error("drift scope query", logging.Error(err))
		return nil
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			e.logger.Error("drift scope scan", logging.Error(err))
			return nil
		}
		slugs = append(slugs, slug)
	}
	return slugs
}

func (e *Engine) driftForCharacter(ctx context.Context, slug string) (DriftAlert, bool) {
	var (
		overallAvg float64
		total      int
	)
	err := e.store.DB().QueryRowContext(
		ctx,
		`SELECT AVG(quality_score), COUNT(1) FROM generations
         WHERE character_slug = ? AND quality_score IS NOT NULL`,
		slug,
	).Scan(&overallAvg, &total)
	if err != nil || total == 0 {
		if err != nil {
			e.logger.Error("drift overall query", logging.Error(err))
		}
		return DriftAlert{}, false
	}

	var (
		recentAvg float64
		recent    int
	)
	err = e.store.DB().QueryRowContext(
		ctx,
		`SELECT AVG(quality_score), COUNT(1) FROM (
            SELECT quality_score FROM generations
            WHERE character_slug = ? AND quality_score IS NOT NULL
            ORDER BY created_at DESC, id DESC LIMIT ?
         )`,
		slug, e.driftWindow,
	).Scan(&recentAvg, &recent)
	if err != nil || recent == 0 {
		if err != nil {
			e.logger.Error("drift recent query", logging.Error(err))
		}
		return DriftAlert{}, false
	}

	if recentAvg >= overallAvg-driftMargin && recentAvg >= e.driftThreshold {
		return DriftAlert{}, false
	}
	return DriftAlert{
		CharacterSlug: slug,
		RecentAvg:     recentAvg,
		OverallAvg:    overallAvg,
		Drift:         recentAvg - overallAvg,
		SampleCount:   recent,
	}, true
}
