package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sakuga/internal/services"
)

const generationColumns = `id, character_slug, project_name, kind, backend_job_id, checkpoint_model,
    cfg_scale, steps, sampler, width, height, seed, output_path,
    quality_score, character_match, clarity, training_value,
    solo, species_verified, status, rejection_categories,
    created_at, reviewed_at, generation_ms, correction_of, correction_depth`

// RecordGeneration inserts a new pending generation and returns it with
// its assigned identifier.
func (s *Store) RecordGeneration(ctx context.Context, gen *Generation) (*Generation, error) {
	if gen == nil || gen.CharacterSlug == "" {
		return nil, services.Wrap(services.ErrValidation, "store", "record generation", "character slug required", nil)
	}
	kind := gen.Kind
	if kind == "" {
		kind = KindImage
	}
	status := gen.Status
	if status == "" {
		status = ReviewPending
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO generations
            (character_slug, project_name, kind, backend_job_id, checkpoint_model,
             cfg_scale, steps, sampler, width, height, seed, output_path,
             quality_score, character_match, clarity, training_value,
             solo, species_verified, status, rejection_categories,
             created_at, reviewed_at, generation_ms, correction_of, correction_depth)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gen.CharacterSlug,
		gen.ProjectName,
		kind,
		nullableString(gen.BackendJobID),
		nullableString(gen.CheckpointModel),
		gen.CFGScale,
		gen.Steps,
		nullableString(gen.Sampler),
		gen.Width,
		gen.Height,
		gen.Seed,
		nullableString(gen.OutputPath),
		nullableFloat(gen.QualityScore),
		nullableFloat(gen.CharacterMatch),
		nullableFloat(gen.Clarity),
		nullableFloat(gen.TrainingValue),
		boolToInt(gen.Solo),
		boolToInt(gen.SpeciesVerified),
		status,
		nullableString(encodeCategories(gen.Categories)),
		timestamp(now),
		nullableTime(gen.ReviewedAt),
		gen.GenerationMS,
		nullableInt64(gen.CorrectionOf),
		gen.CorrectionDepth,
	)
	if err != nil {
		return nil, fmt.Errorf("insert generation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetGeneration(ctx, id)
}

// GetGeneration fetches a generation by identifier. Returns nil when absent.
func (s *Store) GetGeneration(ctx context.Context, id int64) (*Generation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = ?`, id)
	gen, err := scanGeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get generation: %w", err)
	}
	return gen, nil
}

// ReviewVerdict carries the scored outcome of a quality evaluation.
type ReviewVerdict struct {
	Status          ReviewStatus
	QualityScore    float64
	CharacterMatch  *float64
	Clarity         *float64
	TrainingValue   *float64
	Solo            bool
	SpeciesVerified bool
	Categories      []RejectionCategory
	Feedback        string
	NegativeTerms   string
	Source          string
	Auto            bool
	VisionPayload   string
}

// SettleReview records an approve or reject verdict for a pending
// generation in one transaction. Settling an already-settled record is a
// no-op so re-delivered review events stay idempotent.
func (s *Store) SettleReview(ctx context.Context, generationID int64, verdict ReviewVerdict) (*Generation, error) {
	if verdict.Status != ReviewApproved && verdict.Status != ReviewRejected {
		return nil, services.Wrap(services.ErrValidation, "store", "settle review",
			fmt.Sprintf("verdict status must be approved or rejected, got %q", verdict.Status), nil)
	}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var current string
		row := tx.QueryRowContext(ctx, `SELECT status FROM generations WHERE id = ?`, generationID)
		if err := row.Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return services.Wrap(services.ErrNotFound, "store", "settle review",
					fmt.Sprintf("generation %d not found", generationID), nil)
			}
			return fmt.Errorf("load generation status: %w", err)
		}
		if ReviewStatus(current) == ReviewApproved || ReviewStatus(current) == ReviewRejected {
			return nil
		}

		now := timestamp(time.Now())
		_, err := tx.ExecContext(
			ctx,
			`UPDATE generations SET
                status = ?, quality_score = ?, character_match = ?, clarity = ?, training_value = ?,
                solo = ?, species_verified = ?, rejection_categories = ?, reviewed_at = ?
             WHERE id = ?`,
			verdict.Status,
			verdict.QualityScore,
			nullableFloat(verdict.CharacterMatch),
			nullableFloat(verdict.Clarity),
			nullableFloat(verdict.TrainingValue),
			boolToInt(verdict.Solo),
			boolToInt(verdict.SpeciesVerified),
			nullableString(encodeCategories(verdict.Categories)),
			now,
			generationID,
		)
		if err != nil {
			return fmt.Errorf("update generation: %w", err)
		}

		var slug string
		if err := tx.QueryRowContext(ctx, `SELECT character_slug FROM generations WHERE id = ?`, generationID).Scan(&slug); err != nil {
			return fmt.Errorf("load generation slug: %w", err)
		}

		source := verdict.Source
		if source == "" {
			source = "vision"
		}
		switch verdict.Status {
		case ReviewApproved:
			_, err = tx.ExecContext(
				ctx,
				`INSERT INTO approvals (generation_id, character_slug, auto, vision_payload, created_at)
                 VALUES (?, ?, ?, ?, ?)`,
				generationID, slug, boolToInt(verdict.Auto), nullableString(verdict.VisionPayload), now,
			)
		case ReviewRejected:
			_, err = tx.ExecContext(
				ctx,
				`INSERT INTO rejections (generation_id, character_slug, categories, feedback, negative_terms, source, quality_score, created_at)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				generationID, slug, encodeCategories(verdict.Categories),
				nullableString(verdict.Feedback), nullableString(verdict.NegativeTerms),
				source, verdict.QualityScore, now,
			)
		}
		if err != nil {
			return fmt.Errorf("record verdict: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetGeneration(ctx, generationID)
}

// ApprovedCount returns how many approved training images a character has.
func (s *Store) ApprovedCount(ctx context.Context, slug string) (int, error) {
	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM generations WHERE character_slug = ? AND status = ? AND kind = ?`,
		slug, ReviewApproved, KindImage,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("approved count: %w", err)
	}
	return count, nil
}

// PendingCount returns unreviewed generations for a character.
func (s *Store) PendingCount(ctx context.Context, slug string) (int, error) {
	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM generations WHERE character_slug = ? AND status IN (?, ?)`,
		slug, ReviewPending, ReviewInReview,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return count, nil
}

// GeneratedSince counts generations a character started on or after the
// cutoff regardless of review outcome. The daily replenishment cap is
// enforced against this number.
func (s *Store) GeneratedSince(ctx context.Context, slug string, cutoff time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM generations WHERE character_slug = ? AND created_at >= ?`,
		slug, timestamp(cutoff),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("generated since: %w", err)
	}
	return count, nil
}

// RejectionStreak returns the length of the character's trailing run of
// consecutive rejections, counting backwards from the most recent settled
// review. An approval anywhere in the run resets the streak to zero.
func (s *Store) RejectionStreak(ctx context.Context, slug string) (int, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT status FROM generations
         WHERE character_slug = ? AND status IN (?, ?)
         ORDER BY reviewed_at DESC, id DESC`,
		slug, ReviewApproved, ReviewRejected,
	)
	if err != nil {
		return 0, fmt.Errorf("rejection streak: %w", err)
	}
	defer rows.Close()

	streak := 0
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, err
		}
		if ReviewStatus(status) != ReviewRejected {
			break
		}
		streak++
	}
	return streak, rows.Err()
}

// LastRejectionAt returns when the character's most recent rejection was
// recorded, or nil when none exists.
func (s *Store) LastRejectionAt(ctx context.Context, slug string) (*time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(
		ctx,
		`SELECT MAX(created_at) FROM rejections WHERE character_slug = ?`,
		slug,
	).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("last rejection at: %w", err)
	}
	return parseNullableTime(raw), nil
}

// CorrectionDepth returns the correction chain depth recorded for a
// generation. The root of a chain has depth zero.
func (s *Store) CorrectionDepth(ctx context.Context, generationID int64) (int, error) {
	var depth int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT correction_depth FROM generations WHERE id = ?`,
		generationID,
	).Scan(&depth)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, services.Wrap(services.ErrNotFound, "store", "correction depth",
			fmt.Sprintf("generation %d not found", generationID), nil)
	}
	if err != nil {
		return 0, fmt.Errorf("correction depth: %w", err)
	}
	return depth, nil
}

// GenerationsByCharacter returns a character's generations, newest first,
// optionally filtered by status. A zero limit means no limit.
func (s *Store) GenerationsByCharacter(ctx context.Context, slug string, status ReviewStatus, limit int) ([]*Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE character_slug = ?`
	args := []any{slug}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("generations by character: %w", err)
	}
	defer rows.Close()

	var generations []*Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		generations = append(generations, gen)
	}
	return generations, rows.Err()
}

// ApprovedSoloVerified returns approved generations eligible for shot
// sourcing: solo, species verified, with an output path on disk.
func (s *Store) ApprovedSoloVerified(ctx context.Context, slug string) ([]*Generation, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+generationColumns+` FROM generations
         WHERE character_slug = ? AND status = ? AND solo = 1 AND species_verified = 1
           AND output_path IS NOT NULL AND output_path != ''
         ORDER BY quality_score DESC, id`,
		slug, ReviewApproved,
	)
	if err != nil {
		return nil, fmt.Errorf("approved solo verified: %w", err)
	}
	defer rows.Close()

	var generations []*Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		generations = append(generations, gen)
	}
	return generations, rows.Err()
}

// RecentRejections returns the newest rejection rows for a character.
func (s *Store) RecentRejections(ctx context.Context, slug string, limit int) ([]*Rejection, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, generation_id, character_slug, categories, feedback, negative_terms, source, quality_score, created_at
         FROM rejections WHERE character_slug = ?
         ORDER BY created_at DESC, id DESC LIMIT ?`,
		slug, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent rejections: %w", err)
	}
	defer rows.Close()

	var rejections []*Rejection
	for rows.Next() {
		var (
			rejection  Rejection
			categories string
			feedback   sql.NullString
			negatives  sql.NullString
			score      sql.NullFloat64
			createdRaw string
		)
		if err := rows.Scan(
			&rejection.ID, &rejection.GenerationID, &rejection.CharacterSlug,
			&categories, &feedback, &negatives, &rejection.Source, &score, &createdRaw,
		); err != nil {
			return nil, err
		}
		rejection.Categories = decodeCategories(categories)
		rejection.Feedback = feedback.String
		rejection.NegativeTerms = negatives.String
		rejection.QualityScore = score.Float64
		if created, err := parseTimeString(createdRaw); err == nil {
			rejection.CreatedAt = created
		}
		rejections = append(rejections, &rejection)
	}
	return rejections, rows.Err()
}

func scanGeneration(scanner interface{ Scan(dest ...any) error }) (*Generation, error) {
	var (
		gen        Generation
		jobID      sql.NullString
		checkpoint sql.NullString
		cfg        sql.NullFloat64
		steps      sql.NullInt64
		sampler    sql.NullString
		width      sql.NullInt64
		height     sql.NullInt64
		seed       sql.NullInt64
		output     sql.NullString
		quality    sql.NullFloat64
		match      sql.NullFloat64
		clarity    sql.NullFloat64
		training   sql.NullFloat64
		solo       int
		verified   int
		categories sql.NullString
		createdRaw string
		reviewed   sql.NullString
		correction sql.NullInt64
	)
	if err := scanner.Scan(
		&gen.ID, &gen.CharacterSlug, &gen.ProjectName, &gen.Kind, &jobID, &checkpoint,
		&cfg, &steps, &sampler, &width, &height, &seed, &output,
		&quality, &match, &clarity, &training,
		&solo, &verified, &gen.Status, &categories,
		&createdRaw, &reviewed, &gen.GenerationMS, &correction, &gen.CorrectionDepth,
	); err != nil {
		return nil, err
	}
	gen.BackendJobID = jobID.String
	gen.CheckpointModel = checkpoint.String
	gen.CFGScale = cfg.Float64
	gen.Steps = int(steps.Int64)
	gen.Sampler = sampler.String
	gen.Width = int(width.Int64)
	gen.Height = int(height.Int64)
	gen.Seed = seed.Int64
	gen.OutputPath = output.String
	if quality.Valid {
		v := quality.Float64
		gen.QualityScore = &v
	}
	if match.Valid {
		v := match.Float64
		gen.CharacterMatch = &v
	}
	if clarity.Valid {
		v := clarity.Float64
		gen.Clarity = &v
	}
	if training.Valid {
		v := training.Float64
		gen.TrainingValue = &v
	}
	gen.Solo = solo != 0
	gen.SpeciesVerified = verified != 0
	gen.Categories = decodeCategories(strings.TrimSpace(categories.String))
	if created, err := parseTimeString(createdRaw); err == nil {
		gen.CreatedAt = created
	}
	gen.ReviewedAt = parseNullableTime(reviewed)
	if correction.Valid {
		v := correction.Int64
		gen.CorrectionOf = &v
	}
	return &gen, nil
}
