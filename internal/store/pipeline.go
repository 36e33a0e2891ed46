package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sakuga/internal/services"
)

const pipelineColumns = `id, entity_type, entity_id, project_id, phase, status,
    progress_current, progress_target, last_checked_at, started_at, completed_at,
    blocked_reason, gate_result`

// EnsurePipelineRow inserts a pipeline row if the (entity, phase) pair does
// not exist yet. Existing rows are left untouched so enrollment is idempotent.
func (s *Store) EnsurePipelineRow(ctx context.Context, row *PipelineRow) error {
	if row == nil || row.Phase == "" {
		return services.Wrap(services.ErrValidation, "store", "ensure pipeline row", "phase required", nil)
	}
	status := row.Status
	if status == "" {
		status = PhasePending
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pipeline
            (entity_type, entity_id, project_id, phase, status, progress_current, progress_target)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (entity_type, entity_id, phase) DO NOTHING`,
		row.EntityType, row.EntityID, row.ProjectID, row.Phase, status,
		row.ProgressCurrent, row.ProgressTarget,
	)
	if err != nil {
		return fmt.Errorf("ensure pipeline row: %w", err)
	}
	return nil
}

// GetPipelineRow fetches one row by its unique key. Returns nil when absent.
func (s *Store) GetPipelineRow(ctx context.Context, entityType EntityType, entityID int64, phase string) (*PipelineRow, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+pipelineColumns+` FROM pipeline WHERE entity_type = ? AND entity_id = ? AND phase = ?`,
		entityType, entityID, phase,
	)
	result, err := scanPipelineRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline row: %w", err)
	}
	return result, nil
}

// IncompletePipelineRows returns every row the tick loop must evaluate,
// grouped by project with character rows ahead of project rows so project
// gates observe their characters' freshly updated state.
func (s *Store) IncompletePipelineRows(ctx context.Context) ([]*PipelineRow, error) {
	statuses := IncompleteStatuses()
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, status)
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+pipelineColumns+` FROM pipeline
         WHERE status IN (`+makePlaceholders(len(statuses))+`)
         ORDER BY project_id,
                  CASE entity_type WHEN 'character' THEN 0 ELSE 1 END,
                  phase`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("incomplete pipeline rows: %w", err)
	}
	defer rows.Close()

	var result []*PipelineRow
	for rows.Next() {
		row, err := scanPipelineRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// PipelineRowsForEntity returns every phase row for one entity ordered by id.
func (s *Store) PipelineRowsForEntity(ctx context.Context, entityType EntityType, entityID int64) ([]*PipelineRow, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+pipelineColumns+` FROM pipeline WHERE entity_type = ? AND entity_id = ? ORDER BY id`,
		entityType, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline rows for entity: %w", err)
	}
	defer rows.Close()

	var result []*PipelineRow
	for rows.Next() {
		row, err := scanPipelineRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// PipelineRowsForProject returns all rows under a project for status output.
func (s *Store) PipelineRowsForProject(ctx context.Context, projectID int64) ([]*PipelineRow, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+pipelineColumns+` FROM pipeline WHERE project_id = ?
         ORDER BY CASE entity_type WHEN 'character' THEN 0 ELSE 1 END, entity_id, id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline rows for project: %w", err)
	}
	defer rows.Close()

	var result []*PipelineRow
	for rows.Next() {
		row, err := scanPipelineRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// TransitionPhase moves a row to the given status, maintaining the
// timestamp and blocked-reason bookkeeping for each state.
func (s *Store) TransitionPhase(ctx context.Context, id int64, status PhaseStatus, blockedReason string) error {
	now := timestamp(time.Now())
	var (
		query string
		args  []any
	)
	switch status {
	case PhaseActive:
		query = `UPDATE pipeline SET status = ?, blocked_reason = NULL, last_checked_at = ?,
                 started_at = COALESCE(started_at, ?) WHERE id = ?`
		args = []any{status, now, now, id}
	case PhaseBlocked:
		query = `UPDATE pipeline SET status = ?, blocked_reason = ?, last_checked_at = ? WHERE id = ?`
		args = []any{status, nullableString(blockedReason), now, id}
	case PhaseCompleted, PhaseSkipped:
		query = `UPDATE pipeline SET status = ?, blocked_reason = NULL, completed_at = ?, last_checked_at = ? WHERE id = ?`
		args = []any{status, now, now, id}
	case PhaseFailed:
		query = `UPDATE pipeline SET status = ?, blocked_reason = ?, last_checked_at = ? WHERE id = ?`
		args = []any{status, nullableString(blockedReason), now, id}
	case PhasePending:
		query = `UPDATE pipeline SET status = ?, blocked_reason = NULL, started_at = NULL,
                 completed_at = NULL, last_checked_at = ? WHERE id = ?`
		args = []any{status, now, id}
	default:
		return services.Wrap(services.ErrValidation, "store", "transition phase",
			fmt.Sprintf("unknown phase status %q", status), nil)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition phase: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return services.Wrap(services.ErrNotFound, "store", "transition phase",
			fmt.Sprintf("pipeline row %d not found", id), nil)
	}
	return nil
}

// UpdatePipelineProgress records the current/target counters for a row.
func (s *Store) UpdatePipelineProgress(ctx context.Context, id int64, current, target int) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline SET progress_current = ?, progress_target = ?, last_checked_at = ? WHERE id = ?`,
		current, target, timestamp(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("update pipeline progress: %w", err)
	}
	return nil
}

// SetGateResult stores the serialized gate evaluation for a row.
func (s *Store) SetGateResult(ctx context.Context, id int64, gateJSON string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline SET gate_result = ?, last_checked_at = ? WHERE id = ?`,
		nullableString(gateJSON), timestamp(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("set gate result: %w", err)
	}
	return nil
}

// AdvancePhase completes the current row and inserts the next phase as
// pending in one transaction. It is the only writer that creates
// next-phase rows, which keeps per-entity progression strictly ordered.
// An empty nextPhase completes the current row without a successor.
func (s *Store) AdvancePhase(ctx context.Context, rowID int64, nextPhase string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		current := tx.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipeline WHERE id = ?`, rowID)
		row, err := scanPipelineRow(current)
		if errors.Is(err, sql.ErrNoRows) {
			return services.Wrap(services.ErrNotFound, "store", "advance phase",
				fmt.Sprintf("pipeline row %d not found", rowID), nil)
		}
		if err != nil {
			return fmt.Errorf("load pipeline row: %w", err)
		}

		now := timestamp(time.Now())
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE pipeline SET status = ?, blocked_reason = NULL, completed_at = ?, last_checked_at = ? WHERE id = ?`,
			PhaseCompleted, now, now, rowID,
		); err != nil {
			return fmt.Errorf("complete phase: %w", err)
		}

		if nextPhase == "" {
			return nil
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO pipeline (entity_type, entity_id, project_id, phase, status)
             VALUES (?, ?, ?, ?, ?)
             ON CONFLICT (entity_type, entity_id, phase) DO NOTHING`,
			row.EntityType, row.EntityID, row.ProjectID, nextPhase, PhasePending,
		); err != nil {
			return fmt.Errorf("insert next phase: %w", err)
		}
		return nil
	})
}

// ReclaimStaleActive resets active rows whose last check predates the
// cutoff back to pending. Used at startup to recover rows orphaned by a
// crash mid-work.
func (s *Store) ReclaimStaleActive(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline SET status = ?, last_checked_at = ?
         WHERE status = ? AND (last_checked_at IS NULL OR last_checked_at < ?)`,
		PhasePending, timestamp(time.Now()), PhaseActive, timestamp(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale active: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

// CharactersReady reports whether every character enrolled under a project
// has completed its final phase.
func (s *Store) CharactersReady(ctx context.Context, projectID int64, finalPhase string) (bool, error) {
	var total, ready int
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM characters WHERE project_id = ?`,
		projectID,
	).Scan(&total); err != nil {
		return false, fmt.Errorf("count characters: %w", err)
	}
	if total == 0 {
		return false, nil
	}
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM pipeline
         WHERE project_id = ? AND entity_type = ? AND phase = ? AND status = ?`,
		projectID, EntityCharacter, finalPhase, PhaseCompleted,
	).Scan(&ready); err != nil {
		return false, fmt.Errorf("count ready characters: %w", err)
	}
	return ready >= total, nil
}

func scanPipelineRow(scanner interface{ Scan(dest ...any) error }) (*PipelineRow, error) {
	var (
		row       PipelineRow
		checked   sql.NullString
		started   sql.NullString
		completed sql.NullString
		blocked   sql.NullString
		gate      sql.NullString
	)
	if err := scanner.Scan(
		&row.ID, &row.EntityType, &row.EntityID, &row.ProjectID, &row.Phase, &row.Status,
		&row.ProgressCurrent, &row.ProgressTarget, &checked, &started, &completed,
		&blocked, &gate,
	); err != nil {
		return nil, err
	}
	row.LastCheckedAt = parseNullableTime(checked)
	row.StartedAt = parseNullableTime(started)
	row.CompletedAt = parseNullableTime(completed)
	row.BlockedReason = blocked.String
	row.GateResultJSON = gate.String
	return &row, nil
}
