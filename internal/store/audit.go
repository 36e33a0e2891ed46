package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"sakuga/internal/services"
)

// Audit outcome values.
const (
	AuditOutcomePending = "pending"
	AuditOutcomeOK      = "ok"
	AuditOutcomeFailed  = "failed"
)

// RecordDecision appends one autonomous-decision record and returns its id.
func (s *Store) RecordDecision(ctx context.Context, decision *AuditDecision) (int64, error) {
	if decision == nil || strings.TrimSpace(decision.DecisionType) == "" {
		return 0, services.Wrap(services.ErrValidation, "store", "record decision", "decision type required", nil)
	}
	outcome := decision.Outcome
	if outcome == "" {
		outcome = AuditOutcomePending
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO audit_decisions
            (decision_type, character_slug, project_name, input_context, decision_made, confidence, reasoning, outcome, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		decision.DecisionType,
		nullableString(decision.CharacterSlug),
		nullableString(decision.ProjectName),
		nullableString(decision.InputContext),
		decision.DecisionMade,
		decision.Confidence,
		nullableString(decision.Reasoning),
		outcome,
		timestamp(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert audit decision: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// SettleDecision records the eventual outcome of a pending decision.
func (s *Store) SettleDecision(ctx context.Context, id int64, outcome string) error {
	if outcome != AuditOutcomeOK && outcome != AuditOutcomeFailed {
		return services.Wrap(services.ErrValidation, "store", "settle decision",
			fmt.Sprintf("outcome must be ok or failed, got %q", outcome), nil)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE audit_decisions SET outcome = ? WHERE id = ? AND outcome = ?`,
		outcome, id, AuditOutcomePending,
	)
	if err != nil {
		return fmt.Errorf("settle decision: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return services.Wrap(services.ErrNotFound, "store", "settle decision",
			fmt.Sprintf("pending audit decision %d not found", id), nil)
	}
	return nil
}

// RecentDecisions returns the newest audit records, optionally filtered by
// decision type.
func (s *Store) RecentDecisions(ctx context.Context, decisionType string, limit int) ([]*AuditDecision, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, decision_type, character_slug, project_name, input_context,
                     decision_made, confidence, reasoning, outcome, created_at
              FROM audit_decisions`
	args := []any{}
	if decisionType != "" {
		query += ` WHERE decision_type = ?`
		args = append(args, decisionType)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*AuditDecision
	for rows.Next() {
		var (
			decision   AuditDecision
			slug       sql.NullString
			project    sql.NullString
			input      sql.NullString
			reasoning  sql.NullString
			createdRaw string
		)
		if err := rows.Scan(
			&decision.ID, &decision.DecisionType, &slug, &project, &input,
			&decision.DecisionMade, &decision.Confidence, &reasoning, &decision.Outcome, &createdRaw,
		); err != nil {
			return nil, err
		}
		decision.CharacterSlug = slug.String
		decision.ProjectName = project.String
		decision.InputContext = input.String
		decision.Reasoning = reasoning.String
		if created, err := parseTimeString(createdRaw); err == nil {
			decision.CreatedAt = created
		}
		decisions = append(decisions, &decision)
	}
	return decisions, rows.Err()
}

// DecisionStats summarizes audit outcomes per decision type.
type DecisionStats struct {
	DecisionType string
	Total        int
	OK           int
	Failed       int
	Pending      int
	AvgConf      float64
}

// DecisionSummary aggregates audit outcomes grouped by decision type.
func (s *Store) DecisionSummary(ctx context.Context) ([]DecisionStats, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT decision_type,
                COUNT(1),
                SUM(CASE WHEN outcome = 'ok' THEN 1 ELSE 0 END),
                SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END),
                SUM(CASE WHEN outcome = 'pending' THEN 1 ELSE 0 END),
                AVG(confidence)
         FROM audit_decisions GROUP BY decision_type ORDER BY decision_type`,
	)
	if err != nil {
		return nil, fmt.Errorf("decision summary: %w", err)
	}
	defer rows.Close()

	var stats []DecisionStats
	for rows.Next() {
		var (
			entry DecisionStats
			avg   sql.NullFloat64
		)
		if err := rows.Scan(&entry.DecisionType, &entry.Total, &entry.OK, &entry.Failed, &entry.Pending, &avg); err != nil {
			return nil, err
		}
		entry.AvgConf = avg.Float64
		stats = append(stats, entry)
	}
	return stats, rows.Err()
}
