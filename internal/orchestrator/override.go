package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"sakuga/internal/logging"
	"sakuga/internal/services"
	"sakuga/internal/store"
)

// Override actions accepted by OverridePhase.
const (
	OverrideSkip     = "skip"
	OverrideReset    = "reset"
	OverrideComplete = "complete"
)

// OverridePhase lets an operator force a phase transition outside the
// gate logic. skip and complete both finish the phase and insert its
// successor; reset returns a failed or blocked row to pending.
func (o *Orchestrator) OverridePhase(ctx context.Context, entityType store.EntityType, entityID int64, phase, action, reason string) error {
	if entityType != store.EntityCharacter && entityType != store.EntityProject {
		return services.Wrap(services.ErrValidation, "orchestrator", "override",
			fmt.Sprintf("unknown entity type %q", entityType), nil)
	}
	if !ValidPhase(entityType, phase) {
		return services.Wrap(services.ErrValidation, "orchestrator", "override",
			fmt.Sprintf("unknown phase %q for %s", phase, entityType), nil)
	}

	row, err := o.store.GetPipelineRow(ctx, entityType, entityID, phase)
	if err != nil {
		return err
	}
	if row == nil {
		return services.Wrap(services.ErrNotFound, "orchestrator", "override",
			"no pipeline row for that entity and phase", nil)
	}

	switch action {
	case OverrideSkip:
		if err := o.store.TransitionPhase(ctx, row.ID, store.PhaseSkipped, ""); err != nil {
			return err
		}
	case OverrideComplete:
		if err := o.advancePhase(ctx, row); err != nil {
			return err
		}
	case OverrideReset:
		if err := o.store.TransitionPhase(ctx, row.ID, store.PhasePending, ""); err != nil {
			return err
		}
	default:
		return services.Wrap(services.ErrValidation, "orchestrator", "override",
			fmt.Sprintf("unknown action %q", action), nil)
	}

	input, _ := json.Marshal(map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID,
		"phase":       phase,
		"action":      action,
	})
	_, auditErr := o.store.RecordDecision(ctx, &store.AuditDecision{
		DecisionType: "orchestrator_override",
		InputContext: string(input),
		DecisionMade: action + " " + phase,
		Confidence:   1,
		Reasoning:    reason,
		Outcome:      store.AuditOutcomeOK,
	})
	if auditErr != nil {
		o.logger.Error("audit override", logging.Error(auditErr))
	}
	return nil
}

// EntitySnapshot is one pipeline row in operator-facing form.
type EntitySnapshot struct {
	Phase         string         `json:"phase"`
	Status        string         `json:"status"`
	Progress      string         `json:"progress,omitempty"`
	BlockedReason string         `json:"blocked_reason,omitempty"`
	Gate          map[string]any `json:"gate,omitempty"`
}

// PipelineSnapshot groups a project's rows by entity key for the
// operator API.
func (o *Orchestrator) PipelineSnapshot(ctx context.Context, projectID int64) (map[string][]EntitySnapshot, error) {
	rows, err := o.store.PipelineRowsForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string][]EntitySnapshot)
	for _, row := range rows {
		entry := EntitySnapshot{
			Phase:         row.Phase,
			Status:        string(row.Status),
			BlockedReason: row.BlockedReason,
		}
		if row.ProgressTarget > 0 {
			entry.Progress = fmt.Sprintf("%d/%d", row.ProgressCurrent, row.ProgressTarget)
		}
		if row.GateResultJSON != "" {
			var gate map[string]any
			if err := json.Unmarshal([]byte(row.GateResultJSON), &gate); err == nil {
				entry.Gate = gate
			}
		}
		key := string(row.EntityType) + ":" + fmt.Sprint(row.EntityID)
		snapshot[key] = append(snapshot[key], entry)
	}
	return snapshot, nil
}

// Summary renders a human-readable state report for one project.
func (o *Orchestrator) Summary(ctx context.Context, projectID int64) (string, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	if project == nil {
		return "", services.Wrap(services.ErrNotFound, "orchestrator", "summary",
			"project not found", nil)
	}
	snapshot, err := o.PipelineSnapshot(ctx, projectID)
	if err != nil {
		return "", err
	}

	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "Project %s (id %d)\n", project.Name, projectID)
	for _, key := range keys {
		fmt.Fprintf(&b, "  %s\n", key)
		for _, entry := range snapshot[key] {
			line := fmt.Sprintf("    %-18s %s", entry.Phase, entry.Status)
			if entry.Progress != "" {
				line += " " + entry.Progress
			}
			if entry.BlockedReason != "" {
				line += " (" + entry.BlockedReason + ")"
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String(), nil
}
