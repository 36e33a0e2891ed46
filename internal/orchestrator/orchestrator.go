package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sakuga/internal/config"
	"sakuga/internal/events"
	"sakuga/internal/logging"
	"sakuga/internal/services"
	"sakuga/internal/store"
)

const blockedWaitingForLoras = "Waiting for all character LoRAs"

// Worker performs the side-effects for one phase when its gate needs
// action. Workers are idempotent: the tick re-dispatches until the gate
// passes, so repeated invocations must not duplicate side-effects.
type Worker interface {
	Do(ctx context.Context, row *store.PipelineRow) error
}

// Orchestrator is the tick-driven pipeline scheduler.
type Orchestrator struct {
	store   *store.Store
	bus     *events.Bus
	worker  Worker
	logger  *slog.Logger
	loraDir string

	tickInterval time.Duration

	mu             sync.Mutex
	enabled        bool
	trainingTarget int
	tasks          map[string]*workTask

	wg sync.WaitGroup
}

type workTask struct {
	done bool
}

// New builds the scheduler.
func New(cfg *config.Config, st *store.Store, bus *events.Bus, worker Worker, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	interval := time.Duration(cfg.Orchestrator.TickIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	target := cfg.Orchestrator.TrainingTarget
	if target < 0 {
		target = 0
	}
	return &Orchestrator{
		store:          st,
		bus:            bus,
		worker:         worker,
		logger:         logging.NewComponentLogger(logger, "orchestrator"),
		loraDir:        cfg.Paths.LoraDir,
		tickInterval:   interval,
		enabled:        cfg.Orchestrator.Enabled,
		trainingTarget: target,
		tasks:          make(map[string]*workTask),
	}
}

// Enable gates the tick loop and work dispatch. Running workers drain.
func (o *Orchestrator) Enable(enabled bool) {
	o.mu.Lock()
	o.enabled = enabled
	o.mu.Unlock()
}

// Enabled reports the toggle state.
func (o *Orchestrator) Enabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enabled
}

// SetTrainingTarget updates the approved-image target for character
// admission gates.
func (o *Orchestrator) SetTrainingTarget(target int) error {
	if target < 0 {
		return services.Wrap(services.ErrValidation, "orchestrator", "set training target",
			"target must not be negative", nil)
	}
	o.mu.Lock()
	o.trainingTarget = target
	o.mu.Unlock()
	return nil
}

// TrainingTarget returns the current approved-image target.
func (o *Orchestrator) TrainingTarget() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.trainingTarget
}

// Run drives the tick loop until ctx is cancelled, then waits for
// in-flight workers to drain.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			return
		case <-ticker.C:
			if o.Enabled() {
				o.Tick(ctx)
			}
		}
	}
}

// InitializeProject enrolls a project and its characters into the
// pipeline. The operation is idempotent: re-running inserts no duplicate
// rows. Later phases are never pre-inserted.
func (o *Orchestrator) InitializeProject(ctx context.Context, projectID int64, trainingTarget int) error {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project == nil {
		return services.Wrap(services.ErrNotFound, "orchestrator", "initialize",
			"project not found", nil)
	}
	characters, err := o.store.CharactersByProject(ctx, projectID)
	if err != nil {
		return err
	}
	withPrompt := make([]*store.Character, 0, len(characters))
	for _, character := range characters {
		if strings.TrimSpace(character.DesignPrompt) != "" {
			withPrompt = append(withPrompt, character)
		}
	}
	if len(withPrompt) == 0 {
		return services.Wrap(services.ErrValidation, "orchestrator", "initialize",
			"project needs at least one character with a design prompt", nil)
	}

	if trainingTarget > 0 {
		if err := o.SetTrainingTarget(trainingTarget); err != nil {
			return err
		}
	}

	for _, character := range withPrompt {
		err := o.store.EnsurePipelineRow(ctx, &store.PipelineRow{
			EntityType:     store.EntityCharacter,
			EntityID:       character.ID,
			ProjectID:      projectID,
			Phase:          PhaseTrainingData,
			ProgressTarget: o.TrainingTarget(),
		})
		if err != nil {
			return err
		}
	}
	err = o.store.EnsurePipelineRow(ctx, &store.PipelineRow{
		EntityType: store.EntityProject,
		EntityID:   projectID,
		ProjectID:  projectID,
		Phase:      PhaseScenePlanning,
	})
	if err != nil {
		return err
	}

	input, _ := json.Marshal(map[string]any{
		"project_id":      projectID,
		"characters":      len(withPrompt),
		"training_target": o.TrainingTarget(),
	})
	_, auditErr := o.store.RecordDecision(ctx, &store.AuditDecision{
		DecisionType: "orchestrator_init",
		ProjectName:  project.Name,
		InputContext: string(input),
		DecisionMade: "enrolled",
		Confidence:   1,
		Reasoning:    "project admitted into the pipeline",
		Outcome:      store.AuditOutcomeOK,
	})
	if auditErr != nil {
		o.logger.Error("audit init", logging.Error(auditErr))
	}
	return nil
}

// Tick runs one synchronous evaluation pass over every incomplete
// pipeline row. Evaluation failures are logged, never propagated, so one
// broken row cannot stall the loop.
func (o *Orchestrator) Tick(ctx context.Context) {
	rows, err := o.store.IncompletePipelineRows(ctx)
	if err != nil {
		o.logger.Error("read pipeline rows", logging.Error(err))
		return
	}
	for _, row := range rows {
		if err := o.evaluateEntry(ctx, row); err != nil {
			o.logger.Error("evaluate pipeline row",
				logging.String(logging.FieldEntity, row.Key()),
				logging.Error(err))
		}
	}
}

func (o *Orchestrator) evaluateEntry(ctx context.Context, row *store.PipelineRow) error {
	// Project phases wait for every character LoRA before anything runs.
	if row.EntityType == store.EntityProject {
		ready, err := o.store.CharactersReady(ctx, row.ProjectID, PhaseReady)
		if err != nil {
			return err
		}
		if !ready {
			if row.Status != store.PhaseBlocked {
				if err := o.store.TransitionPhase(ctx, row.ID, store.PhaseBlocked, blockedWaitingForLoras); err != nil {
					return err
				}
			}
			return nil
		}
		if row.Status == store.PhaseBlocked && row.BlockedReason == blockedWaitingForLoras {
			if err := o.store.TransitionPhase(ctx, row.ID, store.PhasePending, ""); err != nil {
				return err
			}
			row.Status = store.PhasePending
		}
	}

	gate, err := o.evaluateGate(ctx, row)
	if err != nil {
		return err
	}
	if gateJSON, err := json.Marshal(gate); err == nil {
		if err := o.store.SetGateResult(ctx, row.ID, string(gateJSON)); err != nil {
			return err
		}
	}

	// Failed rows never advance on their own; an operator override is the
	// only way forward. Re-dispatch is still allowed when the gate wants it.
	if gate.Passed && row.Status != store.PhaseFailed {
		return o.advancePhase(ctx, row)
	}
	if gate.ActionNeeded {
		o.dispatchWork(ctx, row)
	}
	return nil
}

// advancePhase completes the row, inserts its successor, and announces
// the transition. It is idempotent; a second call on a completed row
// changes nothing.
func (o *Orchestrator) advancePhase(ctx context.Context, row *store.PipelineRow) error {
	nextPhase := NextPhase(row.EntityType, row.Phase)
	if err := o.store.AdvancePhase(ctx, row.ID, nextPhase); err != nil {
		return err
	}

	input, _ := json.Marshal(map[string]any{
		"completed_phase": row.Phase,
		"next_phase":      nextPhase,
	})
	_, auditErr := o.store.RecordDecision(ctx, &store.AuditDecision{
		DecisionType: "orchestrator_phase_advanced",
		InputContext: string(input),
		DecisionMade: row.Phase + " completed",
		Confidence:   1,
		Reasoning:    "gate passed",
		Outcome:      store.AuditOutcomeOK,
	})
	if auditErr != nil {
		o.logger.Error("audit phase advance", logging.Error(auditErr))
	}

	o.bus.Emit(events.PipelinePhaseAdvanced, events.Payload{
		"entity_type":     string(row.EntityType),
		"entity_id":       row.EntityID,
		"project_id":      row.ProjectID,
		"completed_phase": row.Phase,
		"next_phase":      nextPhase,
	})
	if row.EntityType == store.EntityCharacter && row.Phase == PhaseLoraTraining {
		if character, err := o.store.GetCharacter(ctx, row.EntityID); err == nil && character != nil {
			o.bus.Emit(events.TrainingComplete, events.Payload{
				"character_slug": character.Slug,
				"project_id":     row.ProjectID,
			})
		}
	}
	o.logger.Info("phase advanced",
		logging.String(logging.FieldEntity, row.Key()),
		logging.String("next_phase", nextPhase))
	return nil
}

// dispatchWork spawns the phase worker unless one is already running for
// the row's key. At most one active worker exists per key.
func (o *Orchestrator) dispatchWork(ctx context.Context, row *store.PipelineRow) {
	if !o.Enabled() {
		return
	}
	key := row.Key()

	o.mu.Lock()
	if task, running := o.tasks[key]; running && !task.done {
		o.mu.Unlock()
		return
	}
	task := &workTask{}
	o.tasks[key] = task
	o.mu.Unlock()

	if row.Status != store.PhaseActive {
		if err := o.store.TransitionPhase(ctx, row.ID, store.PhaseActive, ""); err != nil {
			o.logger.Error("activate pipeline row", logging.Error(err))
		}
	}

	// In-flight work drains on shutdown rather than aborting: the worker
	// context drops cancellation, and the adapters' own request timeouts
	// bound how long the drain can take.
	rowCopy := *row
	workCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			task.done = true
			o.mu.Unlock()
		}()
		if err := o.worker.Do(workCtx, &rowCopy); err != nil {
			reason := services.TruncateReason(err, 240)
			o.logger.Error("worker failed",
				logging.String(logging.FieldEntity, key),
				logging.String(logging.FieldPhase, rowCopy.Phase),
				logging.Error(err))
			if ferr := o.store.TransitionPhase(workCtx, rowCopy.ID, store.PhaseFailed, reason); ferr != nil {
				o.logger.Error("mark row failed", logging.Error(ferr))
			}
		}
	}()
}

// WaitForWorkers blocks until every dispatched worker returns. Tests and
// shutdown use it.
func (o *Orchestrator) WaitForWorkers() {
	o.wg.Wait()
}
