package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"sakuga/internal/store"
)

// GateResult is the outcome of one phase-gate evaluation.
type GateResult struct {
	Passed       bool           `json:"passed"`
	ActionNeeded bool           `json:"action_needed"`
	Metrics      map[string]any `json:"metrics,omitempty"`
}

func gateDone() GateResult {
	return GateResult{Passed: true}
}

func gateWorking(metrics map[string]any) GateResult {
	return GateResult{ActionNeeded: true, Metrics: metrics}
}

// evaluateGate dispatches to the predicate for the row's phase. Unknown
// phases report neither passed nor action so the row sits still for an
// operator to inspect.
func (o *Orchestrator) evaluateGate(ctx context.Context, row *store.PipelineRow) (GateResult, error) {
	switch row.Phase {
	case PhaseTrainingData:
		return o.gateTrainingData(ctx, row)
	case PhaseLoraTraining:
		return o.gateLoraTraining(ctx, row)
	case PhaseReady:
		return gateDone(), nil
	case PhaseScenePlanning:
		return o.gateScenePlanning(ctx, row)
	case PhaseShotPreparation:
		return o.gateShotPreparation(ctx, row)
	case PhaseVideoGeneration:
		return o.gateVideoGeneration(ctx, row)
	case PhaseSceneAssembly:
		return o.gateSceneAssembly(ctx, row)
	case PhaseEpisodeAssembly:
		return o.gateEpisodeAssembly(ctx, row)
	case PhasePublishing:
		return o.gatePublishing(ctx, row)
	default:
		return GateResult{}, fmt.Errorf("unknown phase %q", row.Phase)
	}
}

func (o *Orchestrator) gateTrainingData(ctx context.Context, row *store.PipelineRow) (GateResult, error) {
	character, err := o.store.GetCharacter(ctx, row.EntityID)
	if err != nil || character == nil {
		return GateResult{}, fmt.Errorf("load character %d: %w", row.EntityID, err)
	}
	approved, err := o.store.ApprovedCount(ctx, character.Slug)
	if err != nil {
		return GateResult{}, err
	}
	target := o.TrainingTarget()
	metrics := map[string]any{"approved": approved, "target": target}

	if err := o.store.UpdatePipelineProgress(ctx, row.ID, approved, target); err != nil {
		return GateResult{}, err
	}
	if approved >= target {
		return GateResult{Passed: true, Metrics: metrics}, nil
	}
	return gateWorking(metrics), nil
}

// gateLoraTraining passes when a trained model file exists on disk for the
// character, under either the SD1.5 or the SDXL filename convention.
func (o *Orchestrator) gateLoraTraining(ctx context.Context, row *store.PipelineRow) (GateResult, error) {
	character, err := o.store.GetCharacter(ctx, row.EntityID)
	if err != nil || character == nil {
		return GateResult{}, fmt.Errorf("load character %d: %w", row.EntityID, err)
	}
	for _, name := range []string{
		character.Slug + ".safetensors",
		character.Slug + "_sdxl.safetensors",
	} {
		path := filepath.Join(o.loraDir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return GateResult{Passed: true, Metrics: map[string]any{"model_file": path}}, nil
		}
	}
	return gateWorking(map[string]any{"model_file": ""}), nil
}

func (o *Orchestrator) gateScenePlanning(ctx context.Context, row *store.PipelineRow) (GateResult, error) {
	scenes, err := o.store.ScenesByProject(ctx, row.ProjectID)
	if err != nil {
		return GateResult{}, err
	}
	metrics := map[string]any{"scenes": len(scenes)}
	if len(scenes) > 0 {
		return GateResult{Passed: true, Metrics: metrics}, nil
	}
	return gateWorking(metrics), nil
}

func (o *Orchestrator) gateShotPreparation(ctx context.Context, row *store.PipelineRow) (GateResult, error) {
	readiness, err := o.store.ShotReadinessForProject(ctx, row.ProjectID)
	if err != nil {
		return GateResult{}, err
	}
	metrics := map[string]any{"shots": readiness.Total, "sourced": readiness.Sourced}
	if readiness.Total > 0 && readiness.Sourced == readiness.Total {
		return GateResult{Passed: true, Metrics: metrics}, nil
	}
	return gateWorking(metrics), nil
}

func (o *Orchestrator) gateVideoGeneration(ctx context.Context, row *store.PipelineRow) (GateResult, error) {
	readiness, err := o.store.ShotReadinessForProject(ctx, row.ProjectID)
	if err != nil {
		return GateResult{}, err
	}
	metrics := map[string]any{"shots": readiness.Total, "rendered": readiness.Rendered}
	if readiness.Total > 0 && readiness.Rendered == readiness.Total {
		return GateResult{Passed: true, Metrics: metrics}, nil
	}
	return gateWorking(metrics), nil
}

func (o *Orchestrator) gateSceneAssembly(ctx context.Context, row *store.PipelineRow) (GateResult, error) {
	scenes, err := o.store.ScenesByProject(ctx, row.ProjectID)
	if err != nil {
		return GateResult{}, err
	}
	assembled := 0
	for _, scene := range scenes {
		if scene.FinalVideoPath != "" {
			assembled++
		}
	}
	metrics := map[string]any{"scenes": len(scenes), "assembled": assembled}
	if len(scenes) > 0 && assembled == len(scenes) {
		return GateResult{Passed: true, Metrics: metrics}, nil
	}
	return gateWorking(metrics), nil
}

func (o *Orchestrator) gateEpisodeAssembly(ctx context.Context, row *store.PipelineRow) (GateResult, error) {
	episodes, err := o.store.EpisodesByProject(ctx, row.ProjectID)
	if err != nil {
		return GateResult{}, err
	}
	assembled := 0
	for _, episode := range episodes {
		if episode.FinalVideoPath != "" {
			assembled++
		}
	}
	metrics := map[string]any{"episodes": len(episodes), "assembled": assembled}
	if len(episodes) > 0 && assembled == len(episodes) {
		return GateResult{Passed: true, Metrics: metrics}, nil
	}
	return gateWorking(metrics), nil
}

func (o *Orchestrator) gatePublishing(ctx context.Context, row *store.PipelineRow) (GateResult, error) {
	episodes, err := o.store.EpisodesByProject(ctx, row.ProjectID)
	if err != nil {
		return GateResult{}, err
	}
	published := 0
	for _, episode := range episodes {
		if episode.Status == store.EpisodePublished {
			published++
		}
	}
	metrics := map[string]any{"episodes": len(episodes), "published": published}
	if len(episodes) > 0 && published == len(episodes) {
		return GateResult{Passed: true, Metrics: metrics}, nil
	}
	return gateWorking(metrics), nil
}
