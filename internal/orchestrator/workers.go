package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"sakuga/internal/assembly"
	"sakuga/internal/comfy"
	"sakuga/internal/config"
	"sakuga/internal/events"
	"sakuga/internal/gpu"
	"sakuga/internal/learning"
	"sakuga/internal/llm"
	"sakuga/internal/logging"
	"sakuga/internal/services"
	"sakuga/internal/store"
	"sakuga/internal/vision"
)

// ImageBackend is the subset of the generation client the workers use.
type ImageBackend interface {
	Submit(ctx context.Context, workflow json.RawMessage) (string, error)
	WaitForCompletion(ctx context.Context, jobID string) (comfy.WaitResult, error)
}

// Reviewer runs a vision review over a produced image.
type Reviewer interface {
	ReviewImage(ctx context.Context, imagePath, designPrompt string) (vision.Review, error)
}

// Planner answers scene-planning prompts.
type Planner interface {
	Query(ctx context.Context, req llm.Request) (llm.Response, error)
}

// Admitter gates work on accelerator availability.
type Admitter interface {
	Admit(ctx context.Context, kind gpu.TaskKind) (gpu.Admission, error)
}

// SceneAssembler is the subset of the assembly package the workers use.
type SceneAssembler interface {
	AssignShotSources(ctx context.Context, projectID int64) ([]assembly.Assignment, error)
	AssembleScene(ctx context.Context, sceneID int64) (string, error)
	AssembleEpisode(ctx context.Context, episodeID int64) (string, error)
}

// EpisodePublisher places an assembled episode into the media library.
type EpisodePublisher interface {
	PublishEpisode(ctx context.Context, episodeID int64) (string, error)
}

// PhaseWorkers performs the per-phase side-effects the scheduler
// dispatches. Every method is idempotent: re-invocation after a partial
// run resumes instead of duplicating work.
type PhaseWorkers struct {
	store     *store.Store
	backend   ImageBackend
	reviewer  Reviewer
	planner   Planner
	admitter  Admitter
	engine    *learning.Engine
	assembler SceneAssembler
	publisher EpisodePublisher
	bus       *events.Bus
	logger    *slog.Logger
	loraDir   string

	defaultCheckpoint string
	scenesPerProject  int
}

// NewPhaseWorkers wires the worker set.
func NewPhaseWorkers(
	cfg *config.Config,
	st *store.Store,
	backend ImageBackend,
	reviewer Reviewer,
	planner Planner,
	admitter Admitter,
	engine *learning.Engine,
	assembler SceneAssembler,
	publisher EpisodePublisher,
	bus *events.Bus,
	logger *slog.Logger,
) *PhaseWorkers {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &PhaseWorkers{
		store:            st,
		backend:          backend,
		reviewer:         reviewer,
		planner:          planner,
		admitter:         admitter,
		engine:           engine,
		assembler:        assembler,
		publisher:        publisher,
		bus:              bus,
		logger:           logging.NewComponentLogger(logger, "workers"),
		loraDir:          cfg.Paths.LoraDir,
		scenesPerProject: 6,
	}
}

// SetDefaultCheckpoint sets the checkpoint used when a project carries no
// style reference.
func (w *PhaseWorkers) SetDefaultCheckpoint(name string) {
	w.defaultCheckpoint = name
}

// Do dispatches one unit of work for the row's phase.
func (w *PhaseWorkers) Do(ctx context.Context, row *store.PipelineRow) error {
	switch row.Phase {
	case PhaseTrainingData:
		return w.doTrainingData(ctx, row)
	case PhaseLoraTraining:
		return w.doLoraTraining(ctx, row)
	case PhaseScenePlanning:
		return w.doScenePlanning(ctx, row)
	case PhaseShotPreparation:
		_, err := w.assembler.AssignShotSources(ctx, row.ProjectID)
		return err
	case PhaseVideoGeneration, PhaseSceneAssembly:
		return w.doVideoGeneration(ctx, row)
	case PhaseEpisodeAssembly:
		return w.doEpisodeAssembly(ctx, row)
	case PhasePublishing:
		return w.doPublishing(ctx, row)
	default:
		return services.Wrap(services.ErrValidation, "workers", "dispatch",
			fmt.Sprintf("no worker for phase %q", row.Phase), nil)
	}
}

// doTrainingData runs one generate-and-review cycle for the character.
func (w *PhaseWorkers) doTrainingData(ctx context.Context, row *store.PipelineRow) error {
	character, err := w.store.GetCharacter(ctx, row.EntityID)
	if err != nil {
		return err
	}
	if character == nil {
		return services.Wrap(services.ErrNotFound, "workers", "training data",
			fmt.Sprintf("character %d not found", row.EntityID), nil)
	}
	project, err := w.store.GetProject(ctx, row.ProjectID)
	if err != nil {
		return err
	}
	return w.GenerationCycle(ctx, character, project)
}

// GenerationCycle produces one training image for a character and runs
// it through vision review and the quality gates. It is also the cycle
// the replenishment loop dispatches.
func (w *PhaseWorkers) GenerationCycle(ctx context.Context, character *store.Character, project *store.Project) error {
	return w.runCycle(ctx, character, project, nil)
}

// CycleOverrides steers one generation cycle away from its defaults; the
// correction loop uses it to regenerate a rejected output.
type CycleOverrides struct {
	Params          learning.Recommendation
	ExtraNegatives  string
	Seed            int64
	CorrectionOf    int64
	CorrectionDepth int
}

// CorrectedCycle runs a generation cycle with correction overrides and
// links the new record to the rejected one.
func (w *PhaseWorkers) CorrectedCycle(ctx context.Context, character *store.Character, project *store.Project, overrides CycleOverrides) error {
	return w.runCycle(ctx, character, project, &overrides)
}

func (w *PhaseWorkers) runCycle(ctx context.Context, character *store.Character, project *store.Project, overrides *CycleOverrides) error {
	admission, err := w.admitter.Admit(ctx, gpu.TaskImageGeneration)
	if err != nil {
		return err
	}
	if !admission.Admitted {
		w.logger.Info("generation cycle skipped",
			logging.String(logging.FieldCharacter, character.Slug),
			logging.String("reason", admission.Reason))
		return nil
	}

	params, style, err := w.generationParams(ctx, character, project)
	if err != nil {
		return err
	}
	if overrides != nil {
		if overrides.Params.CFGScale > 0 {
			params.CFGScale = overrides.Params.CFGScale
			params.Steps = overrides.Params.Steps
			if overrides.Params.Sampler != "" {
				params.Sampler = overrides.Params.Sampler
			}
		}
		if overrides.ExtraNegatives != "" {
			if params.NegativePrompt != "" {
				params.NegativePrompt += ", "
			}
			params.NegativePrompt += overrides.ExtraNegatives
		}
		if overrides.Seed != 0 {
			params.Seed = overrides.Seed
		}
	}
	workflow, err := comfy.BuildImageWorkflow(params)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "workers", "generation cycle",
			"workflow build failed", err)
	}

	jobID, err := w.backend.Submit(ctx, workflow)
	if err != nil {
		return err
	}
	result, err := w.backend.WaitForCompletion(ctx, jobID)
	if err != nil {
		return err
	}
	if len(result.Outputs) == 0 {
		return services.Wrap(services.ErrIntegrity, "workers", "generation cycle",
			"backend completed without outputs", nil)
	}

	projectName := ""
	if project != nil {
		projectName = project.Name
	}
	record := &store.Generation{
		CharacterSlug:   character.Slug,
		ProjectName:     projectName,
		Kind:            store.KindImage,
		BackendJobID:    jobID,
		CheckpointModel: params.CheckpointModel,
		CFGScale:        params.CFGScale,
		Steps:           params.Steps,
		Sampler:         params.Sampler,
		Width:           params.Width,
		Height:          params.Height,
		Seed:            params.Seed,
		OutputPath:      result.Outputs[0],
		GenerationMS:    result.Elapsed.Milliseconds(),
	}
	if overrides != nil && overrides.CorrectionOf != 0 {
		record.CorrectionOf = &overrides.CorrectionOf
		record.CorrectionDepth = overrides.CorrectionDepth
	}
	gen, err := w.store.RecordGeneration(ctx, record)
	if err != nil {
		return err
	}
	if style != nil {
		w.logger.Debug("generation recorded",
			logging.Int64("generation_id", gen.ID),
			logging.String("style", style.Name))
	}

	review, err := w.reviewer.ReviewImage(ctx, gen.OutputPath, character.DesignPrompt)
	if err != nil {
		// The image is kept as pending so a later review pass or an
		// operator can settle it.
		w.logger.Warn("vision review failed",
			logging.Int64("generation_id", gen.ID),
			logging.Error(err))
		return nil
	}
	_, err = w.engine.EvaluateQuality(ctx, gen.ID, review)
	return err
}

// generationParams merges the project style, learned recommendations,
// and the character design prompt into one parameter set.
func (w *PhaseWorkers) generationParams(ctx context.Context, character *store.Character, project *store.Project) (comfy.GenerationParams, *store.GenerationStyle, error) {
	var style *store.GenerationStyle
	if project != nil && project.DefaultStyle != "" {
		var err error
		style, err = w.store.GetStyle(ctx, project.DefaultStyle)
		if err != nil {
			return comfy.GenerationParams{}, nil, err
		}
	}

	params := comfy.GenerationParams{
		PositivePrompt:  character.DesignPrompt,
		CheckpointModel: w.defaultCheckpoint,
		Seed:            randomSeed(),
	}
	if style != nil {
		if style.BaseModel != "" {
			params.CheckpointModel = style.BaseModel
		}
		params.CFGScale = style.CFGScale
		params.Steps = style.Steps
		params.Sampler = style.Sampler
		params.Scheduler = style.Scheduler
		params.Width = style.Width
		params.Height = style.Height
		params.NegativePrompt = style.NegativeTemplate
		if style.PositiveTemplate != "" {
			params.PositivePrompt = strings.ReplaceAll(style.PositiveTemplate, "{prompt}", character.DesignPrompt)
		}
	}
	if params.CheckpointModel == "" {
		return comfy.GenerationParams{}, nil, services.Wrap(services.ErrConfiguration, "workers", "generation params",
			"no checkpoint model configured for "+character.Slug, nil)
	}

	projectName := ""
	if project != nil {
		projectName = project.Name
	}
	recommendation, err := w.engine.RecommendParams(ctx, character.Slug, projectName, params.CheckpointModel)
	if err != nil {
		return comfy.GenerationParams{}, nil, err
	}
	if recommendation.SampleCount > 0 && recommendation.CFGScale > 0 {
		params.CFGScale = recommendation.CFGScale
		params.Steps = recommendation.Steps
		if recommendation.Sampler != "" {
			params.Sampler = recommendation.Sampler
		}
	}
	if recommendation.LearnedNegatives != "" {
		if params.NegativePrompt != "" {
			params.NegativePrompt += ", "
		}
		params.NegativePrompt += recommendation.LearnedNegatives
	}
	return params, style, nil
}

// doLoraTraining hands the character off to the external trainer. The
// queue marker keeps re-invocations from enqueueing twice; the gate
// advances the phase once the model file shows up.
func (w *PhaseWorkers) doLoraTraining(ctx context.Context, row *store.PipelineRow) error {
	character, err := w.store.GetCharacter(ctx, row.EntityID)
	if err != nil {
		return err
	}
	if character == nil {
		return services.Wrap(services.ErrNotFound, "workers", "lora training",
			fmt.Sprintf("character %d not found", row.EntityID), nil)
	}

	images, err := w.store.ApprovedSoloVerified(ctx, character.Slug)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return services.Wrap(services.ErrIntegrity, "workers", "lora training",
			"no approved images to train on", nil)
	}

	enqueued, err := w.enqueueTraining(character, images)
	if err != nil {
		return err
	}
	if enqueued {
		w.bus.Emit(events.TrainingStarted, events.Payload{
			"character_slug": character.Slug,
			"project_id":     row.ProjectID,
			"image_count":    len(images),
		})
	}
	return nil
}

// doScenePlanning asks the planner for scene stubs and persists them.
// A project that already has scenes is left alone.
func (w *PhaseWorkers) doScenePlanning(ctx context.Context, row *store.PipelineRow) error {
	existing, err := w.store.ScenesByProject(ctx, row.ProjectID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	project, err := w.store.GetProject(ctx, row.ProjectID)
	if err != nil {
		return err
	}
	if project == nil {
		return services.Wrap(services.ErrNotFound, "workers", "scene planning",
			fmt.Sprintf("project %d not found", row.ProjectID), nil)
	}
	characters, err := w.store.CharactersByProject(ctx, row.ProjectID)
	if err != nil {
		return err
	}

	response, err := w.planner.Query(ctx, llm.Request{
		Prompt:            scenePlanPrompt(project, characters, w.scenesPerProject),
		Context:           project.Premise,
		Tier:              llm.TierAdvanced,
		IntelligenceLevel: "high",
	})
	if err != nil {
		return err
	}
	plan, err := parseScenePlan(response.Text)
	if err != nil {
		return services.Wrap(services.ErrIntegrity, "workers", "scene planning",
			"planner returned an unusable scene plan", err)
	}

	for i, stub := range plan.Scenes {
		scene, err := w.store.CreateScene(ctx, &store.Scene{
			ProjectID:   row.ProjectID,
			Seq:         i + 1,
			Title:       stub.Title,
			Description: stub.Description,
		})
		if err != nil {
			return err
		}
		for j, shot := range stub.SuggestedShots {
			if _, err := w.store.CreateShot(ctx, &store.Shot{
				SceneID:           scene.ID,
				ProjectID:         row.ProjectID,
				Seq:               j + 1,
				ShotType:          shot.ShotType,
				CharactersPresent: shot.Characters,
				Prompt:            shot.Prompt,
			}); err != nil {
				return err
			}
		}
	}

	w.bus.Emit(events.ScenePlanningComplete, events.Payload{
		"project_id":  row.ProjectID,
		"scene_count": len(plan.Scenes),
		"model_used":  response.ModelUsed,
	})
	return nil
}

// doVideoGeneration renders the first unrendered scene: every shot in
// order, then the crossfaded scene cut. Only one scene is in flight at a
// time; the backend admission gate serializes renders across projects.
func (w *PhaseWorkers) doVideoGeneration(ctx context.Context, row *store.PipelineRow) error {
	scene, err := w.store.NextUnrenderedScene(ctx, row.ProjectID)
	if err != nil {
		return err
	}
	if scene == nil {
		return nil
	}

	shots, err := w.store.ShotsByScene(ctx, scene.ID)
	if err != nil {
		return err
	}
	for _, shot := range shots {
		if shot.OutputVideoPath != "" {
			continue
		}
		if err := w.renderShot(ctx, shot); err != nil {
			return err
		}
	}

	if _, err := w.assembler.AssembleScene(ctx, scene.ID); err != nil {
		return err
	}
	w.bus.Emit(events.SceneReady, events.Payload{
		"project_id": row.ProjectID,
		"scene_id":   scene.ID,
		"scene_seq":  scene.Seq,
	})
	return nil
}

func (w *PhaseWorkers) renderShot(ctx context.Context, shot *store.Shot) error {
	if shot.SourceImagePath == "" {
		return services.Wrap(services.ErrIntegrity, "workers", "render shot",
			fmt.Sprintf("shot %d has no source image", shot.ID), nil)
	}
	admission, err := w.admitter.Admit(ctx, gpu.TaskVideoGeneration)
	if err != nil {
		return err
	}
	if !admission.Admitted {
		return services.Wrap(services.ErrResourceExhausted, "workers", "render shot",
			"video backend not admitted: "+admission.Reason, nil)
	}

	workflow, err := comfy.BuildVideoWorkflow(shot.SourceImagePath, shot.Prompt, comfy.GenerationParams{
		Seed: randomSeed(),
	})
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "workers", "render shot",
			"video workflow build failed", err)
	}
	jobID, err := w.backend.Submit(ctx, workflow)
	if err != nil {
		return err
	}
	result, err := w.backend.WaitForCompletion(ctx, jobID)
	if err != nil {
		return err
	}
	if len(result.Outputs) == 0 {
		return services.Wrap(services.ErrIntegrity, "workers", "render shot",
			"backend completed without outputs", nil)
	}
	return w.store.SetShotOutput(ctx, shot.ID, result.Outputs[0], store.ShotCompleted)
}

// doEpisodeAssembly concatenates scene videos into episode files. A
// project without episode rows gets a single episode covering all scenes.
func (w *PhaseWorkers) doEpisodeAssembly(ctx context.Context, row *store.PipelineRow) error {
	episodes, err := w.store.EpisodesByProject(ctx, row.ProjectID)
	if err != nil {
		return err
	}
	if len(episodes) == 0 {
		project, err := w.store.GetProject(ctx, row.ProjectID)
		if err != nil {
			return err
		}
		title := "Episode 1"
		if project != nil && project.Name != "" {
			title = project.Name + " Episode 1"
		}
		episode, err := w.store.CreateEpisode(ctx, &store.Episode{
			ProjectID: row.ProjectID,
			Seq:       1,
			Title:     title,
		})
		if err != nil {
			return err
		}
		scenes, err := w.store.ScenesByProject(ctx, row.ProjectID)
		if err != nil {
			return err
		}
		for _, scene := range scenes {
			if scene.EpisodeID == nil {
				if err := w.store.AttachSceneToEpisode(ctx, scene.ID, episode.ID); err != nil {
					return err
				}
			}
		}
		episodes = []*store.Episode{episode}
	}

	for _, episode := range episodes {
		if episode.FinalVideoPath != "" {
			continue
		}
		path, err := w.assembler.AssembleEpisode(ctx, episode.ID)
		if err != nil {
			return err
		}
		w.bus.Emit(events.EpisodeAssembled, events.Payload{
			"project_id":  row.ProjectID,
			"episode_id":  episode.ID,
			"episode_seq": episode.Seq,
			"video_path":  path,
		})
	}
	return nil
}

// doPublishing pushes every assembled, unpublished episode into the
// media library.
func (w *PhaseWorkers) doPublishing(ctx context.Context, row *store.PipelineRow) error {
	episodes, err := w.store.EpisodesByProject(ctx, row.ProjectID)
	if err != nil {
		return err
	}
	for _, episode := range episodes {
		if episode.Status != store.EpisodeAssembled {
			continue
		}
		libraryPath, err := w.publisher.PublishEpisode(ctx, episode.ID)
		if err != nil {
			return err
		}
		w.bus.Emit(events.EpisodePublished, events.Payload{
			"project_id":   row.ProjectID,
			"episode_id":   episode.ID,
			"episode_seq":  episode.Seq,
			"library_path": libraryPath,
		})
	}
	return nil
}
