package orchestrator_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sakuga/internal/assembly"
	"sakuga/internal/comfy"
	"sakuga/internal/events"
	"sakuga/internal/gpu"
	"sakuga/internal/learning"
	"sakuga/internal/llm"
	"sakuga/internal/orchestrator"
	"sakuga/internal/store"
	"sakuga/internal/testsupport"
	"sakuga/internal/vision"
)

type stubBackend struct {
	submitted []json.RawMessage
	outputs   []string
	fail      error
}

func (b *stubBackend) Submit(ctx context.Context, workflow json.RawMessage) (string, error) {
	if b.fail != nil {
		return "", b.fail
	}
	b.submitted = append(b.submitted, workflow)
	return "job-1", nil
}

func (b *stubBackend) WaitForCompletion(ctx context.Context, jobID string) (comfy.WaitResult, error) {
	return comfy.WaitResult{
		Status:  comfy.StatusCompleted,
		Outputs: b.outputs,
		Elapsed: 1200 * time.Millisecond,
	}, nil
}

type stubReviewer struct {
	review vision.Review
	calls  int
	fail   error
}

func (r *stubReviewer) ReviewImage(ctx context.Context, imagePath, designPrompt string) (vision.Review, error) {
	r.calls++
	if r.fail != nil {
		return vision.Review{}, r.fail
	}
	return r.review, nil
}

type stubPlanner struct {
	text string
}

func (p *stubPlanner) Query(ctx context.Context, req llm.Request) (llm.Response, error) {
	return llm.Response{Text: p.text, ModelUsed: "planner-test"}, nil
}

type stubAdmitter struct {
	admitted bool
	reason   string
}

func (a *stubAdmitter) Admit(ctx context.Context, kind gpu.TaskKind) (gpu.Admission, error) {
	return gpu.Admission{Admitted: a.admitted, Reason: a.reason, Device: gpu.Route(kind)}, nil
}

type stubPublisher struct {
	published []int64
	store     *store.Store
}

func (p *stubPublisher) PublishEpisode(ctx context.Context, episodeID int64) (string, error) {
	p.published = append(p.published, episodeID)
	if err := p.store.MarkEpisodePublished(ctx, episodeID); err != nil {
		return "", err
	}
	return "/library/ep.mp4", nil
}

type workerFixture struct {
	store     *store.Store
	bus       *events.Bus
	backend   *stubBackend
	reviewer  *stubReviewer
	planner   *stubPlanner
	admitter  *stubAdmitter
	publisher *stubPublisher
	assembler *assembly.Assembler
	workers   *orchestrator.PhaseWorkers
	project   *store.Project
	character *store.Character
}

const testPlanJSON = `{"scenes":[
  {"title":"Arrival","description":"Yuki reaches the shrine",
   "suggested_shots":[
     {"shot_type":"establishing","characters":["yuki"],"prompt":"shrine gate at dusk"},
     {"shot_type":"close_up","characters":["yuki"],"prompt":"yuki looks up"}]},
  {"title":"Descent","description":"The storm breaks",
   "suggested_shots":[
     {"shot_type":"wide","characters":["yuki"],"prompt":"rain over the valley"}]}
]}`

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(nil)
	engine := learning.NewEngine(cfg, st, bus, nil)
	backend := &stubBackend{outputs: []string{filepath.Join(t.TempDir(), "out.png")}}
	reviewer := &stubReviewer{review: vision.Review{
		QualityScore: 0.9, CharacterMatch: 0.9, Clarity: 0.9, TrainingValue: 0.9,
		Solo: true, SpeciesVerified: true,
	}}
	planner := &stubPlanner{text: testPlanJSON}
	admitter := &stubAdmitter{admitted: true}
	publisher := &stubPublisher{store: st}
	assembler := assembly.NewAssembler(cfg, st, nil)
	assembler.WithCommandRunner(fakeFfmpeg)

	workers := orchestrator.NewPhaseWorkers(
		cfg, st, backend, reviewer, planner, admitter, engine, assembler, publisher, bus, nil)
	workers.SetDefaultCheckpoint("anime_v1.safetensors")

	ctx := context.Background()
	project, err := st.CreateProject(ctx, &store.Project{
		Name: "moonfall", Genre: "fantasy", Premise: "a shrine maiden and a storm spirit",
	})
	require.NoError(t, err)
	character, err := st.CreateCharacter(ctx, &store.Character{
		ProjectID: project.ID, Slug: "yuki", DesignPrompt: "1girl, silver hair, shrine maiden",
	})
	require.NoError(t, err)

	return &workerFixture{
		store: st, bus: bus, backend: backend, reviewer: reviewer, planner: planner,
		admitter: admitter, publisher: publisher, assembler: assembler,
		workers: workers, project: project, character: character,
	}
}

// fakeFfmpeg materializes whatever output file the argument list names.
func fakeFfmpeg(ctx context.Context, name string, args ...string) error {
	out := args[len(args)-1]
	return os.WriteFile(out, []byte("video"), 0o644)
}

func TestGenerationCycleRecordsAndSettlesReview(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.workers.GenerationCycle(ctx, f.character, f.project))

	gens, err := f.store.GenerationsByCharacter(ctx, "yuki", "", 10)
	require.NoError(t, err)
	require.Len(t, gens, 1)
	require.Equal(t, store.ReviewApproved, gens[0].Status)
	require.Equal(t, "job-1", gens[0].BackendJobID)
	require.Equal(t, "anime_v1.safetensors", gens[0].CheckpointModel)
	require.NotZero(t, gens[0].Seed)
	require.Equal(t, 1, f.reviewer.calls)
}

func TestGenerationCycleSkipsWhenNotAdmitted(t *testing.T) {
	f := newWorkerFixture(t)
	f.admitter.admitted = false
	f.admitter.reason = "backend busy"
	ctx := context.Background()

	require.NoError(t, f.workers.GenerationCycle(ctx, f.character, f.project))

	gens, err := f.store.GenerationsByCharacter(ctx, "yuki", "", 10)
	require.NoError(t, err)
	require.Empty(t, gens)
}

func TestGenerationCycleKeepsRecordWhenReviewFails(t *testing.T) {
	f := newWorkerFixture(t)
	f.reviewer.fail = os.ErrDeadlineExceeded
	ctx := context.Background()

	require.NoError(t, f.workers.GenerationCycle(ctx, f.character, f.project))

	gens, err := f.store.GenerationsByCharacter(ctx, "yuki", "", 10)
	require.NoError(t, err)
	require.Len(t, gens, 1)
	require.Equal(t, store.ReviewPending, gens[0].Status)
}

func TestScenePlanningInsertsScenesAndShotsOnce(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	row := &store.PipelineRow{
		EntityType: store.EntityProject, EntityID: f.project.ID,
		ProjectID: f.project.ID, Phase: "scene_planning",
	}

	done := make(chan events.Payload, 1)
	f.bus.Subscribe(events.ScenePlanningComplete, func(p events.Payload) { done <- p })

	require.NoError(t, f.workers.Do(ctx, row))
	f.bus.Drain()

	scenes, err := f.store.ScenesByProject(ctx, f.project.ID)
	require.NoError(t, err)
	require.Len(t, scenes, 2)
	shots, err := f.store.ShotsByScene(ctx, scenes[0].ID)
	require.NoError(t, err)
	require.Len(t, shots, 2)
	require.Equal(t, []string{"yuki"}, shots[0].CharactersPresent)

	payload := <-done
	require.EqualValues(t, 2, payload["scene_count"])

	// Re-dispatch plans nothing new.
	require.NoError(t, f.workers.Do(ctx, row))
	scenes, err = f.store.ScenesByProject(ctx, f.project.ID)
	require.NoError(t, err)
	require.Len(t, scenes, 2)
}

func TestLoraTrainingEnqueuesOnceAndEmits(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.workers.GenerationCycle(ctx, f.character, f.project))

	row := &store.PipelineRow{
		EntityType: store.EntityCharacter, EntityID: f.character.ID,
		ProjectID: f.project.ID, Phase: "lora_training",
	}
	started := make(chan events.Payload, 2)
	f.bus.Subscribe(events.TrainingStarted, func(p events.Payload) { started <- p })

	require.NoError(t, f.workers.Do(ctx, row))
	f.bus.Drain()
	require.Len(t, started, 1)
	payload := <-started
	require.Equal(t, "yuki", payload["character_slug"])

	// Second dispatch finds the queue marker and stays silent.
	require.NoError(t, f.workers.Do(ctx, row))
	f.bus.Drain()
	require.Empty(t, started)
}

func TestVideoGenerationRendersSceneAndEmits(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	scene, err := f.store.CreateScene(ctx, &store.Scene{ProjectID: f.project.ID, Seq: 1, Title: "Arrival"})
	require.NoError(t, err)
	shot, err := f.store.CreateShot(ctx, &store.Shot{
		SceneID: scene.ID, ProjectID: f.project.ID, Seq: 1,
		ShotType: "wide", CharactersPresent: []string{"yuki"},
		Prompt: "rain", SourceImagePath: "/renders/yuki.png",
	})
	require.NoError(t, err)

	ready := make(chan events.Payload, 1)
	f.bus.Subscribe(events.SceneReady, func(p events.Payload) { ready <- p })

	row := &store.PipelineRow{
		EntityType: store.EntityProject, EntityID: f.project.ID,
		ProjectID: f.project.ID, Phase: "video_generation",
	}
	require.NoError(t, f.workers.Do(ctx, row))
	f.bus.Drain()

	rendered, err := f.store.GetShot(ctx, shot.ID)
	require.NoError(t, err)
	require.NotEmpty(t, rendered.OutputVideoPath)
	require.Equal(t, store.ShotCompleted, rendered.Status)

	assembled, err := f.store.GetScene(ctx, scene.ID)
	require.NoError(t, err)
	require.NotEmpty(t, assembled.FinalVideoPath)

	payload := <-ready
	require.EqualValues(t, scene.ID, payload["scene_id"])
}

func TestEpisodeAssemblyCreatesEpisodeAndEmits(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	scene, err := f.store.CreateScene(ctx, &store.Scene{ProjectID: f.project.ID, Seq: 1, Title: "Arrival"})
	require.NoError(t, err)
	sceneVideo := filepath.Join(t.TempDir(), "scene.mp4")
	require.NoError(t, os.WriteFile(sceneVideo, []byte("video"), 0o644))
	require.NoError(t, f.store.SetSceneVideo(ctx, scene.ID, sceneVideo))

	assembledCh := make(chan events.Payload, 1)
	f.bus.Subscribe(events.EpisodeAssembled, func(p events.Payload) { assembledCh <- p })

	row := &store.PipelineRow{
		EntityType: store.EntityProject, EntityID: f.project.ID,
		ProjectID: f.project.ID, Phase: "episode_assembly",
	}
	require.NoError(t, f.workers.Do(ctx, row))
	f.bus.Drain()

	episodes, err := f.store.EpisodesByProject(ctx, f.project.ID)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	require.Equal(t, store.EpisodeAssembled, episodes[0].Status)
	require.NotEmpty(t, episodes[0].FinalVideoPath)
	<-assembledCh
}

func TestPublishingPublishesAssembledEpisodes(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	episode, err := f.store.CreateEpisode(ctx, &store.Episode{ProjectID: f.project.ID, Seq: 1})
	require.NoError(t, err)
	require.NoError(t, f.store.SetEpisodeAssembled(ctx, episode.ID, "/renders/ep.mp4"))

	publishedCh := make(chan events.Payload, 1)
	f.bus.Subscribe(events.EpisodePublished, func(p events.Payload) { publishedCh <- p })

	row := &store.PipelineRow{
		EntityType: store.EntityProject, EntityID: f.project.ID,
		ProjectID: f.project.ID, Phase: "publishing",
	}
	require.NoError(t, f.workers.Do(ctx, row))
	f.bus.Drain()

	require.Equal(t, []int64{episode.ID}, f.publisher.published)
	refreshed, err := f.store.GetEpisode(ctx, episode.ID)
	require.NoError(t, err)
	require.Equal(t, store.EpisodePublished, refreshed.Status)
	<-publishedCh
}

func TestCorrectedCycleLinksToRejectedGeneration(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	rejected, err := f.store.RecordGeneration(ctx, &store.Generation{
		CharacterSlug: "yuki", ProjectName: "moonfall",
		CheckpointModel: "anime_v1.safetensors", Seed: 101,
	})
	require.NoError(t, err)
	_, err = f.store.SettleReview(ctx, rejected.ID, store.ReviewVerdict{
		Status: store.ReviewRejected, QualityScore: 0.2,
		Categories: []store.RejectionCategory{store.RejectArtifact},
	})
	require.NoError(t, err)

	err = f.workers.CorrectedCycle(ctx, f.character, f.project, orchestrator.CycleOverrides{
		ExtraNegatives:  "extra limbs, malformed hands",
		Seed:            101 + 1000,
		CorrectionOf:    rejected.ID,
		CorrectionDepth: 1,
	})
	require.NoError(t, err)

	gens, err := f.store.GenerationsByCharacter(ctx, "yuki", "", 10)
	require.NoError(t, err)
	require.Len(t, gens, 2)

	var corrected *store.Generation
	for _, gen := range gens {
		if gen.CorrectionOf != nil {
			corrected = gen
		}
	}
	require.NotNil(t, corrected)
	require.Equal(t, rejected.ID, *corrected.CorrectionOf)
	require.Equal(t, 1, corrected.CorrectionDepth)
	require.Equal(t, int64(1101), corrected.Seed)
	require.Contains(t, string(f.backend.submitted[0]), "extra limbs")
}
