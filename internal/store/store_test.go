package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sakuga/internal/store"
	"sakuga/internal/testsupport"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(testsupport.NewConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func seedProject(t *testing.T, s *store.Store, name string) *store.Project {
	t.Helper()
	project, err := s.CreateProject(context.Background(), &store.Project{Name: name})
	require.NoError(t, err)
	return project
}

func seedCharacter(t *testing.T, s *store.Store, projectID int64, slug string) *store.Character {
	t.Helper()
	character, err := s.CreateCharacter(context.Background(), &store.Character{
		ProjectID: projectID,
		Slug:      slug,
	})
	require.NoError(t, err)
	return character
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := openStore(t)

	health := s.CheckHealth(context.Background())
	require.True(t, health.Reachable)
	require.Empty(t, health.MigrationError)

	gate, err := s.QualityGateByName(context.Background(), "auto_reject")
	require.NoError(t, err)
	require.NotNil(t, gate)
	require.InDelta(t, 0.4, gate.Threshold, 1e-9)
}

func TestCharacterSlugNormalization(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	project := seedProject(t, s, "moonfall")

	character, err := s.CreateCharacter(ctx, &store.Character{ProjectID: project.ID, Slug: "  Yuki_Onna "})
	require.NoError(t, err)
	require.Equal(t, "yuki_onna", character.Slug)

	_, err = s.CreateCharacter(ctx, &store.Character{ProjectID: project.ID, Slug: "bad slug!"})
	require.Error(t, err)
}

func TestProjectMapCacheInvalidation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	project := seedProject(t, s, "moonfall")

	found, err := s.ProjectForCharacter(ctx, "yuki")
	require.NoError(t, err)
	require.Nil(t, found)

	seedCharacter(t, s, project.ID, "yuki")

	// CreateCharacter invalidates the map, so the new owner is visible
	// without waiting for the TTL.
	found, err = s.ProjectForCharacter(ctx, "yuki")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, project.ID, found.ID)
}

func TestSettleReviewIsIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	project := seedProject(t, s, "moonfall")
	seedCharacter(t, s, project.ID, "yuki")

	gen, err := s.RecordGeneration(ctx, &store.Generation{
		CharacterSlug: "yuki",
		ProjectName:   project.Name,
	})
	require.NoError(t, err)
	require.Equal(t, store.ReviewPending, gen.Status)

	settled, err := s.SettleReview(ctx, gen.ID, store.ReviewVerdict{
		Status:       store.ReviewRejected,
		QualityScore: 0.3,
		Categories:   []store.RejectionCategory{store.RejectLowQuality},
		Source:       "vision",
	})
	require.NoError(t, err)
	require.Equal(t, store.ReviewRejected, settled.Status)
	require.NotNil(t, settled.ReviewedAt)
	require.Equal(t, []store.RejectionCategory{store.RejectLowQuality}, settled.Categories)

	// A re-delivered verdict must not flip the settled record.
	again, err := s.SettleReview(ctx, gen.ID, store.ReviewVerdict{
		Status:       store.ReviewApproved,
		QualityScore: 0.9,
	})
	require.NoError(t, err)
	require.Equal(t, store.ReviewRejected, again.Status)

	rejections, err := s.RecentRejections(ctx, "yuki", 10)
	require.NoError(t, err)
	require.Len(t, rejections, 1)
}

func TestRejectionStreakResetsOnApproval(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	project := seedProject(t, s, "moonfall")
	seedCharacter(t, s, project.ID, "yuki")

	settle := func(status store.ReviewStatus, score float64) {
		t.Helper()
		gen, err := s.RecordGeneration(ctx, &store.Generation{
			CharacterSlug: "yuki",
			ProjectName:   project.Name,
		})
		require.NoError(t, err)
		_, err = s.SettleReview(ctx, gen.ID, store.ReviewVerdict{Status: status, QualityScore: score})
		require.NoError(t, err)
	}

	settle(store.ReviewRejected, 0.2)
	settle(store.ReviewRejected, 0.3)

	streak, err := s.RejectionStreak(ctx, "yuki")
	require.NoError(t, err)
	require.Equal(t, 2, streak)

	settle(store.ReviewApproved, 0.85)

	streak, err = s.RejectionStreak(ctx, "yuki")
	require.NoError(t, err)
	require.Equal(t, 0, streak)

	count, err := s.ApprovedCount(ctx, "yuki")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestAdvancePhaseInsertsSuccessor(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	project := seedProject(t, s, "moonfall")
	character := seedCharacter(t, s, project.ID, "yuki")

	require.NoError(t, s.EnsurePipelineRow(ctx, &store.PipelineRow{
		EntityType: store.EntityCharacter,
		EntityID:   character.ID,
		ProjectID:  project.ID,
		Phase:      "training_data",
	}))

	row, err := s.GetPipelineRow(ctx, store.EntityCharacter, character.ID, "training_data")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, store.PhasePending, row.Status)

	require.NoError(t, s.AdvancePhase(ctx, row.ID, "lora_training"))

	completed, err := s.GetPipelineRow(ctx, store.EntityCharacter, character.ID, "training_data")
	require.NoError(t, err)
	require.Equal(t, store.PhaseCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	next, err := s.GetPipelineRow(ctx, store.EntityCharacter, character.ID, "lora_training")
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, store.PhasePending, next.Status)
}

func TestIncompleteRowsOrderCharactersBeforeProjects(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	project := seedProject(t, s, "moonfall")
	character := seedCharacter(t, s, project.ID, "yuki")

	require.NoError(t, s.EnsurePipelineRow(ctx, &store.PipelineRow{
		EntityType: store.EntityProject,
		EntityID:   project.ID,
		ProjectID:  project.ID,
		Phase:      "scene_planning",
	}))
	require.NoError(t, s.EnsurePipelineRow(ctx, &store.PipelineRow{
		EntityType: store.EntityCharacter,
		EntityID:   character.ID,
		ProjectID:  project.ID,
		Phase:      "training_data",
	}))

	rows, err := s.IncompletePipelineRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, store.EntityCharacter, rows[0].EntityType)
	require.Equal(t, store.EntityProject, rows[1].EntityType)
}

func TestReclaimStaleActive(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	project := seedProject(t, s, "moonfall")
	character := seedCharacter(t, s, project.ID, "yuki")

	require.NoError(t, s.EnsurePipelineRow(ctx, &store.PipelineRow{
		EntityType: store.EntityCharacter,
		EntityID:   character.ID,
		ProjectID:  project.ID,
		Phase:      "training_data",
	}))
	row, err := s.GetPipelineRow(ctx, store.EntityCharacter, character.ID, "training_data")
	require.NoError(t, err)
	require.NoError(t, s.TransitionPhase(ctx, row.ID, store.PhaseActive, ""))

	// A cutoff in the past leaves the freshly touched row alone.
	reclaimed, err := s.ReclaimStaleActive(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, reclaimed)

	reclaimed, err = s.ReclaimStaleActive(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, reclaimed)

	row, err = s.GetPipelineRow(ctx, store.EntityCharacter, character.ID, "training_data")
	require.NoError(t, err)
	require.Equal(t, store.PhasePending, row.Status)
}

func TestCharactersReady(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	project := seedProject(t, s, "moonfall")
	yuki := seedCharacter(t, s, project.ID, "yuki")
	rin := seedCharacter(t, s, project.ID, "rin")

	ready, err := s.CharactersReady(ctx, project.ID, "ready")
	require.NoError(t, err)
	require.False(t, ready)

	for _, id := range []int64{yuki.ID, rin.ID} {
		require.NoError(t, s.EnsurePipelineRow(ctx, &store.PipelineRow{
			EntityType: store.EntityCharacter,
			EntityID:   id,
			ProjectID:  project.ID,
			Phase:      "ready",
		}))
		row, err := s.GetPipelineRow(ctx, store.EntityCharacter, id, "ready")
		require.NoError(t, err)
		require.NoError(t, s.TransitionPhase(ctx, row.ID, store.PhaseCompleted, ""))
	}

	ready, err = s.CharactersReady(ctx, project.ID, "ready")
	require.NoError(t, err)
	require.True(t, ready)
}

func TestAuditDecisionLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id, err := s.RecordDecision(ctx, &store.AuditDecision{
		DecisionType: "auto_approve",
		DecisionMade: "approved generation 12",
		Confidence:   0.92,
	})
	require.NoError(t, err)

	require.NoError(t, s.SettleDecision(ctx, id, store.AuditOutcomeOK))
	require.Error(t, s.SettleDecision(ctx, id, store.AuditOutcomeFailed))

	decisions, err := s.RecentDecisions(ctx, "auto_approve", 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.Equal(t, store.AuditOutcomeOK, decisions[0].Outcome)
}

func TestShotReadiness(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	project := seedProject(t, s, "moonfall")

	scene, err := s.CreateScene(ctx, &store.Scene{ProjectID: project.ID, Seq: 1, Title: "opening"})
	require.NoError(t, err)

	first, err := s.CreateShot(ctx, &store.Shot{SceneID: scene.ID, ProjectID: project.ID, Seq: 1})
	require.NoError(t, err)
	_, err = s.CreateShot(ctx, &store.Shot{SceneID: scene.ID, ProjectID: project.ID, Seq: 2})
	require.NoError(t, err)

	require.NoError(t, s.AssignShotSource(ctx, first.ID, "/renders/yuki/0001.png"))

	readiness, err := s.ShotReadinessForProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, 2, readiness.Total)
	require.Equal(t, 1, readiness.Sourced)
	require.Equal(t, 0, readiness.Rendered)
}

func TestNextUnrenderedScene(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	project := seedProject(t, s, "moonfall")

	first, err := s.CreateScene(ctx, &store.Scene{ProjectID: project.ID, Seq: 1})
	require.NoError(t, err)
	second, err := s.CreateScene(ctx, &store.Scene{ProjectID: project.ID, Seq: 2})
	require.NoError(t, err)

	next, err := s.NextUnrenderedScene(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, next.ID)

	require.NoError(t, s.SetSceneVideo(ctx, first.ID, "/renders/scene1.mp4"))

	next, err = s.NextUnrenderedScene(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, next.ID)

	require.NoError(t, s.SetSceneVideo(ctx, second.ID, "/renders/scene2.mp4"))

	next, err = s.NextUnrenderedScene(ctx, project.ID)
	require.NoError(t, err)
	require.Nil(t, next)
}
