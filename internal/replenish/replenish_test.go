package replenish_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"sakuga/internal/config"
	"sakuga/internal/replenish"
	"sakuga/internal/store"
	"sakuga/internal/testsupport"
)

type cycleRecorder struct {
	mu    sync.Mutex
	slugs []string
}

func (r *cycleRecorder) run(ctx context.Context, character *store.Character, project *store.Project) error {
	r.mu.Lock()
	r.slugs = append(r.slugs, character.Slug)
	r.mu.Unlock()
	return nil
}

func (r *cycleRecorder) dispatched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.slugs...)
}

func newFixture(t *testing.T, cfg config.Replenishment) (*store.Store, *cycleRecorder, *replenish.Loop) {
	t.Helper()
	st, err := store.Open(testsupport.NewConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	recorder := &cycleRecorder{}
	loop := replenish.NewLoop(cfg, st, recorder.run, nil)
	loop.Enable(true)
	return st, recorder, loop
}

func seedCharacter(t *testing.T, st *store.Store, slug string) (*store.Project, *store.Character) {
	t.Helper()
	ctx := context.Background()
	project, err := st.GetProjectByName(ctx, "moonfall")
	require.NoError(t, err)
	if project == nil {
		project, err = st.CreateProject(ctx, &store.Project{Name: "moonfall"})
		require.NoError(t, err)
	}
	character, err := st.CreateCharacter(ctx, &store.Character{ProjectID: project.ID, Slug: slug})
	require.NoError(t, err)
	return project, character
}

func settle(t *testing.T, st *store.Store, slug string, status store.ReviewStatus) {
	t.Helper()
	ctx := context.Background()
	gen, err := st.RecordGeneration(ctx, &store.Generation{CharacterSlug: slug, ProjectName: "moonfall"})
	require.NoError(t, err)
	_, err = st.SettleReview(ctx, gen.ID, store.ReviewVerdict{Status: status, QualityScore: 0.5})
	require.NoError(t, err)
}

func TestTickDispatchesBelowTarget(t *testing.T) {
	st, recorder, loop := newFixture(t, config.Replenishment{Target: 2, DailyCap: 40, RejectionStreak: 3})
	seedCharacter(t, st, "yuki")

	loop.Tick(context.Background())
	loop.Wait()
	require.Equal(t, []string{"yuki"}, recorder.dispatched())
}

func TestTickSkipsCharactersAtTarget(t *testing.T) {
	st, recorder, loop := newFixture(t, config.Replenishment{Target: 1, DailyCap: 40, RejectionStreak: 3})
	seedCharacter(t, st, "yuki")
	settle(t, st, "yuki", store.ReviewApproved)

	loop.Tick(context.Background())
	loop.Wait()
	require.Empty(t, recorder.dispatched())
}

func TestDailyCapBoundary(t *testing.T) {
	cap := 3
	st, recorder, loop := newFixture(t, config.Replenishment{Target: 50, DailyCap: cap, RejectionStreak: 10})
	seedCharacter(t, st, "yuki")

	// cap-1 generations today: the cap-th is still allowed.
	for i := 0; i < cap-1; i++ {
		settle(t, st, "yuki", store.ReviewRejected)
	}
	loop.Tick(context.Background())
	loop.Wait()
	require.Len(t, recorder.dispatched(), 1)

	// Now at the cap: the next is skipped and audited.
	settle(t, st, "yuki", store.ReviewRejected)
	loop.Tick(context.Background())
	loop.Wait()
	require.Len(t, recorder.dispatched(), 1)

	decisions, err := st.RecentDecisions(context.Background(), "replenishment_skip_daily_cap", 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
}

func TestRejectionStreakPausesCharacter(t *testing.T) {
	st, recorder, loop := newFixture(t, config.Replenishment{Target: 50, DailyCap: 40, RejectionStreak: 3, CooldownHours: 2})
	seedCharacter(t, st, "yuki")

	for i := 0; i < 3; i++ {
		settle(t, st, "yuki", store.ReviewRejected)
	}

	loop.Tick(context.Background())
	loop.Wait()
	require.Empty(t, recorder.dispatched())

	status := loop.Status(context.Background())
	require.Contains(t, status.PausedCharacters, "yuki")

	decisions, err := st.RecentDecisions(context.Background(), "replenishment_pause_rejection_streak", 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	// While paused, further ticks stay quiet.
	loop.Tick(context.Background())
	loop.Wait()
	require.Empty(t, recorder.dispatched())
}

func TestPerCharacterTargetOverride(t *testing.T) {
	st, recorder, loop := newFixture(t, config.Replenishment{Target: 5, DailyCap: 40, RejectionStreak: 3})
	seedCharacter(t, st, "yuki")
	settle(t, st, "yuki", store.ReviewApproved)

	loop.SetCharacterTarget("yuki", 1)
	loop.Tick(context.Background())
	loop.Wait()
	require.Empty(t, recorder.dispatched())
}

func TestStatusSnapshot(t *testing.T) {
	st, _, loop := newFixture(t, config.Replenishment{Target: 7, DailyCap: 40, RejectionStreak: 3})
	seedCharacter(t, st, "yuki")
	loop.SetCharacterTarget("yuki", 12)
	loop.Enable(false)

	status := loop.Status(context.Background())
	require.False(t, status.Enabled)
	require.Equal(t, 7, status.TargetGlobal)
	require.Equal(t, 12, status.TargetsByCharacter["yuki"])
	require.Equal(t, 40, status.DailyCap)
	require.Equal(t, 0, status.DailyCounts["yuki"])
}

func TestStatusReportsDailyCounts(t *testing.T) {
	st, _, loop := newFixture(t, config.Replenishment{Target: 7, DailyCap: 40, RejectionStreak: 3})
	seedCharacter(t, st, "yuki")
	settle(t, st, "yuki", store.ReviewRejected)
	settle(t, st, "yuki", store.ReviewApproved)

	status := loop.Status(context.Background())
	require.Equal(t, 2, status.DailyCounts["yuki"])
}
