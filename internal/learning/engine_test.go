package learning_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"sakuga/internal/events"
	"sakuga/internal/learning"
	"sakuga/internal/store"
	"sakuga/internal/testsupport"
	"sakuga/internal/vision"
)

type fixture struct {
	store  *store.Store
	bus    *events.Bus
	engine *learning.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(nil)
	return &fixture{
		store:  st,
		bus:    bus,
		engine: learning.NewEngine(cfg, st, bus, nil),
	}
}

func (f *fixture) seedScored(t *testing.T, slug string, status store.ReviewStatus, quality, cfgScale float64, steps int, sampler string) *store.Generation {
	t.Helper()
	gen, err := f.store.RecordGeneration(context.Background(), &store.Generation{
		CharacterSlug:   slug,
		ProjectName:     "moonfall",
		CheckpointModel: "anima_v2",
		CFGScale:        cfgScale,
		Steps:           steps,
		Sampler:         sampler,
		Width:           832,
		Height:          1216,
	})
	require.NoError(t, err)
	settled, err := f.store.SettleReview(context.Background(), gen.ID, store.ReviewVerdict{
		Status:       status,
		QualityScore: quality,
	})
	require.NoError(t, err)
	return settled
}

func TestSuggestParamsNeedsMinimumSamples(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.seedScored(t, "yuki", store.ReviewApproved, 0.85, 7.0, 28, "euler")
	}
	params, err := f.engine.SuggestParams(ctx, "yuki")
	require.NoError(t, err)
	require.Nil(t, params)

	f.seedScored(t, "yuki", store.ReviewApproved, 0.9, 8.0, 30, "euler")
	params, err = f.engine.SuggestParams(ctx, "yuki")
	require.NoError(t, err)
	require.NotNil(t, params)
	require.Equal(t, 5, params.SampleCount)
	require.InDelta(t, 7.0, params.CFGScale, 1e-9)
	require.Equal(t, 28, params.Steps)
	require.Equal(t, "euler", params.Sampler)
}

func TestRecommendParamsConfidenceTiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := func(n int) {
		for i := 0; i < n; i++ {
			f.seedScored(t, "yuki", store.ReviewApproved, 0.8, 7.5, 30, "euler")
		}
	}

	seed(4)
	rec, err := f.engine.RecommendParams(ctx, "yuki", "", "")
	require.NoError(t, err)
	require.Equal(t, learning.ConfidenceNone, rec.Confidence)

	seed(1) // 5 total
	rec, err = f.engine.RecommendParams(ctx, "yuki", "", "")
	require.NoError(t, err)
	require.Equal(t, learning.ConfidenceLow, rec.Confidence)
	require.InDelta(t, 7.5, rec.CFGScale, 1e-9)

	seed(6) // 11 total
	rec, err = f.engine.RecommendParams(ctx, "yuki", "", "")
	require.NoError(t, err)
	require.Equal(t, learning.ConfidenceMedium, rec.Confidence)

	seed(15) // 26 total
	rec, err = f.engine.RecommendParams(ctx, "yuki", "", "")
	require.NoError(t, err)
	require.Equal(t, learning.ConfidenceHigh, rec.Confidence)
}

func TestRecommendParamsFiltersByCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		f.seedScored(t, "yuki", store.ReviewApproved, 0.85, 7.0, 28, "euler")
	}
	rec, err := f.engine.RecommendParams(ctx, "yuki", "", "some_other_model")
	require.NoError(t, err)
	require.Equal(t, learning.ConfidenceNone, rec.Confidence)

	rec, err = f.engine.RecommendParams(ctx, "yuki", "", "anima_v2")
	require.NoError(t, err)
	require.Equal(t, learning.ConfidenceLow, rec.Confidence)
}

func TestLearnedNegativesRequireRepeatedCategories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reject := func(categories ...store.RejectionCategory) {
		gen, err := f.store.RecordGeneration(ctx, &store.Generation{
			CharacterSlug: "yuki", ProjectName: "moonfall",
		})
		require.NoError(t, err)
		_, err = f.store.SettleReview(ctx, gen.ID, store.ReviewVerdict{
			Status:       store.ReviewRejected,
			QualityScore: 0.3,
			Categories:   categories,
		})
		require.NoError(t, err)
	}

	reject(store.RejectArtifact, store.RejectWrongPose)
	reject(store.RejectArtifact)

	rec, err := f.engine.RecommendParams(ctx, "yuki", "", "")
	require.NoError(t, err)
	// artifact seen twice maps in; wrong_pose seen once does not.
	require.Contains(t, rec.LearnedNegatives, "deformed hands")
	require.NotContains(t, rec.LearnedNegatives, "awkward pose")
}

func TestRecordLearnedPatternRunningAverage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.RecordLearnedPattern(ctx, "yuki", store.PatternSuccess, "anima_v2", 0.8, 7.0, 28))
	require.NoError(t, f.engine.RecordLearnedPattern(ctx, "yuki", store.PatternSuccess, "anima_v2", 0.6, 9.0, 36))
	require.NoError(t, f.engine.RecordLearnedPattern(ctx, "yuki", store.PatternSuccess, "anima_v2", 0.7, 5.0, 20))

	pattern, err := f.engine.LearnedPattern(ctx, "yuki", store.PatternSuccess, "anima_v2")
	require.NoError(t, err)
	require.NotNil(t, pattern)
	require.Equal(t, 3, pattern.Frequency)
	require.InDelta(t, 0.7, pattern.AvgQuality, 1e-9)
	require.InDelta(t, 5.0, pattern.CFGMin, 1e-9)
	require.InDelta(t, 9.0, pattern.CFGMax, 1e-9)
	require.Equal(t, 20, pattern.StepsMin)
	require.Equal(t, 36, pattern.StepsMax)
}

func TestEvaluateQualityAutoReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rejected := make(chan events.Payload, 1)
	f.bus.Subscribe(events.ImageRejected, func(payload events.Payload) {
		rejected <- payload
	})

	gen, err := f.store.RecordGeneration(ctx, &store.Generation{
		CharacterSlug: "yuki", ProjectName: "moonfall",
	})
	require.NoError(t, err)

	decision, err := f.engine.EvaluateQuality(ctx, gen.ID, vision.Review{
		QualityScore: 0.35,
		Categories:   []string{"low_quality"},
	})
	require.NoError(t, err)
	require.Equal(t, store.ReviewRejected, decision.Status)

	f.bus.Drain()
	payload := <-rejected
	require.Equal(t, gen.ID, payload["generation_id"])

	stored, err := f.store.GetGeneration(ctx, gen.ID)
	require.NoError(t, err)
	require.Equal(t, store.ReviewRejected, stored.Status)
	require.NotNil(t, stored.ReviewedAt)
}

func TestEvaluateQualityAutoApproveRequiresSoloAndSpecies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gen, err := f.store.RecordGeneration(ctx, &store.Generation{
		CharacterSlug: "yuki", ProjectName: "moonfall",
	})
	require.NoError(t, err)

	// High score but not solo stays in manual review.
	decision, err := f.engine.EvaluateQuality(ctx, gen.ID, vision.Review{
		QualityScore: 0.9, Solo: false, SpeciesVerified: true,
	})
	require.NoError(t, err)
	require.Equal(t, store.ReviewInReview, decision.Status)

	decision, err = f.engine.EvaluateQuality(ctx, gen.ID, vision.Review{
		QualityScore: 0.9, Solo: true, SpeciesVerified: true,
	})
	require.NoError(t, err)
	require.Equal(t, store.ReviewApproved, decision.Status)
}

func TestEvaluateQualityHonorsRuntimeGateUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SetQualityGateThreshold(ctx, "auto_reject", 0.6))

	gen, err := f.store.RecordGeneration(ctx, &store.Generation{
		CharacterSlug: "yuki", ProjectName: "moonfall",
	})
	require.NoError(t, err)

	decision, err := f.engine.EvaluateQuality(ctx, gen.ID, vision.Review{QualityScore: 0.5})
	require.NoError(t, err)
	require.Equal(t, store.ReviewRejected, decision.Status)
}

func TestSubscribeRecordsPatternsFromEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.Subscribe()

	gen, err := f.store.RecordGeneration(ctx, &store.Generation{
		CharacterSlug:   "yuki",
		ProjectName:     "moonfall",
		CheckpointModel: "anima_v2",
		CFGScale:        7.0,
		Steps:           28,
	})
	require.NoError(t, err)

	_, err = f.engine.EvaluateQuality(ctx, gen.ID, vision.Review{
		QualityScore: 0.9, Solo: true, SpeciesVerified: true,
	})
	require.NoError(t, err)
	f.bus.Drain()

	pattern, err := f.engine.LearnedPattern(ctx, "yuki", store.PatternSuccess, "anima_v2")
	require.NoError(t, err)
	require.NotNil(t, pattern)
	require.Equal(t, 1, pattern.Frequency)
}

func TestDetectDriftFlagsDecline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Strong early history, then a collapse inside the recent window.
	for i := 0; i < 30; i++ {
		f.seedScored(t, "yuki", store.ReviewApproved, 0.9, 7, 28, "euler")
	}
	for i := 0; i < 20; i++ {
		f.seedScored(t, "yuki", store.ReviewRejected, 0.4, 7, 28, "euler")
	}

	alerts := f.engine.DetectDrift(ctx, "", "")
	require.Len(t, alerts, 1)
	require.Equal(t, "yuki", alerts[0].CharacterSlug)
	require.Less(t, alerts[0].Drift, 0.0)
}

func TestDetectDriftIgnoresStableCharacters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		f.seedScored(t, "rin", store.ReviewApproved, 0.8, 7, 28, "euler")
	}
	require.Empty(t, f.engine.DetectDrift(ctx, "rin", ""))
}

func TestLearningStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedScored(t, "yuki", store.ReviewApproved, 0.9, 7, 28, "euler")
	f.seedScored(t, "rin", store.ReviewRejected, 0.3, 7, 28, "euler")

	stats := f.engine.LearningStats(ctx)
	require.Equal(t, 2, stats.TotalGenerations)
	require.Equal(t, 1, stats.Approved)
	require.Equal(t, 1, stats.Rejected)
	require.Equal(t, 2, stats.CharactersSeen)
}
