package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sakuga/internal/config"
	"sakuga/internal/correction"
	"sakuga/internal/events"
	"sakuga/internal/gpu"
	"sakuga/internal/learning"
	"sakuga/internal/logging"
	"sakuga/internal/orchestrator"
	"sakuga/internal/replenish"
	"sakuga/internal/store"
	"sakuga/internal/testsupport"
)

type idleWorker struct{}

func (idleWorker) Do(ctx context.Context, row *store.PipelineRow) error { return nil }

type idleBackend struct{}

func (idleBackend) IsBusy(ctx context.Context) (bool, error)  { return false, nil }
func (idleBackend) FreeVRAM(ctx context.Context) (int, error) { return 24000, nil }
func (idleBackend) FreeMemory(ctx context.Context) error      { return nil }

type steadyBreaker struct{}

func (steadyBreaker) BreakerState() string { return "closed" }

func newTestDaemon(t *testing.T, mutate func(*config.Config)) *Daemon {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = "127.0.0.1:0"
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(nil)
	engine := learning.NewEngine(cfg, st, bus, nil)
	corrector := correction.NewCorrector(cfg.Correction, st, engine, bus,
		func(ctx context.Context, req correction.Request) error { return nil }, nil)
	components := Components{
		Orchestrator: orchestrator.New(cfg, st, bus, idleWorker{}, nil),
		Replenisher: replenish.NewLoop(cfg.Replenishment, st,
			func(ctx context.Context, character *store.Character, project *store.Project) error { return nil }, nil),
		Learning:  engine,
		Corrector: corrector,
		GPU:       gpu.NewRouter(cfg.GPU, idleBackend{}, nil),
		Bus:       bus,
		Breakers:  map[string]BreakerStatus{"comfy": steadyBreaker{}},
	}

	d, err := New(cfg, st, logging.NewNop(), components)
	require.NoError(t, err)
	return d
}

func startDaemon(t *testing.T, d *Daemon) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() {
		cancel()
		d.Stop()
	})
	return "http://" + d.Addr()
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode
}

func TestDaemonEnforcesSingleInstance(t *testing.T) {
	d := newTestDaemon(t, nil)
	startDaemon(t, d)

	second := newTestDaemon(t, func(cfg *config.Config) {
		cfg.Paths.LogDir = d.cfg.Paths.LogDir
	})
	err := second.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "already running")
}

func TestStatusEndpointReportsSubsystems(t *testing.T) {
	d := newTestDaemon(t, nil)
	base := startDaemon(t, d)

	var status Status
	code := getJSON(t, base+"/api/status", &status)
	require.Equal(t, http.StatusOK, code)
	require.True(t, status.Running)
	require.True(t, status.DBReachable)
	require.Equal(t, "closed", status.Breakers["comfy"])
}

func TestStatusSurfacesMigrationError(t *testing.T) {
	seedCfg := testsupport.NewConfig(t)
	seed, err := store.Open(seedCfg)
	require.NoError(t, err)
	// Break the migration bookkeeping so the next open fails to migrate
	// while the database itself stays reachable.
	_, err = seed.DB().Exec("ALTER TABLE schema_migrations RENAME COLUMN version TO revision")
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	d := newTestDaemon(t, func(cfg *config.Config) {
		cfg.Paths.DataDir = seedCfg.Paths.DataDir
	})
	base := startDaemon(t, d)

	var status Status
	code := getJSON(t, base+"/api/status", &status)
	require.Equal(t, http.StatusOK, code)
	require.True(t, status.DBReachable)
	require.NotEmpty(t, status.MigrationError)
}

func TestOrchestratorRoutes(t *testing.T) {
	d := newTestDaemon(t, nil)
	base := startDaemon(t, d)

	code := postJSON(t, base+"/orchestrator/toggle", map[string]bool{"enabled": true}, nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, d.components.Orchestrator.Enabled())

	code = postJSON(t, base+"/orchestrator/training-target", map[string]int{"target": 30}, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 30, d.components.Orchestrator.TrainingTarget())

	var failure errorResponse
	code = postJSON(t, base+"/orchestrator/training-target", map[string]int{"target": -1}, &failure)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "validation", failure.ErrorKind)
	require.NotEmpty(t, failure.CorrelationID)

	code = postJSON(t, base+"/orchestrator/initialize", map[string]int64{"project_id": 999}, &failure)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", failure.ErrorKind)
}

func TestPipelineAndSummaryRoutes(t *testing.T) {
	d := newTestDaemon(t, nil)
	base := startDaemon(t, d)
	ctx := context.Background()

	project, err := d.store.CreateProject(ctx, &store.Project{Name: "moonfall"})
	require.NoError(t, err)
	_, err = d.store.CreateCharacter(ctx, &store.Character{
		ProjectID: project.ID, Slug: "yuki", DesignPrompt: "silver hair, blue eyes",
	})
	require.NoError(t, err)

	code := postJSON(t, base+"/orchestrator/initialize",
		map[string]any{"project_id": project.ID, "training_target": 5}, nil)
	require.Equal(t, http.StatusOK, code)

	var snapshot map[string][]orchestrator.EntitySnapshot
	code = getJSON(t, base+"/orchestrator/pipeline/"+itoa(project.ID), &snapshot)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, snapshot, 2)

	var summary map[string]string
	code = getJSON(t, base+"/orchestrator/summary/"+itoa(project.ID), &summary)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, summary["summary"], "moonfall")

	code = getJSON(t, base+"/orchestrator/pipeline/not-a-number", nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestQualityGateRoutes(t *testing.T) {
	d := newTestDaemon(t, nil)
	base := startDaemon(t, d)

	var listing struct {
		Gates []*store.QualityGate `json:"gates"`
	}
	code := getJSON(t, base+"/quality/gates", &listing)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, listing.Gates, 4)

	var gate store.QualityGate
	code = postJSON(t, base+"/quality/gates/auto_approve", map[string]float64{"threshold": 0.9}, &gate)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 0.9, gate.Threshold)

	code = postJSON(t, base+"/quality/gates/auto_approve", map[string]float64{"threshold": 1.5}, nil)
	require.Equal(t, http.StatusBadRequest, code)

	code = getJSON(t, base+"/quality/gates/no_such_gate", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestReplenishmentRoutes(t *testing.T) {
	d := newTestDaemon(t, nil)
	base := startDaemon(t, d)

	code := postJSON(t, base+"/replenishment/toggle", map[string]bool{"enabled": false}, nil)
	require.Equal(t, http.StatusOK, code)
	require.False(t, d.components.Replenisher.Enabled())

	var status replenish.Status
	code = postJSON(t, base+"/replenishment/target",
		map[string]any{"target": 12, "character_slug": "yuki"}, &status)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 12, status.TargetsByCharacter["yuki"])

	ctx := context.Background()
	project, err := d.store.CreateProject(ctx, &store.Project{Name: "moonfall"})
	require.NoError(t, err)
	_, err = d.store.CreateCharacter(ctx, &store.Character{ProjectID: project.ID, Slug: "yuki"})
	require.NoError(t, err)
	_, err = d.store.RecordGeneration(ctx, &store.Generation{
		CharacterSlug: "yuki", ProjectName: "moonfall",
	})
	require.NoError(t, err)

	code = getJSON(t, base+"/replenishment/status", &status)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, status.DailyCounts["yuki"])

	code = getJSON(t, base+"/replenishment/readiness", nil)
	require.Equal(t, http.StatusOK, code)
}

func TestLearningAndObservabilityRoutes(t *testing.T) {
	d := newTestDaemon(t, nil)
	base := startDaemon(t, d)

	for _, path := range []string{
		"/learning/stats",
		"/learning/suggest/yuki",
		"/learning/rejections/yuki",
		"/learning/checkpoints/moonfall",
		"/learning/trend?days=7",
		"/correction/stats",
		"/audit/recent?limit=5",
		"/audit/summary",
		"/events/stats",
		"/gpu/status",
	} {
		code := getJSON(t, base+path, nil)
		require.Equal(t, http.StatusOK, code, path)
	}
}

func TestBearerAuthGuardsRoutes(t *testing.T) {
	d := newTestDaemon(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = "secret"
	})
	base := startDaemon(t, d)

	resp, err := http.Get(base + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, base+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+signToken("ops", "secret", time.Now().Add(time.Hour)))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitReturnsTooManyRequests(t *testing.T) {
	d := newTestDaemon(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = "secret"
		cfg.Auth.RateLimitPerMinute = 2
	})
	base := startDaemon(t, d)
	token := signToken("ops", "secret", time.Now().Add(time.Hour))

	var last int
	for i := 0; i < 3; i++ {
		req, err := http.NewRequest(http.MethodGet, base+"/api/status", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		last = resp.StatusCode
	}
	require.Equal(t, http.StatusTooManyRequests, last)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
