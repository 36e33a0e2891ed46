package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gofrs/flock"

	"sakuga/internal/config"
	"sakuga/internal/correction"
	"sakuga/internal/deps"
	"sakuga/internal/events"
	"sakuga/internal/gpu"
	"sakuga/internal/learning"
	"sakuga/internal/logging"
	"sakuga/internal/orchestrator"
	"sakuga/internal/replenish"
	"sakuga/internal/store"
)

// BreakerStatus exposes an adapter's circuit-breaker state for the
// operator surface.
type BreakerStatus interface {
	BreakerState() string
}

// Components bundles the subsystems the daemon hosts. All fields except
// Breakers are required.
type Components struct {
	Orchestrator *orchestrator.Orchestrator
	Replenisher  *replenish.Loop
	Learning     *learning.Engine
	Corrector    *correction.Corrector
	GPU          *gpu.Router
	Bus          *events.Bus
	Breakers     map[string]BreakerStatus
}

// Daemon coordinates the background loops and enforces single-instance
// execution.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	components Components
	logPath    string

	lockPath string
	lock     *flock.Flock

	server *server

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running              bool              `json:"running"`
	LockFilePath         string            `json:"lock_file_path"`
	DBPath               string            `json:"db_path"`
	DBReachable          bool              `json:"db_reachable"`
	MigrationError       string            `json:"migration_error,omitempty"`
	Projects             int               `json:"projects"`
	PipelineRows         int               `json:"pipeline_rows"`
	Generations          int               `json:"generations"`
	OrchestratorEnabled  bool              `json:"orchestrator_enabled"`
	ReplenishmentEnabled bool              `json:"replenishment_enabled"`
	CorrectionEnabled    bool              `json:"correction_enabled"`
	TrainingTarget       int               `json:"training_target"`
	Breakers             map[string]string `json:"breakers"`
	Events               events.Stats      `json:"events"`
	Dependencies         []deps.Status     `json:"dependencies"`
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger, components Components) (*Daemon, error) {
	if cfg == nil || st == nil || logger == nil {
		return nil, errors.New("daemon requires config, store, and logger")
	}
	if components.Orchestrator == nil || components.Replenisher == nil ||
		components.Learning == nil || components.Corrector == nil ||
		components.GPU == nil || components.Bus == nil {
		return nil, errors.New("daemon requires all subsystem components")
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "sakugad.lock")
	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      st,
		components: components,
		logPath:    filepath.Join(cfg.Paths.LogDir, "sakuga.log"),
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}
	srv, err := newServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.server = srv
	return d, nil
}

// Start acquires the daemon lock, launches the background loops, and
// binds the operator API when configured.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another sakuga daemon instance is already running")
	}

	// With the lock held no worker can own an active row, so anything
	// still marked active was orphaned by a previous crash.
	if reclaimed, err := d.store.ReclaimStaleActive(ctx, time.Now()); err != nil {
		d.logger.Warn("stale pipeline reclamation failed", logging.Error(err))
	} else if reclaimed > 0 {
		d.logger.Info("reclaimed orphaned pipeline rows", logging.Int64("rows", reclaimed))
	}

	logging.CleanupOldLogs(d.logger, d.cfg.Logging.RetentionDays, logging.RetentionTarget{
		Dir:     d.cfg.Paths.LogDir,
		Pattern: "*.log",
		Exclude: []string{d.logPath},
	})

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.server != nil {
		if err := d.server.start(runCtx); err != nil {
			_ = d.lock.Unlock()
			cancel()
			d.cancel = nil
			return err
		}
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.components.Orchestrator.Run(runCtx)
	}()
	go func() {
		defer d.wg.Done()
		d.components.Replenisher.Run(runCtx)
	}()

	d.running.Store(true)
	d.logger.Info("sakuga daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop signals the loops, drains in-flight work, and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	if d.server != nil {
		d.server.stop()
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("sakuga daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// Addr reports the bound operator API address, empty when unbound.
func (d *Daemon) Addr() string {
	if d.server == nil {
		return ""
	}
	return d.server.addr()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	health := d.store.CheckHealth(ctx)
	breakers := make(map[string]string, len(d.components.Breakers))
	for name, adapter := range d.components.Breakers {
		breakers[name] = adapter.BreakerState()
	}
	return Status{
		Running:              d.running.Load(),
		LockFilePath:         d.lockPath,
		DBPath:               health.DBPath,
		DBReachable:          health.Reachable,
		MigrationError:       health.MigrationError,
		Projects:             health.Projects,
		PipelineRows:         health.PipelineRows,
		Generations:          health.Generations,
		OrchestratorEnabled:  d.components.Orchestrator.Enabled(),
		ReplenishmentEnabled: d.components.Replenisher.Enabled(),
		CorrectionEnabled:    d.components.Corrector.Enabled(),
		TrainingTarget:       d.components.Orchestrator.TrainingTarget(),
		Breakers:             breakers,
		Events:               d.components.Bus.Stats(),
		Dependencies:         deps.CheckBinaries(deps.Defaults()),
	}
}
