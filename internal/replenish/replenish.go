// Package replenish keeps each character's approved-image pool at its
// target by scheduling generate-and-review cycles, bounded by a daily cap
// and a rejection-streak cooldown.
package replenish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sakuga/internal/config"
	"sakuga/internal/logging"
	"sakuga/internal/store"
)

// CycleFunc runs one generate-and-review cycle for a character. The loop
// dispatches it on its own goroutine; implementations block until the
// cycle settles or fails.
type CycleFunc func(ctx context.Context, character *store.Character, project *store.Project) error

// Loop is the replenishment scheduler.
type Loop struct {
	store  *store.Store
	cycle  CycleFunc
	logger *slog.Logger

	interval        time.Duration
	targetGlobal    int
	dailyCap        int
	rejectionStreak int
	cooldown        time.Duration

	mu        sync.Mutex
	enabled   bool
	inFlight  map[string]struct{}
	pausedTil map[string]time.Time
	targets   map[string]int

	wg sync.WaitGroup
}

// NewLoop builds the loop from configuration.
func NewLoop(cfg config.Replenishment, st *store.Store, cycle CycleFunc, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = logging.NewNop()
	}
	loop := &Loop{
		store:           st,
		cycle:           cycle,
		logger:          logging.NewComponentLogger(logger, "replenish"),
		interval:        time.Duration(cfg.IntervalMinutes) * time.Minute,
		targetGlobal:    cfg.Target,
		dailyCap:        cfg.DailyCap,
		rejectionStreak: cfg.RejectionStreak,
		cooldown:        time.Duration(cfg.CooldownHours) * time.Hour,
		enabled:         cfg.Enabled,
		inFlight:        make(map[string]struct{}),
		pausedTil:       make(map[string]time.Time),
		targets:         make(map[string]int),
	}
	if loop.interval <= 0 {
		loop.interval = 10 * time.Minute
	}
	if loop.targetGlobal <= 0 {
		loop.targetGlobal = 20
	}
	if loop.dailyCap <= 0 {
		loop.dailyCap = 40
	}
	if loop.rejectionStreak <= 0 {
		loop.rejectionStreak = 3
	}
	if loop.cooldown <= 0 {
		loop.cooldown = 2 * time.Hour
	}
	return loop
}

// Enable toggles the loop. Running cycles drain regardless.
func (l *Loop) Enable(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// Enabled reports the toggle state.
func (l *Loop) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// SetTarget sets the global approved-pool target.
func (l *Loop) SetTarget(target int) {
	if target <= 0 {
		return
	}
	l.mu.Lock()
	l.targetGlobal = target
	l.mu.Unlock()
}

// SetCharacterTarget overrides the target for one character.
func (l *Loop) SetCharacterTarget(slug string, target int) {
	l.mu.Lock()
	if target <= 0 {
		delete(l.targets, slug)
	} else {
		l.targets[slug] = target
	}
	l.mu.Unlock()
}

// Run drives the periodic tick until ctx is cancelled, then waits for
// in-flight cycles to drain.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return
		case <-ticker.C:
			if l.Enabled() {
				l.Tick(ctx)
			}
		}
	}
}

// Tick runs one replenishment pass over every character of every active
// project.
func (l *Loop) Tick(ctx context.Context) {
	projects, err := l.store.ListProjects(ctx)
	if err != nil {
		l.logger.Error("list projects", logging.Error(err))
		return
	}
	for _, project := range projects {
		if project.Status != store.ProjectActive {
			continue
		}
		characters, err := l.store.CharactersByProject(ctx, project.ID)
		if err != nil {
			l.logger.Error("list characters",
				logging.String(logging.FieldProject, project.Name),
				logging.Error(err))
			continue
		}
		for _, character := range characters {
			l.maybeDispatch(ctx, project, character)
		}
	}
}

func (l *Loop) maybeDispatch(ctx context.Context, project *store.Project, character *store.Character) {
	slug := character.Slug

	l.mu.Lock()
	if _, running := l.inFlight[slug]; running {
		l.mu.Unlock()
		return
	}
	if until, paused := l.pausedTil[slug]; paused {
		if time.Now().Before(until) {
			l.mu.Unlock()
			return
		}
		delete(l.pausedTil, slug)
	}
	target := l.targetGlobal
	if override, ok := l.targets[slug]; ok {
		target = override
	}
	l.mu.Unlock()

	approved, err := l.store.ApprovedCount(ctx, slug)
	if err != nil {
		l.logger.Error("approved count", logging.String(logging.FieldCharacter, slug), logging.Error(err))
		return
	}
	if approved >= target {
		return
	}

	// Daily cap: the cap-th generation is allowed, the next is skipped.
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	generatedToday, err := l.store.GeneratedSince(ctx, slug, midnight)
	if err != nil {
		l.logger.Error("daily count", logging.String(logging.FieldCharacter, slug), logging.Error(err))
		return
	}
	if generatedToday >= l.dailyCap {
		l.auditSkip(ctx, character, project, "replenishment_skip_daily_cap",
			fmt.Sprintf("generated %d today, cap %d", generatedToday, l.dailyCap))
		return
	}

	streak, err := l.store.RejectionStreak(ctx, slug)
	if err != nil {
		l.logger.Error("rejection streak", logging.String(logging.FieldCharacter, slug), logging.Error(err))
		return
	}
	if streak >= l.rejectionStreak {
		until := time.Now().Add(l.cooldown)
		l.mu.Lock()
		l.pausedTil[slug] = until
		l.mu.Unlock()
		l.auditSkip(ctx, character, project, "replenishment_pause_rejection_streak",
			fmt.Sprintf("%d consecutive rejections, paused until %s", streak, until.UTC().Format(time.RFC3339)))
		return
	}

	l.mu.Lock()
	l.inFlight[slug] = struct{}{}
	l.mu.Unlock()

	// Dispatched cycles drain on shutdown; per-request timeouts in the
	// adapters bound how long that takes.
	cycleCtx := context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			delete(l.inFlight, slug)
			l.mu.Unlock()
		}()
		if err := l.cycle(cycleCtx, character, project); err != nil {
			l.logger.Error("replenishment cycle failed",
				logging.String(logging.FieldCharacter, slug),
				logging.Error(err))
		}
	}()
}

func (l *Loop) auditSkip(ctx context.Context, character *store.Character, project *store.Project, decisionType, reason string) {
	input, _ := json.Marshal(map[string]any{"character_slug": character.Slug})
	_, err := l.store.RecordDecision(ctx, &store.AuditDecision{
		DecisionType:  decisionType,
		CharacterSlug: character.Slug,
		ProjectName:   project.Name,
		InputContext:  string(input),
		DecisionMade:  "skipped",
		Confidence:    1,
		Reasoning:     reason,
		Outcome:       store.AuditOutcomeOK,
	})
	if err != nil {
		l.logger.Error("audit replenishment skip", logging.Error(err))
	}
}

// Status is the operator-surface snapshot of the loop.
type Status struct {
	Enabled            bool              `json:"enabled"`
	TargetGlobal       int               `json:"target_global"`
	TargetsByCharacter map[string]int    `json:"targets_by_character"`
	InFlight           []string          `json:"in_flight"`
	DailyCounts        map[string]int    `json:"daily_counts"`
	PausedCharacters   map[string]string `json:"paused_characters"`
	DailyCap           int               `json:"daily_cap"`
}

// Status returns the current loop snapshot. Daily counts cover every
// character of every active project, measured from UTC midnight, the same
// window the cap check uses.
func (l *Loop) Status(ctx context.Context) Status {
	l.mu.Lock()
	status := Status{
		Enabled:            l.enabled,
		TargetGlobal:       l.targetGlobal,
		TargetsByCharacter: make(map[string]int, len(l.targets)),
		DailyCounts:        make(map[string]int),
		PausedCharacters:   make(map[string]string, len(l.pausedTil)),
		DailyCap:           l.dailyCap,
	}
	for slug, target := range l.targets {
		status.TargetsByCharacter[slug] = target
	}
	now := time.Now()
	for slug, until := range l.pausedTil {
		if until.After(now) {
			status.PausedCharacters[slug] = until.UTC().Format(time.RFC3339)
		}
	}
	for slug := range l.inFlight {
		status.InFlight = append(status.InFlight, slug)
	}
	l.mu.Unlock()

	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	projects, err := l.store.ListProjects(ctx)
	if err != nil {
		l.logger.Error("list projects", logging.Error(err))
		return status
	}
	for _, project := range projects {
		if project.Status != store.ProjectActive {
			continue
		}
		characters, err := l.store.CharactersByProject(ctx, project.ID)
		if err != nil {
			l.logger.Error("list characters",
				logging.String(logging.FieldProject, project.Name),
				logging.Error(err))
			continue
		}
		for _, character := range characters {
			count, err := l.store.GeneratedSince(ctx, character.Slug, midnight)
			if err != nil {
				l.logger.Error("daily count",
					logging.String(logging.FieldCharacter, character.Slug),
					logging.Error(err))
				continue
			}
			status.DailyCounts[character.Slug] = count
		}
	}
	return status
}

// CharacterReadiness reports one character's approved pool against its
// effective target.
type CharacterReadiness struct {
	Slug     string `json:"slug"`
	Project  string `json:"project"`
	Approved int    `json:"approved"`
	Pending  int    `json:"pending"`
	Target   int    `json:"target"`
	Ready    bool   `json:"ready"`
}

// Readiness surveys every character of every active project.
func (l *Loop) Readiness(ctx context.Context) ([]CharacterReadiness, error) {
	projects, err := l.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	var report []CharacterReadiness
	for _, project := range projects {
		if project.Status != store.ProjectActive {
			continue
		}
		characters, err := l.store.CharactersByProject(ctx, project.ID)
		if err != nil {
			return nil, err
		}
		for _, character := range characters {
			approved, err := l.store.ApprovedCount(ctx, character.Slug)
			if err != nil {
				return nil, err
			}
			pending, err := l.store.PendingCount(ctx, character.Slug)
			if err != nil {
				return nil, err
			}
			l.mu.Lock()
			target := l.targetGlobal
			if override, ok := l.targets[character.Slug]; ok {
				target = override
			}
			l.mu.Unlock()
			report = append(report, CharacterReadiness{
				Slug:     character.Slug,
				Project:  project.Name,
				Approved: approved,
				Pending:  pending,
				Target:   target,
				Ready:    approved >= target,
			})
		}
	}
	return report, nil
}

// Wait blocks until all dispatched cycles finish. Tests use it to observe
// dispatch results deterministically.
func (l *Loop) Wait() {
	l.wg.Wait()
}
