// Package correction reacts to rejected generations by proposing a
// corrected regeneration with augmented negative prompts and a shifted
// seed, bounded by a correction depth limit.
package correction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"sakuga/internal/config"
	"sakuga/internal/events"
	"sakuga/internal/learning"
	"sakuga/internal/logging"
	"sakuga/internal/store"
)

// Request describes one corrected regeneration to dispatch.
type Request struct {
	Character       *store.Character
	Project         *store.Project
	CorrectionOf    int64
	CorrectionDepth int
	Params          learning.Recommendation
	ExtraNegatives  string
	Seed            int64
}

// DispatchFunc submits a corrected generation cycle. Implementations run
// the generate-and-review path and record the new generation with the
// request's correction metadata.
type DispatchFunc func(ctx context.Context, req Request) error

// Corrector subscribes to rejections and proposes corrections.
type Corrector struct {
	store    *store.Store
	engine   *learning.Engine
	bus      *events.Bus
	dispatch DispatchFunc
	logger   *slog.Logger

	depthLimit int
	seedOffset int64

	mu        sync.Mutex
	enabled   bool
	attempted int64
}

// NewCorrector builds the subsystem. dispatch runs asynchronously from
// event handlers; it must be safe for concurrent use.
func NewCorrector(cfg config.Correction, st *store.Store, engine *learning.Engine, bus *events.Bus, dispatch DispatchFunc, logger *slog.Logger) *Corrector {
	if logger == nil {
		logger = logging.NewNop()
	}
	depthLimit := cfg.DepthLimit
	if depthLimit <= 0 {
		depthLimit = 3
	}
	seedOffset := int64(cfg.SeedOffset)
	if seedOffset == 0 {
		seedOffset = 101
	}
	return &Corrector{
		store:      st,
		engine:     engine,
		bus:        bus,
		dispatch:   dispatch,
		logger:     logging.NewComponentLogger(logger, "correction"),
		depthLimit: depthLimit,
		seedOffset: seedOffset,
		enabled:    cfg.Enabled,
	}
}

// Subscribe registers the rejection handler on the bus.
func (c *Corrector) Subscribe() {
	c.bus.Subscribe(events.ImageRejected, func(payload events.Payload) {
		generationID, ok := payloadInt64(payload, "generation_id")
		if !ok {
			return
		}
		if err := c.Correct(context.Background(), generationID); err != nil {
			c.bus.RecordHandlerError()
			c.logger.Error("correction failed", logging.Error(err))
		}
	})
}

// Enable toggles correction dispatch.
func (c *Corrector) Enable(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

// Enabled reports the toggle state.
func (c *Corrector) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Correct proposes a corrected regeneration for a rejected generation.
// Records already at the depth limit are left alone so correction chains
// terminate.
func (c *Corrector) Correct(ctx context.Context, generationID int64) error {
	if !c.Enabled() {
		return nil
	}

	gen, err := c.store.GetGeneration(ctx, generationID)
	if err != nil {
		return err
	}
	if gen == nil || gen.Status != store.ReviewRejected {
		return nil
	}
	if gen.CorrectionDepth >= c.depthLimit {
		c.logger.Info("correction depth limit reached",
			logging.String(logging.FieldCharacter, gen.CharacterSlug),
			logging.Int("depth", gen.CorrectionDepth))
		return nil
	}

	project, err := c.store.ProjectForCharacter(ctx, gen.CharacterSlug)
	if err != nil {
		return err
	}
	if project == nil {
		return nil
	}
	character, err := c.store.GetCharacterBySlug(ctx, project.ID, gen.CharacterSlug)
	if err != nil || character == nil {
		return err
	}

	recommendation, err := c.engine.RecommendParams(ctx, gen.CharacterSlug, gen.ProjectName, gen.CheckpointModel)
	if err != nil {
		return err
	}
	negatives := learning.NegativeTermsFor(gen.Categories)

	req := Request{
		Character:       character,
		Project:         project,
		CorrectionOf:    gen.ID,
		CorrectionDepth: gen.CorrectionDepth + 1,
		Params:          recommendation,
		ExtraNegatives:  negatives,
		// Deterministic offset so the corrected output differs from the
		// rejected one without losing reproducibility.
		Seed: gen.Seed + c.seedOffset,
	}

	c.audit(ctx, gen, req)
	c.mu.Lock()
	c.attempted++
	c.mu.Unlock()

	if err := c.dispatch(ctx, req); err != nil {
		return fmt.Errorf("dispatch correction: %w", err)
	}
	return nil
}

func (c *Corrector) audit(ctx context.Context, gen *store.Generation, req Request) {
	input, _ := json.Marshal(map[string]any{
		"rejected_generation": gen.ID,
		"categories":          gen.Categories,
		"depth":               req.CorrectionDepth,
	})
	_, err := c.store.RecordDecision(ctx, &store.AuditDecision{
		DecisionType:  "auto_correction",
		CharacterSlug: gen.CharacterSlug,
		ProjectName:   gen.ProjectName,
		InputContext:  string(input),
		DecisionMade:  "regenerate",
		Confidence:    0.7,
		Reasoning:     fmt.Sprintf("retrying with negatives %q at depth %d", req.ExtraNegatives, req.CorrectionDepth),
		Outcome:       store.AuditOutcomePending,
	})
	if err != nil {
		c.logger.Error("audit correction", logging.Error(err))
	}
}

// Stats summarizes correction outcomes.
type Stats struct {
	Enabled    bool    `json:"enabled"`
	DepthLimit int     `json:"depth_limit"`
	Attempted  int64   `json:"attempted"`
	Corrected  int     `json:"corrected"`
	Succeeded  int     `json:"succeeded"`
	SuccessPct float64 `json:"success_rate"`
}

// GetStats reports how many corrections were produced and how many of
// them reached approval.
func (c *Corrector) GetStats(ctx context.Context) Stats {
	c.mu.Lock()
	stats := Stats{Enabled: c.enabled, DepthLimit: c.depthLimit, Attempted: c.attempted}
	c.mu.Unlock()

	err := c.store.DB().QueryRowContext(
		ctx,
		`SELECT COUNT(1),
                SUM(CASE WHEN status = 'approved' THEN 1 ELSE 0 END)
         FROM generations WHERE correction_of IS NOT NULL`,
	).Scan(&stats.Corrected, &nullCount{&stats.Succeeded})
	if err != nil {
		c.logger.Error("correction stats", logging.Error(err))
		return stats
	}
	if stats.Corrected > 0 {
		stats.SuccessPct = float64(stats.Succeeded) / float64(stats.Corrected)
	}
	return stats
}

func payloadInt64(payload events.Payload, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

type nullCount struct {
	dest *int
}

func (n *nullCount) Scan(value any) error {
	if value == nil {
		*n.dest = 0
		return nil
	}
	switch v := value.(type) {
	case int64:
		*n.dest = int(v)
	case float64:
		*n.dest = int(v)
	default:
		return fmt.Errorf("unsupported count type %T", value)
	}
	return nil
}
