package learning

import (
	"context"
	"log/slog"

	"sakuga/internal/config"
	"sakuga/internal/events"
	"sakuga/internal/logging"
	"sakuga/internal/store"
)

// Confidence labels how much history backs a recommendation.
type Confidence string

const (
	ConfidenceNone   Confidence = "none"
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

const (
	defaultMinSamples       = 5
	defaultSuccessThreshold = 0.7
	mediumSamples           = 10
	highSamples             = 25
	analysisWindowDays      = 30
)

// Engine is the SQL-driven learning and quality subsystem.
type Engine struct {
	store  *store.Store
	bus    *events.Bus
	logger *slog.Logger

	minSamples       int
	successThreshold float64
	driftThreshold   float64
	driftWindow      int
	autoReject       float64
	autoApprove      float64
}

// NewEngine wires the engine over the store and event bus.
func NewEngine(cfg *config.Config, st *store.Store, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	engine := &Engine{
		store:            st,
		bus:              bus,
		logger:           logging.NewComponentLogger(logger, "learning"),
		minSamples:       cfg.Learning.MinSamples,
		successThreshold: cfg.Learning.SuccessThreshold,
		driftThreshold:   cfg.Learning.DriftThreshold,
		driftWindow:      cfg.Learning.DriftWindow,
		autoReject:       cfg.Quality.AutoRejectThreshold,
		autoApprove:      cfg.Quality.AutoApproveThreshold,
	}
	if engine.minSamples <= 0 {
		engine.minSamples = defaultMinSamples
	}
	if engine.successThreshold <= 0 {
		engine.successThreshold = defaultSuccessThreshold
	}
	if engine.driftWindow <= 0 {
		engine.driftWindow = 20
	}
	if engine.driftThreshold <= 0 {
		engine.driftThreshold = 0.55
	}
	return engine
}

// Subscribe registers the engine's pattern recorder on the bus. Approved
// generations feed success patterns, rejections feed failure patterns.
func (e *Engine) Subscribe() {
	e.bus.Subscribe(events.ImageApproved, func(payload events.Payload) {
		e.recordFromEvent(payload, store.PatternSuccess)
	})
	e.bus.Subscribe(events.ImageRejected, func(payload events.Payload) {
		e.recordFromEvent(payload, store.PatternFailure)
	})
}

func (e *Engine) recordFromEvent(payload events.Payload, patternType store.PatternType) {
	generationID, ok := payloadInt64(payload, "generation_id")
	if !ok {
		return
	}
	ctx := context.Background()
	gen, err := e.store.GetGeneration(ctx, generationID)
	if err != nil || gen == nil || gen.QualityScore == nil {
		if err != nil {
			e.bus.RecordHandlerError()
			e.logger.Error("load generation for pattern", logging.Error(err))
		}
		return
	}
	if err := e.RecordLearnedPattern(ctx, gen.CharacterSlug, patternType, gen.CheckpointModel,
		*gen.QualityScore, gen.CFGScale, gen.Steps); err != nil {
		e.bus.RecordHandlerError()
		e.logger.Error("record learned pattern",
			logging.String(logging.FieldCharacter, gen.CharacterSlug),
			logging.Error(err))
	}
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

func (e *Engine) confidence(samples int) Confidence {
	switch {
	case samples < e.minSamples:
		return ConfidenceNone
	case samples < mediumSamples:
		return ConfidenceLow
	case samples < highSamples:
		return ConfidenceMedium
	default:
		return ConfidenceHigh
	}
}
