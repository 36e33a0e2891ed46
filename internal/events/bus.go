package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"sakuga/internal/logging"
)

// Reserved event names emitted by the core subsystems.
const (
	ImageApproved         = "IMAGE_APPROVED"
	ImageRejected         = "IMAGE_REJECTED"
	TrainingStarted       = "TRAINING_STARTED"
	TrainingComplete      = "TRAINING_COMPLETE"
	ScenePlanningComplete = "SCENE_PLANNING_COMPLETE"
	SceneReady            = "SCENE_READY"
	EpisodeAssembled      = "EPISODE_ASSEMBLED"
	EpisodePublished      = "EPISODE_PUBLISHED"
	PipelinePhaseAdvanced = "PIPELINE_PHASE_ADVANCED"
)

// Payload is the event payload. Handlers must tolerate unknown extra keys.
type Payload map[string]any

// Handler consumes one event payload. Handlers run on their own goroutine
// after Emit returns; panics and errors are logged and counted, never
// propagated to the emitter.
type Handler func(payload Payload)

// Bus is a process-local publish/subscribe dispatcher. Delivery order
// between handlers of the same event is unspecified.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	emits  atomic.Int64
	errors atomic.Int64

	wg sync.WaitGroup
}

// NewBus builds an empty bus logging handler failures through logger.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bus{
		logger:   logging.NewComponentLogger(logger, "events"),
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for an event name. Multiple handlers per
// event are allowed.
func (b *Bus) Subscribe(event string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	b.handlers[event] = append(b.handlers[event], handler)
	b.mu.Unlock()
}

// Emit schedules every handler subscribed to the event and returns
// immediately. Payloads are shallow-copied per handler so one subscriber
// cannot mutate what another observes.
func (b *Bus) Emit(event string, payload Payload) {
	b.emits.Add(1)

	b.mu.RLock()
	handlers := b.handlers[event]
	b.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	for _, handler := range handlers {
		handler := handler
		copied := make(Payload, len(payload))
		for key, value := range payload {
			copied[key] = value
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				if recovered := recover(); recovered != nil {
					b.errors.Add(1)
					b.logger.Error("event handler panicked",
						logging.String(logging.FieldEvent, event),
						logging.String("panic", fmt.Sprint(recovered)))
				}
			}()
			handler(copied)
		}()
	}
}

// Stats reports subscription counts and lifetime emit/error totals.
type Stats struct {
	HandlersPerEvent map[string]int `json:"handlers_per_event"`
	EmitsTotal       int64          `json:"emits_total"`
	ErrorsTotal      int64          `json:"errors_total"`
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	perEvent := make(map[string]int, len(b.handlers))
	for event, handlers := range b.handlers {
		perEvent[event] = len(handlers)
	}
	b.mu.RUnlock()

	return Stats{
		HandlersPerEvent: perEvent,
		EmitsTotal:       b.emits.Load(),
		ErrorsTotal:      b.errors.Load(),
	}
}

// RecordHandlerError counts a handler failure that was caught and logged
// by the subscriber itself.
func (b *Bus) RecordHandlerError() {
	b.errors.Add(1)
}

// Drain blocks until all scheduled handlers have finished. Used at
// shutdown and in tests.
func (b *Bus) Drain() {
	b.wg.Wait()
}
