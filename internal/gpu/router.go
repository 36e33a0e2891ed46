// Package gpu routes work between the two physical accelerators and gates
// admission to the generation card by backend business and free VRAM.
package gpu

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sakuga/internal/config"
	"sakuga/internal/logging"
)

// Device identifies one of the two accelerators.
type Device string

const (
	// DeviceA runs generation and training workloads.
	DeviceA Device = "gpu_a"
	// DeviceB runs inference workloads and is never gated.
	DeviceB Device = "gpu_b"
)

// TaskKind is a routable workload class.
type TaskKind string

const (
	TaskImageGeneration     TaskKind = "image_generation"
	TaskVideoGeneration     TaskKind = "video_generation"
	TaskTraining            TaskKind = "training"
	TaskVisionTagging       TaskKind = "vision_tagging"
	TaskLLMInference        TaskKind = "llm_inference"
	TaskEmbedding           TaskKind = "embedding"
	TaskImageClassification TaskKind = "image_classification"
)

// routingTable is static: generation-heavy work goes to device A,
// inference to device B.
var routingTable = map[TaskKind]Device{
	TaskImageGeneration:     DeviceA,
	TaskVideoGeneration:     DeviceA,
	TaskTraining:            DeviceA,
	TaskVisionTagging:       DeviceA,
	TaskLLMInference:        DeviceB,
	TaskEmbedding:           DeviceB,
	TaskImageClassification: DeviceB,
}

// Route returns the device a task kind runs on. Unknown kinds default to
// the inference device since it is never gated.
func Route(kind TaskKind) Device {
	if device, ok := routingTable[kind]; ok {
		return device
	}
	return DeviceB
}

// Backend is the slice of the image-backend adapter the router needs.
type Backend interface {
	IsBusy(ctx context.Context) (bool, error)
	FreeVRAM(ctx context.Context) (int, error)
	FreeMemory(ctx context.Context) error
}

// Admission is the outcome of a pre-task gate check.
type Admission struct {
	Admitted bool   `json:"admitted"`
	Device   Device `json:"device"`
	Reason   string `json:"reason,omitempty"`
	FreeMB   int    `json:"free_mb,omitempty"`
}

// Router arbitrates access to the generation accelerator.
type Router struct {
	backend     Backend
	logger      *slog.Logger
	thresholdMB int
	freeWait    time.Duration
	sleep       func(context.Context, time.Duration)

	mu   sync.Mutex
	last Admission
}

// NewRouter builds the router over the image backend.
func NewRouter(cfg config.GPU, backend Backend, logger *slog.Logger) *Router {
	if logger == nil {
		logger = logging.NewNop()
	}
	threshold := cfg.VRAMThresholdMB
	if threshold <= 0 {
		threshold = 4500
	}
	freeWait := time.Duration(cfg.FreeWaitSeconds) * time.Second
	if freeWait <= 0 {
		freeWait = 2 * time.Second
	}
	return &Router{
		backend:     backend,
		logger:      logging.NewComponentLogger(logger, "gpu"),
		thresholdMB: threshold,
		freeWait:    freeWait,
		sleep: func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		},
	}
}

// Admit runs the pre-task gate for a task kind. Inference-device tasks
// always admit; generation-device tasks are denied while the backend is
// busy or VRAM is short after one free-memory mitigation.
func (r *Router) Admit(ctx context.Context, kind TaskKind) (Admission, error) {
	device := Route(kind)
	if device == DeviceB {
		return r.record(Admission{Admitted: true, Device: DeviceB}), nil
	}

	busy, err := r.backend.IsBusy(ctx)
	if err != nil {
		return Admission{}, err
	}
	if busy {
		return r.record(Admission{Device: DeviceA, Reason: "backend busy"}), nil
	}

	freeMB, err := r.backend.FreeVRAM(ctx)
	if err != nil {
		return Admission{}, err
	}
	if freeMB >= r.thresholdMB {
		return r.record(Admission{Admitted: true, Device: DeviceA, FreeMB: freeMB}), nil
	}

	// One mitigation attempt: unload models, wait, re-check.
	r.logger.Info("freeing backend memory",
		logging.Int("free_mb", freeMB),
		logging.Int("threshold_mb", r.thresholdMB))
	if err := r.backend.FreeMemory(ctx); err != nil {
		return Admission{}, err
	}
	r.sleep(ctx, r.freeWait)

	freeMB, err = r.backend.FreeVRAM(ctx)
	if err != nil {
		return Admission{}, err
	}
	if freeMB >= r.thresholdMB {
		return r.record(Admission{Admitted: true, Device: DeviceA, FreeMB: freeMB}), nil
	}
	return r.record(Admission{Device: DeviceA, Reason: "insufficient vram", FreeMB: freeMB}), nil
}

func (r *Router) record(admission Admission) Admission {
	r.mu.Lock()
	r.last = admission
	r.mu.Unlock()
	if !admission.Admitted {
		r.logger.Warn("task denied",
			logging.String("device", string(admission.Device)),
			logging.String("reason", admission.Reason))
	}
	return admission
}

// Status is the router snapshot exposed by the operator surface.
type Status struct {
	ThresholdMB   int       `json:"vram_threshold_mb"`
	LastAdmission Admission `json:"last_admission"`
}

// Status returns the current router snapshot.
func (r *Router) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{ThresholdMB: r.thresholdMB, LastAdmission: r.last}
}
