package main

import (
	"context"

	"log/slog"

	"sakuga/internal/assembly"
	"sakuga/internal/comfy"
	"sakuga/internal/config"
	"sakuga/internal/correction"
	"sakuga/internal/daemon"
	"sakuga/internal/events"
	"sakuga/internal/gpu"
	"sakuga/internal/learning"
	"sakuga/internal/llm"
	"sakuga/internal/orchestrator"
	"sakuga/internal/publish"
	"sakuga/internal/replenish"
	"sakuga/internal/store"
	"sakuga/internal/vision"
)

// bootstrap wires every subsystem into a daemon: adapters first, then
// the learning engine and event consumers, then the loops that drive
// them.
func bootstrap(cfg *config.Config, st *store.Store, logger *slog.Logger) (*daemon.Daemon, error) {
	bus := events.NewBus(logger)

	comfyClient := comfy.NewClient(cfg.Comfy, logger)
	visionClient := vision.NewClient(cfg.Vision, logger)

	var fallback llm.FallbackFunc
	if cfg.LLM.FallbackEnabled {
		fallback = func(ctx context.Context, prompt string) (string, error) {
			return visionClient.Query(ctx, prompt, "")
		}
	}
	llmClient := llm.NewClient(cfg.LLM, fallback, logger)

	router := gpu.NewRouter(cfg.GPU, comfyClient, logger)
	engine := learning.NewEngine(cfg, st, bus, logger)
	engine.Subscribe()

	assembler := assembly.NewAssembler(cfg, st, logger)
	publisher := publish.NewPublisher(cfg, st, logger)

	workers := orchestrator.NewPhaseWorkers(
		cfg, st, comfyClient, visionClient, llmClient, router,
		engine, assembler, publisher, bus, logger)
	workers.SetDefaultCheckpoint(cfg.Comfy.DefaultCheckpoint)

	orch := orchestrator.New(cfg, st, bus, workers, logger)
	loop := replenish.NewLoop(cfg.Replenishment, st, workers.GenerationCycle, logger)

	corrector := correction.NewCorrector(cfg.Correction, st, engine, bus,
		func(ctx context.Context, req correction.Request) error {
			return workers.CorrectedCycle(ctx, req.Character, req.Project, orchestrator.CycleOverrides{
				Params:          req.Params,
				ExtraNegatives:  req.ExtraNegatives,
				Seed:            req.Seed,
				CorrectionOf:    req.CorrectionOf,
				CorrectionDepth: req.CorrectionDepth,
			})
		}, logger)
	corrector.Subscribe()

	return daemon.New(cfg, st, logger, daemon.Components{
		Orchestrator: orch,
		Replenisher:  loop,
		Learning:     engine,
		Corrector:    corrector,
		GPU:          router,
		Bus:          bus,
		Breakers: map[string]daemon.BreakerStatus{
			"comfy":  comfyClient,
			"llm":    llmClient,
			"vision": visionClient,
		},
	})
}
