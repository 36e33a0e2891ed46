package config

const (
	defaultDataDir   = "~/.local/share/sakuga/data"
	defaultRenderDir = "~/.local/share/sakuga/renders"
	defaultLoraDir   = "~/.local/share/sakuga/loras"
	defaultLogDir    = "~/.local/share/sakuga/logs"
	defaultAPIBind   = "127.0.0.1:7806"

	defaultComfyURL            = "http://127.0.0.1:8188"
	defaultComfyPollInterval   = 3
	defaultComfyStuckAfter     = 300
	defaultComfyRequestTimeout = 600

	defaultLLMBaseURL       = "http://127.0.0.1:8080/v1/chat/completions"
	defaultLLMCacheTTL      = 3600
	defaultLLMTimeout       = 120
	defaultLLMFallbackModel = "qwen2.5:7b"

	defaultVisionBaseURL = "http://127.0.0.1:11434"
	defaultVisionModel   = "llava:13b"
	defaultVisionTimeout = 90

	defaultVRAMThresholdMB = 4500
	defaultFreeWaitSeconds = 2

	defaultTickInterval   = 60
	defaultTrainingTarget = 20

	defaultReplenishInterval = 10
	defaultReplenishTarget   = 20
	defaultDailyCap          = 40
	defaultRejectionStreak   = 3
	defaultCooldownHours     = 2

	defaultAutoRejectThreshold  = 0.4
	defaultAutoApproveThreshold = 0.8

	defaultCorrectionDepthLimit = 3
	defaultCorrectionSeedOffset = 101

	defaultLearningMinSamples  = 5
	defaultSuccessThreshold    = 0.7
	defaultDriftAlertThreshold = 0.55
	defaultDriftWindow         = 20

	defaultCrossfadeSeconds = 0.5

	defaultJellyfinAnimeDir = "anime"

	defaultRateLimitPerMinute = 60

	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultLogRetentionDays = 60
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:   defaultDataDir,
			RenderDir: defaultRenderDir,
			LoraDir:   defaultLoraDir,
			LogDir:    defaultLogDir,
			APIBind:   defaultAPIBind,
		},
		Comfy: Comfy{
			URL:                 defaultComfyURL,
			PollIntervalSeconds: defaultComfyPollInterval,
			StuckAfterSeconds:   defaultComfyStuckAfter,
			RequestTimeoutSecs:  defaultComfyRequestTimeout,
		},
		LLM: LLM{
			BaseURL:         defaultLLMBaseURL,
			CacheTTLSeconds: defaultLLMCacheTTL,
			TimeoutSeconds:  defaultLLMTimeout,
			FallbackEnabled: true,
			FallbackModel:   defaultLLMFallbackModel,
		},
		Vision: Vision{
			BaseURL:        defaultVisionBaseURL,
			Model:          defaultVisionModel,
			TimeoutSeconds: defaultVisionTimeout,
		},
		GPU: GPU{
			VRAMThresholdMB: defaultVRAMThresholdMB,
			FreeWaitSeconds: defaultFreeWaitSeconds,
		},
		Orchestrator: Orchestrator{
			Enabled:             true,
			TickIntervalSeconds: defaultTickInterval,
			TrainingTarget:      defaultTrainingTarget,
		},
		Replenishment: Replenishment{
			Enabled:         true,
			IntervalMinutes: defaultReplenishInterval,
			Target:          defaultReplenishTarget,
			DailyCap:        defaultDailyCap,
			RejectionStreak: defaultRejectionStreak,
			CooldownHours:   defaultCooldownHours,
		},
		Quality: Quality{
			AutoRejectThreshold:  defaultAutoRejectThreshold,
			AutoApproveThreshold: defaultAutoApproveThreshold,
		},
		Correction: Correction{
			Enabled:    true,
			DepthLimit: defaultCorrectionDepthLimit,
			SeedOffset: defaultCorrectionSeedOffset,
		},
		Learning: Learning{
			MinSamples:       defaultLearningMinSamples,
			SuccessThreshold: defaultSuccessThreshold,
			DriftThreshold:   defaultDriftAlertThreshold,
			DriftWindow:      defaultDriftWindow,
		},
		Assembly: Assembly{
			CrossfadeSeconds: defaultCrossfadeSeconds,
		},
		Jellyfin: Jellyfin{
			AnimeDir: defaultJellyfinAnimeDir,
		},
		Auth: Auth{
			RateLimitPerMinute: defaultRateLimitPerMinute,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
