package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeComfy()
	c.normalizeLLM()
	c.normalizeVision()
	c.normalizeLimits()
	c.normalizeSecrets()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.RenderDir, err = expandPath(c.Paths.RenderDir); err != nil {
		return fmt.Errorf("paths.render_dir: %w", err)
	}
	if c.Paths.LoraDir, err = expandPath(c.Paths.LoraDir); err != nil {
		return fmt.Errorf("paths.lora_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LibraryDir) != "" {
		if c.Paths.LibraryDir, err = expandPath(c.Paths.LibraryDir); err != nil {
			return fmt.Errorf("paths.library_dir: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeComfy() {
	c.Comfy.URL = strings.TrimRight(strings.TrimSpace(c.Comfy.URL), "/")
	if c.Comfy.PollIntervalSeconds <= 0 {
		c.Comfy.PollIntervalSeconds = defaultComfyPollInterval
	}
	if c.Comfy.StuckAfterSeconds <= 0 {
		c.Comfy.StuckAfterSeconds = defaultComfyStuckAfter
	}
	if c.Comfy.RequestTimeoutSecs <= 0 {
		c.Comfy.RequestTimeoutSecs = defaultComfyRequestTimeout
	}
}

func (c *Config) normalizeLLM() {
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	c.LLM.APIKey = strings.TrimSpace(c.LLM.APIKey)
	if c.LLM.CacheTTLSeconds <= 0 {
		c.LLM.CacheTTLSeconds = defaultLLMCacheTTL
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = defaultLLMTimeout
	}
	if strings.TrimSpace(c.LLM.FallbackModel) == "" {
		c.LLM.FallbackModel = defaultLLMFallbackModel
	}
}

func (c *Config) normalizeVision() {
	c.Vision.BaseURL = strings.TrimRight(strings.TrimSpace(c.Vision.BaseURL), "/")
	if c.Vision.TimeoutSeconds <= 0 {
		c.Vision.TimeoutSeconds = defaultVisionTimeout
	}
	if strings.TrimSpace(c.Vision.Model) == "" {
		c.Vision.Model = defaultVisionModel
	}
}

func (c *Config) normalizeLimits() {
	if c.GPU.VRAMThresholdMB <= 0 {
		c.GPU.VRAMThresholdMB = defaultVRAMThresholdMB
	}
	if c.GPU.FreeWaitSeconds <= 0 {
		c.GPU.FreeWaitSeconds = defaultFreeWaitSeconds
	}
	if c.Orchestrator.TickIntervalSeconds <= 0 {
		c.Orchestrator.TickIntervalSeconds = defaultTickInterval
	}
	if c.Orchestrator.TrainingTarget < 0 {
		c.Orchestrator.TrainingTarget = defaultTrainingTarget
	}
	if c.Replenishment.IntervalMinutes <= 0 {
		c.Replenishment.IntervalMinutes = defaultReplenishInterval
	}
	if c.Replenishment.Target <= 0 {
		c.Replenishment.Target = defaultReplenishTarget
	}
	if c.Replenishment.DailyCap <= 0 {
		c.Replenishment.DailyCap = defaultDailyCap
	}
	if c.Replenishment.RejectionStreak <= 0 {
		c.Replenishment.RejectionStreak = defaultRejectionStreak
	}
	if c.Replenishment.CooldownHours <= 0 {
		c.Replenishment.CooldownHours = defaultCooldownHours
	}
	if c.Correction.DepthLimit <= 0 {
		c.Correction.DepthLimit = defaultCorrectionDepthLimit
	}
	if c.Correction.SeedOffset == 0 {
		c.Correction.SeedOffset = defaultCorrectionSeedOffset
	}
	if c.Learning.MinSamples <= 0 {
		c.Learning.MinSamples = defaultLearningMinSamples
	}
	if c.Learning.SuccessThreshold <= 0 {
		c.Learning.SuccessThreshold = defaultSuccessThreshold
	}
	if c.Learning.DriftThreshold <= 0 {
		c.Learning.DriftThreshold = defaultDriftAlertThreshold
	}
	if c.Learning.DriftWindow <= 0 {
		c.Learning.DriftWindow = defaultDriftWindow
	}
	if c.Assembly.CrossfadeSeconds <= 0 {
		c.Assembly.CrossfadeSeconds = defaultCrossfadeSeconds
	}
	if c.Auth.RateLimitPerMinute <= 0 {
		c.Auth.RateLimitPerMinute = defaultRateLimitPerMinute
	}
}

// normalizeSecrets applies environment overrides. Either VAULT_ROOT_TOKEN or
// ANIME_DB_PASSWORD suffices for store secret acquisition.
func (c *Config) normalizeSecrets() {
	if v := strings.TrimSpace(os.Getenv("VAULT_ROOT_TOKEN")); v != "" {
		c.Database.VaultToken = v
	}
	if v := strings.TrimSpace(os.Getenv("ANIME_DB_PASSWORD")); v != "" {
		c.Database.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("JELLYFIN_API_KEY")); v != "" {
		c.Jellyfin.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("JWT_SECRET_KEY")); v != "" {
		c.Auth.JWTSecret = v
	}
}

func (c *Config) normalizeLogging() {
	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = defaultLogFormat
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = defaultLogRetentionDays
	}
}
