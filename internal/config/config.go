package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	RenderDir  string `toml:"render_dir"`
	LoraDir    string `toml:"lora_dir"`
	LibraryDir string `toml:"library_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
}

// Comfy contains configuration for the image-generation backend.
type Comfy struct {
	URL                 string `toml:"url"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	StuckAfterSeconds   int    `toml:"stuck_after_seconds"`
	RequestTimeoutSecs  int    `toml:"request_timeout_seconds"`
	DefaultCheckpoint   string `toml:"default_checkpoint"`
}

// LLM contains configuration for the dialogue/vision language-model service.
type LLM struct {
	BaseURL         string   `toml:"base_url"`
	APIKey          string   `toml:"api_key"`
	FastModels      []string `toml:"fast_models"`
	StandardModels  []string `toml:"standard_models"`
	AdvancedModels  []string `toml:"advanced_models"`
	CacheTTLSeconds int      `toml:"cache_ttl_seconds"`
	TimeoutSeconds  int      `toml:"timeout_seconds"`
	FallbackEnabled bool     `toml:"fallback_enabled"`
	FallbackModel   string   `toml:"fallback_model"`
}

// Vision contains configuration for the local inference backend.
type Vision struct {
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// GPU contains configuration for the dual-accelerator router.
type GPU struct {
	VRAMThresholdMB int `toml:"vram_threshold_mb"`
	FreeWaitSeconds int `toml:"free_wait_seconds"`
}

// Orchestrator contains configuration for the pipeline scheduler.
type Orchestrator struct {
	Enabled             bool `toml:"enabled"`
	TickIntervalSeconds int  `toml:"tick_interval_seconds"`
	TrainingTarget      int  `toml:"training_target"`
}

// Replenishment contains configuration for the approved-pool replenishment loop.
type Replenishment struct {
	Enabled         bool `toml:"enabled"`
	IntervalMinutes int  `toml:"interval_minutes"`
	Target          int  `toml:"target"`
	DailyCap        int  `toml:"daily_cap"`
	RejectionStreak int  `toml:"rejection_streak"`
	CooldownHours   int  `toml:"cooldown_hours"`
}

// Quality contains the default auto-review thresholds.
type Quality struct {
	AutoRejectThreshold  float64 `toml:"auto_reject_threshold"`
	AutoApproveThreshold float64 `toml:"auto_approve_threshold"`
}

// Correction contains configuration for rejection-driven regeneration.
type Correction struct {
	Enabled    bool `toml:"enabled"`
	DepthLimit int  `toml:"depth_limit"`
	SeedOffset int  `toml:"seed_offset"`
}

// Learning contains thresholds for the SQL-driven learning engine.
type Learning struct {
	MinSamples       int     `toml:"min_samples"`
	SuccessThreshold float64 `toml:"success_threshold"`
	DriftThreshold   float64 `toml:"drift_threshold"`
	DriftWindow      int     `toml:"drift_window"`
}

// Assembly contains configuration for scene and episode video assembly.
type Assembly struct {
	CrossfadeSeconds float64 `toml:"crossfade_seconds"`
}

// Jellyfin contains configuration for media-library publishing.
type Jellyfin struct {
	Enabled  bool   `toml:"enabled"`
	URL      string `toml:"url"`
	APIKey   string `toml:"api_key"`
	AnimeDir string `toml:"anime_dir"`
}

// Auth contains configuration for the network operator surface.
type Auth struct {
	JWTSecret          string `toml:"jwt_secret"`
	TrustedSubnet      string `toml:"trusted_subnet"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`
}

// Database carries secret acquisition settings for the persistent store.
type Database struct {
	Password   string `toml:"password"`
	VaultToken string `toml:"-"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for the sakuga daemon.
//
// Configuration sections by subsystem:
//   - Paths: directories and API bind address
//   - Comfy: image-generation backend connection and polling
//   - LLM: dialogue service tiers, cache, and local fallback
//   - Vision: local inference backend for image review
//   - GPU: dual-accelerator admission thresholds
//   - Orchestrator: tick interval and training targets
//   - Replenishment: approved-pool targets and safety caps
//   - Quality: auto-approve / auto-reject thresholds
//   - Correction: rejection-driven regeneration limits
//   - Learning: SQL aggregation thresholds
//   - Jellyfin: media-library publishing
//   - Auth: bearer-token verification and rate limiting
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Comfy         Comfy         `toml:"comfy"`
	LLM           LLM           `toml:"llm"`
	Vision        Vision        `toml:"vision"`
	GPU           GPU           `toml:"gpu"`
	Orchestrator  Orchestrator  `toml:"orchestrator"`
	Replenishment Replenishment `toml:"replenishment"`
	Quality       Quality       `toml:"quality"`
	Correction    Correction    `toml:"correction"`
	Learning      Learning      `toml:"learning"`
	Assembly      Assembly      `toml:"assembly"`
	Jellyfin      Jellyfin      `toml:"jellyfin"`
	Auth          Auth          `toml:"auth"`
	Database      Database      `toml:"database"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/sakuga/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("sakuga.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// LibraryDir is created on a best-effort basis so the daemon can run when
// external storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.RenderDir, c.Paths.LoraDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.LibraryDir) != "" {
		_ = os.MkdirAll(c.Paths.LibraryDir, 0o755)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
