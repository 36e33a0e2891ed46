package assembly

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"sakuga/internal/config"
	"sakuga/internal/logging"
	"sakuga/internal/services"
	"sakuga/internal/store"
)

const ffmpegCommand = "ffmpeg"

// commandRunner executes an external tool. Tests inject a fake.
type commandRunner func(ctx context.Context, name string, args ...string) error

// Assembler concatenates shot clips into scene videos and scene videos
// into episodes.
type Assembler struct {
	store     *store.Store
	logger    *slog.Logger
	run       commandRunner
	renderDir string
	crossfade float64
}

// NewAssembler constructs the video assembler.
func NewAssembler(cfg *config.Config, st *store.Store, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = logging.NewNop()
	}
	crossfade := cfg.Assembly.CrossfadeSeconds
	if crossfade <= 0 {
		crossfade = 0.5
	}
	return &Assembler{
		store:     st,
		logger:    logging.NewComponentLogger(logger, "assembly"),
		run:       defaultCommandRunner,
		renderDir: cfg.Paths.RenderDir,
		crossfade: crossfade,
	}
}

// WithCommandRunner injects a custom command runner for tests.
func (a *Assembler) WithCommandRunner(r commandRunner) {
	if a != nil && r != nil {
		a.run = r
	}
}

// AssembleScene joins a scene's rendered shot clips into one video with
// crossfades between cuts and writes final_video_path. Already-assembled
// scenes are left untouched so re-invocation is safe.
func (a *Assembler) AssembleScene(ctx context.Context, sceneID int64) (string, error) {
	scene, err := a.store.GetScene(ctx, sceneID)
	if err != nil {
		return "", err
	}
	if scene == nil {
		return "", services.Wrap(services.ErrNotFound, "assembly", "assemble scene",
			fmt.Sprintf("scene %d not found", sceneID), nil)
	}
	if scene.FinalVideoPath != "" {
		return scene.FinalVideoPath, nil
	}

	shots, err := a.store.ShotsByScene(ctx, sceneID)
	if err != nil {
		return "", err
	}
	clips := make([]string, 0, len(shots))
	for _, shot := range shots {
		if shot.OutputVideoPath == "" {
			return "", services.Wrap(services.ErrIntegrity, "assembly", "assemble scene",
				fmt.Sprintf("shot %d has no rendered clip", shot.ID), nil)
		}
		clips = append(clips, shot.OutputVideoPath)
	}
	if len(clips) == 0 {
		return "", services.Wrap(services.ErrIntegrity, "assembly", "assemble scene",
			"scene has no shots", nil)
	}

	outDir := filepath.Join(a.renderDir, "scenes")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create scene dir: %w", err)
	}
	outPath := filepath.Join(outDir, fmt.Sprintf("scene_%d.mp4", sceneID))

	if err := a.concatWithCrossfade(ctx, clips, outPath); err != nil {
		return "", services.Wrap(services.ErrExternalTool, "assembly", "assemble scene",
			"scene concatenation failed", err)
	}
	if err := a.store.SetSceneVideo(ctx, sceneID, outPath); err != nil {
		return "", err
	}
	a.logger.Info("scene assembled",
		logging.Int64("scene_id", sceneID),
		logging.Int("shots", len(clips)),
		logging.String("output", outPath))
	return outPath, nil
}

// AssembleEpisode concatenates scene videos into the episode MP4 using a
// concat list, no re-encode of shot-level content.
func (a *Assembler) AssembleEpisode(ctx context.Context, episodeID int64) (string, error) {
	episode, err := a.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return "", err
	}
	if episode == nil {
		return "", services.Wrap(services.ErrNotFound, "assembly", "assemble episode",
			fmt.Sprintf("episode %d not found", episodeID), nil)
	}
	if episode.FinalVideoPath != "" {
		return episode.FinalVideoPath, nil
	}

	scenes, err := a.store.ScenesByProject(ctx, episode.ProjectID)
	if err != nil {
		return "", err
	}
	var inputs []string
	for _, scene := range scenes {
		if scene.EpisodeID != nil && *scene.EpisodeID != episodeID {
			continue
		}
		if scene.FinalVideoPath == "" {
			return "", services.Wrap(services.ErrIntegrity, "assembly", "assemble episode",
				fmt.Sprintf("scene %d has no assembled video", scene.ID), nil)
		}
		inputs = append(inputs, scene.FinalVideoPath)
	}
	if len(inputs) == 0 {
		return "", services.Wrap(services.ErrIntegrity, "assembly", "assemble episode",
			"episode has no assembled scenes", nil)
	}

	outDir := filepath.Join(a.renderDir, "episodes")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create episode dir: %w", err)
	}
	outPath := filepath.Join(outDir, fmt.Sprintf("episode_%02d.mp4", episode.Seq))

	if err := a.concatCopy(ctx, inputs, outPath); err != nil {
		return "", services.Wrap(services.ErrExternalTool, "assembly", "assemble episode",
			"episode concatenation failed", err)
	}
	if err := a.store.SetEpisodeAssembled(ctx, episodeID, outPath); err != nil {
		return "", err
	}
	a.logger.Info("episode assembled",
		logging.Int64("episode_id", episodeID),
		logging.Int("scenes", len(inputs)),
		logging.String("output", outPath))
	return outPath, nil
}

// concatWithCrossfade renders shot clips into one stream, fading between
// cuts. The output lands via temp file plus rename so a killed run never
// leaves a half-written final path.
func (a *Assembler) concatWithCrossfade(ctx context.Context, clips []string, outPath string) error {
	tmpPath := filepath.Join(filepath.Dir(outPath), ".assemble-"+filepath.Base(outPath)+".tmp")
	defer os.Remove(tmpPath)

	args := make([]string, 0, len(clips)*2+8)
	for _, clip := range clips {
		args = append(args, "-i", clip)
	}
	if len(clips) == 1 {
		args = append(args, "-c", "copy")
	} else {
		args = append(args, "-filter_complex", crossfadeFilter(len(clips), a.crossfade))
	}
	args = append(args, "-y", "-f", "mp4", tmpPath)

	if err := a.run(ctx, ffmpegCommand, args...); err != nil {
		return err
	}
	if _, err := os.Stat(tmpPath); err != nil {
		return fmt.Errorf("no output produced: %w", err)
	}
	return os.Rename(tmpPath, outPath)
}

// concatCopy stream-copies inputs back to back using the concat demuxer.
func (a *Assembler) concatCopy(ctx context.Context, inputs []string, outPath string) error {
	listPath := filepath.Join(filepath.Dir(outPath), ".concat-"+filepath.Base(outPath)+".txt")
	var list strings.Builder
	for _, input := range inputs {
		fmt.Fprintf(&list, "file '%s'\n", input)
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	tmpPath := filepath.Join(filepath.Dir(outPath), ".assemble-"+filepath.Base(outPath)+".tmp")
	defer os.Remove(tmpPath)

	args := []string{"-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", "-y", tmpPath}
	if err := a.run(ctx, ffmpegCommand, args...); err != nil {
		return err
	}
	if _, err := os.Stat(tmpPath); err != nil {
		return fmt.Errorf("no output produced: %w", err)
	}
	return os.Rename(tmpPath, outPath)
}

// crossfadeFilter chains xfade nodes: [0][1]xfade[v01]; [v01][2]xfade...
func crossfadeFilter(n int, duration float64) string {
	var b strings.Builder
	prev := "[0:v]"
	for i := 1; i < n; i++ {
		label := fmt.Sprintf("[v%d]", i)
		if i == n-1 {
			label = "[vout]"
		}
		fmt.Fprintf(&b, "%s[%d:v]xfade=transition=fade:duration=%.2f:offset=%d%s;",
			prev, i, duration, i, label)
		prev = label
	}
	return strings.TrimSuffix(b.String(), ";")
}

func defaultCommandRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
