// Package publish places assembled episodes into the media library and
// asks the media server to pick them up.
package publish

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sakuga/internal/config"
	"sakuga/internal/logging"
	"sakuga/internal/services"
	"sakuga/internal/store"
)

// Publisher copies episode files into the library layout the media
// server scans and triggers a library refresh when an API key is
// configured. Without a key the refresh is skipped.
type Publisher struct {
	store      *store.Store
	logger     *slog.Logger
	httpClient *http.Client
	libraryDir string
	animeDir   string
	serverURL  string
	apiKey     string
}

// NewPublisher constructs the media-library publisher.
func NewPublisher(cfg *config.Config, st *store.Store, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{
		store:      st,
		logger:     logging.NewComponentLogger(logger, "publish"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		libraryDir: cfg.Paths.LibraryDir,
		animeDir:   cfg.Jellyfin.AnimeDir,
		serverURL:  strings.TrimRight(cfg.Jellyfin.URL, "/"),
		apiKey:     cfg.Jellyfin.APIKey,
	}
}

// PublishEpisode copies an assembled episode into the library under
//
//	<library>/<anime>/<Project>/Season 01/<Project> - S01E<seq>.mp4
//
// and marks the episode published. Re-publishing an already published
// episode is a no-op.
func (p *Publisher) PublishEpisode(ctx context.Context, episodeID int64) (string, error) {
	episode, err := p.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return "", err
	}
	if episode == nil {
		return "", services.Wrap(services.ErrNotFound, "publish", "publish episode",
			fmt.Sprintf("episode %d not found", episodeID), nil)
	}
	if episode.Status == store.EpisodePublished {
		return "", nil
	}
	if episode.FinalVideoPath == "" {
		return "", services.Wrap(services.ErrIntegrity, "publish", "publish episode",
			"episode has no assembled video", nil)
	}
	if strings.TrimSpace(p.libraryDir) == "" {
		return "", services.Wrap(services.ErrConfiguration, "publish", "publish episode",
			"paths.library_dir is not configured", nil)
	}

	project, err := p.store.GetProject(ctx, episode.ProjectID)
	if err != nil {
		return "", err
	}
	if project == nil {
		return "", services.Wrap(services.ErrNotFound, "publish", "publish episode",
			"owning project not found", nil)
	}

	seasonDir := filepath.Join(p.libraryDir, p.animeDir, sanitizeName(project.Name), "Season 01")
	if err := os.MkdirAll(seasonDir, 0o755); err != nil {
		return "", fmt.Errorf("create season dir: %w", err)
	}
	name := fmt.Sprintf("%s - S01E%02d", sanitizeName(project.Name), episode.Seq)
	if title := strings.TrimSpace(episode.Title); title != "" {
		name += " - " + sanitizeName(title)
	}
	destPath := filepath.Join(seasonDir, name+filepath.Ext(episode.FinalVideoPath))

	if err := copyFile(episode.FinalVideoPath, destPath); err != nil {
		return "", services.Wrap(services.ErrExternalTool, "publish", "publish episode",
			"copy into library failed", err)
	}
	if err := p.store.MarkEpisodePublished(ctx, episodeID); err != nil {
		return "", err
	}
	p.logger.Info("episode published",
		logging.Int64("episode_id", episodeID),
		logging.String("library_path", destPath))

	p.refreshLibrary(ctx)
	return destPath, nil
}

// refreshLibrary tells the media server to rescan. Failures only log:
// the file is already on disk and the next scheduled scan finds it.
func (p *Publisher) refreshLibrary(ctx context.Context) {
	if p.apiKey == "" || p.serverURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/Library/Refresh", nil)
	if err != nil {
		p.logger.Error("build refresh request", logging.Error(err))
		return
	}
	req.Header.Set("X-Emby-Token", p.apiKey)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Warn("library refresh failed", logging.Error(err))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		p.logger.Warn("library refresh rejected", logging.Int("status", resp.StatusCode))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := filepath.Join(filepath.Dir(dst), ".publish-"+filepath.Base(dst)+".tmp")
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// sanitizeName strips characters media servers choke on in file names.
func sanitizeName(name string) string {
	replacer := strings.NewReplacer(
		"/", "-", "\\", "-", ":", "-", "*", "", "?", "",
		"\"", "", "<", "", ">", "", "|", "",
	)
	return strings.TrimSpace(replacer.Replace(name))
}
