package publish_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sakuga/internal/publish"
	"sakuga/internal/services"
	"sakuga/internal/store"
	"sakuga/internal/testsupport"
)

func seedEpisode(t *testing.T, st *store.Store, videoPath string) *store.Episode {
	t.Helper()
	ctx := context.Background()
	project, err := st.CreateProject(ctx, &store.Project{Name: "moonfall"})
	require.NoError(t, err)
	episode, err := st.CreateEpisode(ctx, &store.Episode{
		ProjectID: project.ID, Seq: 1, Title: "Arrival",
	})
	require.NoError(t, err)
	require.NoError(t, st.SetEpisodeAssembled(ctx, episode.ID, videoPath))
	episode, err = st.GetEpisode(ctx, episode.ID)
	require.NoError(t, err)
	return episode
}

func TestPublishEpisodeCopiesIntoLibraryLayout(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.LibraryDir = t.TempDir()
	st, err := store.Open(cfg)
	require.NoError(t, err)
	defer st.Close()

	videoPath := filepath.Join(t.TempDir(), "ep.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("video"), 0o644))
	episode := seedEpisode(t, st, videoPath)

	publisher := publish.NewPublisher(cfg, st, nil)
	libraryPath, err := publisher.PublishEpisode(context.Background(), episode.ID)
	require.NoError(t, err)

	expected := filepath.Join(cfg.Paths.LibraryDir, "anime", "moonfall", "Season 01",
		"moonfall - S01E01 - Arrival.mp4")
	require.Equal(t, expected, libraryPath)
	require.FileExists(t, libraryPath)

	refreshed, err := st.GetEpisode(context.Background(), episode.ID)
	require.NoError(t, err)
	require.Equal(t, store.EpisodePublished, refreshed.Status)
	require.NotNil(t, refreshed.PublishedAt)
}

func TestPublishEpisodeIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.LibraryDir = t.TempDir()
	st, err := store.Open(cfg)
	require.NoError(t, err)
	defer st.Close()

	videoPath := filepath.Join(t.TempDir(), "ep.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("video"), 0o644))
	episode := seedEpisode(t, st, videoPath)

	publisher := publish.NewPublisher(cfg, st, nil)
	_, err = publisher.PublishEpisode(context.Background(), episode.ID)
	require.NoError(t, err)

	again, err := publisher.PublishEpisode(context.Background(), episode.ID)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestPublishEpisodeRequiresLibraryDir(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.LibraryDir = ""
	st, err := store.Open(cfg)
	require.NoError(t, err)
	defer st.Close()

	videoPath := filepath.Join(t.TempDir(), "ep.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("video"), 0o644))
	episode := seedEpisode(t, st, videoPath)

	publisher := publish.NewPublisher(cfg, st, nil)
	_, err = publisher.PublishEpisode(context.Background(), episode.ID)
	require.Error(t, err)
	require.Equal(t, services.KindConfiguration, services.Kind(err))
}

func TestPublishEpisodeRefreshesServerWhenKeyed(t *testing.T) {
	refreshes := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/Library/Refresh" && r.Header.Get("X-Emby-Token") == "secret" {
			refreshes++
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Paths.LibraryDir = t.TempDir()
	cfg.Jellyfin.URL = server.URL
	cfg.Jellyfin.APIKey = "secret"
	st, err := store.Open(cfg)
	require.NoError(t, err)
	defer st.Close()

	videoPath := filepath.Join(t.TempDir(), "ep.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("video"), 0o644))
	episode := seedEpisode(t, st, videoPath)

	publisher := publish.NewPublisher(cfg, st, nil)
	_, err = publisher.PublishEpisode(context.Background(), episode.ID)
	require.NoError(t, err)
	require.Equal(t, 1, refreshes)
}
