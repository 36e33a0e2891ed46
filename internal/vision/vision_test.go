package vision_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sakuga/internal/config"
	"sakuga/internal/store"
	"sakuga/internal/vision"
)

func TestParseReviewExtractsEmbeddedJSON(t *testing.T) {
	review, err := vision.ParseReview("Sure, here is the verdict:\n```json\n" +
		`{"quality_score":0.82,"character_match":0.9,"clarity":0.8,"training_value":0.7,` +
		`"solo":true,"species_verified":true,"rejection_categories":[],"feedback":"clean render"}` +
		"\n```")
	require.NoError(t, err)
	require.InDelta(t, 0.82, review.QualityScore, 1e-9)
	require.True(t, review.Solo)
	require.Empty(t, review.RejectionCategories())
}

func TestParseReviewDropsUnknownCategories(t *testing.T) {
	review, err := vision.ParseReview(
		`{"quality_score":0.3,"rejection_categories":["low_quality","too_spooky","wrong_pose"]}`)
	require.NoError(t, err)
	require.Equal(t,
		[]store.RejectionCategory{store.RejectLowQuality, store.RejectWrongPose},
		review.RejectionCategories())
}

func TestParseReviewRejectsOutOfRangeScore(t *testing.T) {
	_, err := vision.ParseReview(`{"quality_score":7.5}`)
	require.Error(t, err)
}

func TestParseReviewRejectsProseOnly(t *testing.T) {
	_, err := vision.ParseReview("the image looks fine to me")
	require.Error(t, err)
}

func TestReviewImageSendsEncodedImage(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "yuki_0001.png")
	require.NoError(t, os.WriteFile(imagePath, []byte("not a real png"), 0o644))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		_, _ = w.Write([]byte(`{"response":"{\"quality_score\":0.9,\"solo\":true,\"species_verified\":true}"}`))
	}))
	t.Cleanup(server.Close)

	client := vision.NewClient(config.Vision{
		BaseURL:        server.URL,
		Model:          "qwen-vl",
		TimeoutSeconds: 5,
	}, nil)

	review, err := client.ReviewImage(context.Background(), imagePath, "white-haired snow spirit")
	require.NoError(t, err)
	require.InDelta(t, 0.9, review.QualityScore, 1e-9)
	require.True(t, review.SpeciesVerified)
}

func TestQueryMissingImageIsIntegrityError(t *testing.T) {
	client := vision.NewClient(config.Vision{BaseURL: "http://127.0.0.1:1", TimeoutSeconds: 1}, nil)
	_, err := client.Query(context.Background(), "score this", "/does/not/exist.png")
	require.Error(t, err)
}
