package mediainfo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseStreamID(t *testing.T) {
	imdbID, season, episode, err := ParseStreamID(KindMovie, "tt1375666.json")
	require.NoError(t, err)
	require.Equal(t, "tt1375666", imdbID)
	require.Zero(t, season)
	require.Zero(t, episode)

	imdbID, season, episode, err = ParseStreamID(KindSeries, "tt0903747:3:7")
	require.NoError(t, err)
	require.Equal(t, "tt0903747", imdbID)
	require.Equal(t, 3, season)
	require.Equal(t, 7, episode)

	_, _, _, err = ParseStreamID(KindSeries, "tt0903747")
	require.Error(t, err)
}

func TestSeasonEpisodeTag(t *testing.T) {
	m := Media{Kind: KindSeries, Season: 3, Episode: 7}
	require.Equal(t, "S03E07", m.SeasonEpisodeTag())
	require.Empty(t, Media{Kind: KindMovie}.SeasonEpisodeTag())
}

func TestCinemetaGetMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/meta/movie/tt1375666.json", r.URL.Path)
		w.Write([]byte(`{"meta":{"id":"tt1375666","name":"Inception","year":"2010"}}`))
	}))
	defer srv.Close()

	client, err := NewCinemetaClient(NewCinemetaClientOpts(srv.URL, DefaultCinemetaClientOpts.Timeout), zap.NewNop())
	require.NoError(t, err)

	media, err := client.GetMetadata(context.Background(), KindMovie, "tt1375666", []string{"fr", "en"})
	require.NoError(t, err)
	require.Equal(t, "Inception", media.PrimaryTitle())
	require.Equal(t, 2010, media.Year)
	require.Equal(t, "fr", media.PrimaryLanguage())
}

func TestTMDBGetMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/find/tt0903747", r.URL.Path)
		require.Equal(t, "imdb_id", r.URL.Query().Get("external_source"))
		w.Write([]byte(`{"tv_results":[{"id":1396,"name":"Breaking Bad","original_name":"Breaking Bad","first_air_date":"2008-01-20"}]}`))
	}))
	defer srv.Close()

	client, err := NewTMDBClient(NewTMDBClientOpts(srv.URL, "test-key", DefaultTMDBClientOpts.Timeout), zap.NewNop())
	require.NoError(t, err)

	media, err := client.GetMetadata(context.Background(), KindSeries, "tt0903747:3:7", []string{"en"})
	require.NoError(t, err)
	require.Equal(t, "Breaking Bad", media.PrimaryTitle())
	require.Equal(t, 1396, media.TMDBid)
	require.Equal(t, 3, media.Season)
	require.Equal(t, 7, media.Episode)
}
