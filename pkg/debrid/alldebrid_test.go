package debrid

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestADClient(t *testing.T, baseURL string) *AllDebridClient {
	t.Helper()
	opts := NewAllDebridClientOpts(baseURL, "streamfusion", 5*time.Second, "")
	client, err := NewAllDebridClient(opts, "test-key", nopLogger())
	require.NoError(t, err)
	return client
}

func TestAllDebridAvailability(t *testing.T) {
	h1 := strings.Repeat("a", 40)
	h2 := strings.Repeat("b", 40)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/magnet/instant", r.URL.Path)
		require.Equal(t, "streamfusion", r.URL.Query().Get("agent"))
		require.Equal(t, "test-key", r.URL.Query().Get("apikey"))
		require.Equal(t, []string{h1, h2}, r.URL.Query()["magnets[]"])
		w.Write([]byte(`{"status": "success", "data": {"magnets": [
			{"hash": "` + h1 + `", "instant": true, "files": [
				{"n": "Season 1", "e": [
					{"n": "Show.S01E01.mkv", "s": 2000000000},
					{"n": "Show.S01E02.mkv", "s": 2100000000}
				]}
			]},
			{"hash": "` + h2 + `", "instant": false}
		]}}`))
	}))
	defer srv.Close()

	client := newTestADClient(t, srv.URL)
	availability, err := client.GetAvailabilityBulk(context.Background(), []string{h1, h2}, "")
	require.NoError(t, err)
	require.Equal(t, TagAllDebrid, availability.Provider)
	require.Len(t, availability.Items, 1)

	// The folder tree is flattened to its leaf files
	candidates := availability.Items[h1]
	require.Len(t, candidates, 2)
	require.Equal(t, "Show.S01E01.mkv", candidates[0].Name)
	require.Equal(t, int64(2100000000), candidates[1].Size)
}

func TestAllDebridGetStreamLinkSeries(t *testing.T) {
	hash := strings.Repeat("c", 40)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/magnet/upload":
			require.Contains(t, r.URL.Query().Get("magnet"), hash)
			w.Write([]byte(`{"status": "success", "data": {"magnets": [{"id": 123}]}}`))
		case "/magnet/status":
			require.Equal(t, "123", r.URL.Query().Get("id"))
			w.Write([]byte(`{"status": "success", "data": {"magnets": {"id": 123, "status": "Ready", "links": [
				{"link": "https://alldebrid.com/f/1", "size": 2000000000, "filename": "Show.S01E01.mkv"},
				{"link": "https://alldebrid.com/f/2", "size": 2100000000, "filename": "Show.S01E02.mkv"}
			]}}}`))
		case "/link/unlock":
			require.Equal(t, "https://alldebrid.com/f/2", r.URL.Query().Get("link"))
			w.Write([]byte(`{"status": "success", "data": {"link": "https://dl.alldebrid.com/episode.mkv"}}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := newTestADClient(t, srv.URL)
	q := Query{Magnet: "magnet:?xt=urn:btih:" + hash, Type: "series", Season: 1, Episode: 2, Service: TagAllDebrid}
	link, err := client.GetStreamLink(context.Background(), q, "")
	require.NoError(t, err)
	require.Equal(t, "https://dl.alldebrid.com/episode.mkv", link)
}

func TestAllDebridErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "error", "error": {"code": "MAGNET_INVALID_URI", "message": "Magnet is not a valid magnet link"}}`))
	}))
	defer srv.Close()

	client := newTestADClient(t, srv.URL)
	_, err := client.AddMagnetOrTorrent(context.Background(), "magnet:?xt=urn:btih:"+strings.Repeat("d", 40), "", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Magnet is not a valid magnet link")
}
