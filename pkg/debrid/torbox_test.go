package debrid

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTBClient(t *testing.T, baseURL string) *TorboxClient {
	t.Helper()
	opts := NewTorboxClientOpts(baseURL, "v1", 5*time.Second, "")
	client, err := NewTorboxClient(opts, "test-token", nopLogger())
	require.NoError(t, err)
	return client
}

func TestTorboxAvailabilityBatches(t *testing.T) {
	hashes := make([]string, 120)
	for i := range hashes {
		hashes[i] = fmt.Sprintf("%040d", i)
	}

	var batchSizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/api/torrents/checkcached", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.Equal(t, "list", r.URL.Query().Get("format"))
		batch := strings.Split(r.URL.Query().Get("hash"), ",")
		batchSizes = append(batchSizes, len(batch))
		w.Write([]byte(`{"success": true, "data": [
			{"hash": "` + batch[0] + `", "files": [{"name": "movie.mkv", "size": 8000000000}]}
		]}`))
	}))
	defer srv.Close()

	client := newTestTBClient(t, srv.URL)
	availability, err := client.GetAvailabilityBulk(context.Background(), hashes, "")
	require.NoError(t, err)
	require.Equal(t, []int{50, 50, 20}, batchSizes)
	// One hash per batch was reported cached
	require.Len(t, availability.Items, 3)
	require.Equal(t, "movie.mkv", availability.Items[hashes[0]][0].Name)
}

func TestTorboxGetStreamLinkExistingTorrent(t *testing.T) {
	hash := strings.Repeat("a", 40)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/api/torrents/mylist":
			require.Equal(t, "true", r.URL.Query().Get("bypass_cache"))
			w.Write([]byte(`{"success": true, "data": [
				{"id": 42, "hash": "` + hash + `", "download_present": true, "files": [
					{"id": 10, "short_name": "Show.S01E02.mkv", "size": 2000000000},
					{"id": 11, "short_name": "Show.S01E03.mkv", "size": 2000000000}
				]}
			]}`))
		case "/v1/api/torrents/requestdl":
			require.Equal(t, "test-token", r.URL.Query().Get("token"))
			require.Equal(t, "42", r.URL.Query().Get("torrent_id"))
			require.Equal(t, "10", r.URL.Query().Get("file_id"))
			w.Write([]byte(`{"success": true, "data": "https://stream.torbox.app/episode.mkv"}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := newTestTBClient(t, srv.URL)
	q := Query{Magnet: "magnet:?xt=urn:btih:" + hash, Type: "series", Season: 1, Episode: 2, Service: TagTorbox}
	link, err := client.GetStreamLink(context.Background(), q, "")
	require.NoError(t, err)
	require.Equal(t, "https://stream.torbox.app/episode.mkv", link)
}

func TestTorboxCreateFromMagnet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/api/torrents/createtorrent", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "1", r.PostForm.Get("seed"))
		require.Equal(t, "false", r.PostForm.Get("allow_zip"))
		w.Write([]byte(`{"success": true, "data": {"torrent_id": 77}}`))
	}))
	defer srv.Close()

	client := newTestTBClient(t, srv.URL)
	torrentID, err := client.AddMagnetOrTorrent(context.Background(), "magnet:?xt=urn:btih:"+strings.Repeat("b", 40), "", "")
	require.NoError(t, err)
	require.Equal(t, "77", torrentID)
}
