package debrid

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

func TestQueryRoundTrip(t *testing.T) {
	q := Query{
		Magnet:    "magnet:?xt=urn:btih:" + strings.Repeat("a", 40),
		Type:      "series",
		FileIndex: 3,
		Season:    2,
		Episode:   5,
		Service:   TagRealDebrid,
	}
	encoded, err := q.Encode()
	require.NoError(t, err)

	decoded, err := DecodeQuery(encoded)
	require.NoError(t, err)
	require.Equal(t, q, decoded)

	// Some players strip the base64 padding
	decoded, err = DecodeQuery(strings.TrimRight(encoded, "="))
	require.NoError(t, err)
	require.Equal(t, q, decoded)
}

func TestDecodeQueryInvalid(t *testing.T) {
	_, err := DecodeQuery("not base64 at all!!!")
	require.Error(t, err)
}

func TestInfoHashFromMagnet(t *testing.T) {
	hash := strings.Repeat("A", 40)
	require.Equal(t, strings.ToLower(hash), infoHashFromMagnet("magnet:?xt=urn:btih:"+hash+"&dn=foo"))
	require.Empty(t, infoHashFromMagnet("magnet:?xt=urn:btih:tooshort"))
	require.Empty(t, infoHashFromMagnet("https://example.com/foo.torrent"))
}

func TestIsVideoFile(t *testing.T) {
	require.True(t, isVideoFile("/Season 1/episode.s01e02.MKV"))
	require.True(t, isVideoFile("movie.mp4"))
	require.False(t, isVideoFile("sample.nfo"))
	require.False(t, isVideoFile("noextension"))
}

// fakeTokenStore is an in-memory TokenStore for tests.
type fakeTokenStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{values: map[string]string{}}
}

func (s *fakeTokenStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, found := s.values[key]
	return value, found, nil
}

func (s *fakeTokenStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func TestTorrentContainsFile(t *testing.T) {
	info := gjson.Parse(`{"files": [
		{"id": 1, "path": "/Show.S02E04.mkv", "bytes": 100, "selected": 1},
		{"id": 2, "path": "/Show.S02E05.mkv", "bytes": 100, "selected": 0}
	]}`)

	require.True(t, torrentContainsFile(info, Query{Type: "movie"}))
	require.True(t, torrentContainsFile(info, Query{Type: "series", Season: 2, Episode: 4}))
	require.True(t, torrentContainsFile(info, Query{Type: "series", FileIndex: 1}))
	// Episode 5 exists in the torrent but isn't selected
	require.False(t, torrentContainsFile(info, Query{Type: "series", Season: 2, Episode: 5}))
}

func TestSelectTorrentFileID(t *testing.T) {
	info := gjson.Parse(`{"files": [
		{"id": 1, "path": "/Show.S02E04.mkv", "bytes": 300},
		{"id": 2, "path": "/Show.S02E05.mkv", "bytes": 400},
		{"id": 3, "path": "/sample.mkv", "bytes": 10},
		{"id": 4, "path": "/readme.nfo", "bytes": 500}
	]}`)

	require.Equal(t, "2", selectTorrentFileID(info, Query{Type: "series", Season: 2, Episode: 5}))
	require.Equal(t, "1", selectTorrentFileID(info, Query{Type: "series", FileIndex: 1}))
	// Movies pick the largest file
	require.Equal(t, "4", selectTorrentFileID(info, Query{Type: "movie"}))
	// No episode match falls back to the largest file
	require.Equal(t, "4", selectTorrentFileID(info, Query{Type: "series", Season: 9, Episode: 9}))
}

func TestPickADLink(t *testing.T) {
	links := gjson.Parse(`[
		{"link": "https://ad/1", "size": 300, "filename": "Show.S02E04.mkv"},
		{"link": "https://ad/2", "size": 400, "filename": "Show.S02E05.mkv"},
		{"link": "https://ad/3", "size": 500, "filename": "Show.S02E05.REPACK.mkv"}
	]`).Array()

	link, err := pickADLink(links, Query{Type: "series", Season: 2, Episode: 5})
	require.NoError(t, err)
	require.Equal(t, "https://ad/3", link)

	link, err = pickADLink(links, Query{Type: "movie"})
	require.NoError(t, err)
	require.Equal(t, "https://ad/3", link)

	_, err = pickADLink(links, Query{Type: "series", Season: 9, Episode: 9})
	require.Error(t, err)
}

func TestPickTorboxFileID(t *testing.T) {
	info := gjson.Parse(`{"id": 42, "files": [
		{"id": 10, "short_name": "Show.S02E04.mkv", "size": 300},
		{"id": 11, "short_name": "Show.S02E05.mkv", "size": 400},
		{"id": 12, "short_name": "cover.jpg", "size": 900}
	]}`)

	fileID, ok := pickTorboxFileID(info, Query{Type: "series", Season: 2, Episode: 5})
	require.True(t, ok)
	require.Equal(t, "11", fileID)

	fileID, ok = pickTorboxFileID(info, Query{Type: "series", FileIndex: 10})
	require.True(t, ok)
	require.Equal(t, "10", fileID)

	// Movies don't filter on the video extension, the largest file wins
	fileID, ok = pickTorboxFileID(info, Query{Type: "movie"})
	require.True(t, ok)
	require.Equal(t, "12", fileID)

	_, ok = pickTorboxFileID(info, Query{Type: "series", Season: 9, Episode: 9})
	require.False(t, ok)
}

func TestPickPMLink(t *testing.T) {
	content := gjson.Parse(`[
		{"path": "Show/Show.S02E05.mkv", "size": 400, "link": "https://pm/1"},
		{"path": "Show/Show.S02E06.mkv", "size": 500, "link": "https://pm/2"},
		{"path": "Show/cover.jpg", "size": 900, "link": "https://pm/3"}
	]`).Array()

	require.Equal(t, "https://pm/1", pickPMLink(content, Query{Type: "series", Season: 2, Episode: 5}))
	require.Equal(t, "https://pm/2", pickPMLink(content, Query{Type: "movie"}))
	// No episode match falls back to the largest video file
	require.Equal(t, "https://pm/2", pickPMLink(content, Query{Type: "series", Season: 9, Episode: 9}))
}

func nopLogger() *zap.Logger {
	return zap.NewNop()
}
