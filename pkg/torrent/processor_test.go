package torrent

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
)

func encodeTorrent(t *testing.T, info map[string]interface{}) (body []byte, infoHash string) {
	t.Helper()
	infoBytes, err := bencode.EncodeBytes(info)
	require.NoError(t, err)
	sum := sha1.Sum(infoBytes)

	body, err = bencode.EncodeBytes(map[string]interface{}{
		"announce": "udp://tracker.example:6969",
		"info":     bencode.RawMessage(infoBytes),
	})
	require.NoError(t, err)
	return body, hex.EncodeToString(sum[:])
}

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	p, err := NewProcessor(DefaultProcessorOpts, nil, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestProcessMagnetItem(t *testing.T) {
	hash := strings.Repeat("c", 40)
	magnet := "magnet:?xt=urn:btih:" + hash + "&dn=Name&tr=udp%3A%2F%2Ftracker.example%3A6969"
	p := newTestProcessor(t)

	items := p.Process(context.Background(), []Item{{RawTitle: "Name", Magnet: magnet, Type: mediainfo.KindMovie}}, mediainfo.Media{Kind: mediainfo.KindMovie})
	require.Len(t, items, 1)
	require.Equal(t, hash, items[0].InfoHash)
	require.Equal(t, []string{"udp://tracker.example:6969"}, items[0].Trackers)
}

func TestProcessSingleFileTorrent(t *testing.T) {
	body, wantHash := encodeTorrent(t, map[string]interface{}{
		"name":         "Inception.2010.1080p.mkv",
		"length":       int64(8_000_000_000),
		"piece length": int64(262144),
		"pieces":       "xxxxxxxxxxxxxxxxxxxx",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	p := newTestProcessor(t)
	items := p.Process(context.Background(), []Item{{RawTitle: "Inception", Link: srv.URL + "/dl", Type: mediainfo.KindMovie}}, mediainfo.Media{Kind: mediainfo.KindMovie})
	require.Len(t, items, 1)

	item := items[0]
	require.Equal(t, wantHash, item.InfoHash)
	require.Equal(t, 1, item.FileIndex)
	require.Equal(t, srv.URL+"/dl", item.TorrentDownload)
	require.Contains(t, item.Magnet, "xt=urn:btih:"+wantHash)
}

func TestProcessSeriesTorrentSelectsEpisode(t *testing.T) {
	body, _ := encodeTorrent(t, map[string]interface{}{
		"name":         "Breaking.Bad.S03.1080p",
		"piece length": int64(262144),
		"pieces":       "xxxxxxxxxxxxxxxxxxxx",
		"files": []interface{}{
			map[string]interface{}{"length": int64(100), "path": []interface{}{"Breaking.Bad.S03E06.mkv"}},
			map[string]interface{}{"length": int64(200), "path": []interface{}{"Breaking.Bad.S03E07.mkv"}},
			map[string]interface{}{"length": int64(50), "path": []interface{}{"readme.txt"}},
		},
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	p := newTestProcessor(t)
	media := mediainfo.Media{Kind: mediainfo.KindSeries, Season: 3, Episode: 7}
	items := p.Process(context.Background(), []Item{{RawTitle: "Breaking Bad S03", Link: srv.URL, Type: mediainfo.KindSeries}}, media)
	require.Len(t, items, 1)

	item := items[0]
	require.Equal(t, 2, item.FileIndex)
	require.Equal(t, "Breaking.Bad.S03E07.mkv", item.FileName)
	require.Equal(t, int64(200), item.Size)
}

func TestProcessSeriesTorrentBuildsFullIndex(t *testing.T) {
	body, _ := encodeTorrent(t, map[string]interface{}{
		"name":         "Breaking.Bad.S01.1080p",
		"piece length": int64(262144),
		"pieces":       "xxxxxxxxxxxxxxxxxxxx",
		"files": []interface{}{
			map[string]interface{}{"length": int64(100), "path": []interface{}{"Breaking.Bad.S01E01.mkv"}},
			map[string]interface{}{"length": int64(110), "path": []interface{}{"Breaking.Bad.S01E02.mkv"}},
			map[string]interface{}{"length": int64(10), "path": []interface{}{"sample.bin"}},
		},
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	p := newTestProcessor(t)
	// Requested episode isn't in the pack, so only the full index is recorded
	media := mediainfo.Media{Kind: mediainfo.KindSeries, Season: 3, Episode: 7}
	items := p.Process(context.Background(), []Item{{RawTitle: "Breaking Bad S01", Link: srv.URL, Type: mediainfo.KindSeries}}, media)
	require.Len(t, items, 1)

	item := items[0]
	require.Zero(t, item.FileIndex)
	require.Len(t, item.FullIndex, 2)
	require.Equal(t, []int{1}, item.FullIndex[0].Seasons)
}

func TestProcessFollowsMagnetRedirect(t *testing.T) {
	hash := strings.Repeat("d", 40)
	magnet := "magnet:?xt=urn:btih:" + hash + "&dn=Name"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", magnet)
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	p := newTestProcessor(t)
	items := p.Process(context.Background(), []Item{{RawTitle: "Name", Link: srv.URL, Type: mediainfo.KindMovie}}, mediainfo.Media{Kind: mediainfo.KindMovie})
	require.Len(t, items, 1)
	require.Equal(t, hash, items[0].InfoHash)
}

func TestProcessDropsUndecodableTorrent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not bencode"))
	}))
	defer srv.Close()

	p := newTestProcessor(t)
	items := p.Process(context.Background(), []Item{{RawTitle: "Broken", Link: srv.URL, Type: mediainfo.KindMovie}}, mediainfo.Media{Kind: mediainfo.KindMovie})
	require.Empty(t, items)
}
