package searcher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LimeDrive/stream-fusion/pkg/torrent"
)

func TestStreamsFormatting(t *testing.T) {
	available := testItem("Inception.2010.1080p.BluRay.x264-GRP", 'a', 8<<30)
	available.Availability = "RD"
	available.FileName = "Inception.2010.1080p.BluRay.x264-GRP.mkv"
	uncached := testItem("Inception.2010.720p.WEB-DL.x264-GRP", 'b', 4<<30)

	cfg := testConfig()
	media := testMedia()
	streams := Streams([]torrent.Item{available, uncached}, cfg, media)
	require.Len(t, streams, 2)

	instant := streams[0]
	require.Equal(t, "⚡|–RD-|⚡\n |_1080p_|", instant.Name)
	require.True(t, strings.HasPrefix(instant.URL, "https://addon.example/playback/"))
	require.NotContains(t, instant.URL, "=")
	require.Contains(t, instant.Description, "Inception.2010.1080p.BluRay.x264-GRP\n")
	require.Contains(t, instant.Description, "🇬🇧 ENGLISH")
	require.Contains(t, instant.Description, "☠️ GRP")
	require.Contains(t, instant.Description, "👥 10")
	require.Contains(t, instant.Description, "💾 8.00GB")
	require.Contains(t, instant.Description, "🔍 Example")
	require.NotNil(t, instant.BehaviorHints)
	require.Equal(t, "stream-fusion-"+available.InfoHash, instant.BehaviorHints.BingeGroup)
	require.Equal(t, available.FileName, instant.BehaviorHints.Filename)
	require.Empty(t, instant.InfoHash)

	download := streams[1]
	require.Equal(t, "⬇️|–DL-|⬇️\n |_720p_|", download.Name)
}

func TestStreamsDirectTorrentRows(t *testing.T) {
	public := testItem("Inception.2010.1080p.BluRay.x264-GRP", 'a', 8<<30)
	public.Availability = "RD"
	public.FileIndex = 3
	private := testItem("Inception.2010.720p.WEB-DL.x264-GRP", 'b', 4<<30)
	private.Privacy = torrent.PrivacyPrivate

	cfg := testConfig()
	cfg.Torrenting = true
	streams := Streams([]torrent.Item{public, private}, cfg, testMedia())
	require.Len(t, streams, 3)

	// With debrid on, direct-torrent rows sort behind all debrid rows
	direct := streams[2]
	require.True(t, strings.HasPrefix(direct.Name, "🏴‍☠️"))
	require.Equal(t, public.InfoHash, direct.InfoHash)
	require.Equal(t, 2, direct.FileIndex)
	require.Empty(t, direct.URL)
	for _, row := range streams[:2] {
		require.Empty(t, row.InfoHash)
	}
}

func TestStreamsInstantRowsFirst(t *testing.T) {
	uncached := testItem("Inception.2010.2160p.WEB-DL.x265-GRP", 'a', 20<<30)
	cached := testItem("Inception.2010.720p.BluRay.x264-GRP", 'b', 4<<30)
	cached.Availability = "TB"

	// Input order has the uncached 2160p release first
	streams := Streams([]torrent.Item{uncached, cached}, testConfig(), testMedia())
	require.Len(t, streams, 2)
	require.True(t, strings.HasPrefix(streams[0].Name, "⚡|–TB-|⚡"))
	require.True(t, strings.HasPrefix(streams[1].Name, "⬇️"))
}

func TestStreamsMaxResultsCap(t *testing.T) {
	items := make([]torrent.Item, 0, 5)
	for i := 0; i < 5; i++ {
		items = append(items, testItem("Inception.2010.1080p.BluRay.x264-GRP", byte('a'+i), 8<<30))
	}
	cfg := testConfig()
	cfg.MaxResults = 3
	streams := Streams(items, cfg, testMedia())
	require.Len(t, streams, 3)
}

func TestStreamsUnknownResolutionAndLanguages(t *testing.T) {
	item := testItem("Inception 2010 REMUX", 'a', 30<<30)
	item.ParsedData.Resolution = ""
	item.Languages = nil

	streams := Streams([]torrent.Item{item}, testConfig(), testMedia())
	require.Len(t, streams, 1)
	require.Contains(t, streams[0].Name, "|_Unknown_|")
	require.Contains(t, streams[0].Description, "🌐")
}
