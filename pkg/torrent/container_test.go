package torrent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/debrid"
	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
)

func hashOf(c byte) string {
	return strings.Repeat(string(c), 40)
}

func TestContainerDeduplicates(t *testing.T) {
	media := mediainfo.Media{Kind: mediainfo.KindMovie}
	c := NewContainer([]Item{
		{InfoHash: hashOf('a'), RawTitle: "first", Seeders: 5},
		{InfoHash: hashOf('a'), RawTitle: "second", Seeders: 9},
		{InfoHash: hashOf('b'), RawTitle: "other"},
	}, media, zap.NewNop())

	items := c.Items()
	require.Len(t, items, 2)
	// First insertion wins
	require.Equal(t, "first", items[0].RawTitle)
}

func TestUnavailableHashes(t *testing.T) {
	media := mediainfo.Media{Kind: mediainfo.KindMovie}
	c := NewContainer([]Item{
		{InfoHash: hashOf('a'), Availability: debrid.TagRealDebrid},
		{InfoHash: hashOf('b')},
	}, media, zap.NewNop())

	require.Equal(t, []string{hashOf('b')}, c.UnavailableHashes())
}

func TestUpdateAvailabilityMovie(t *testing.T) {
	media := mediainfo.Media{Kind: mediainfo.KindMovie}
	c := NewContainer([]Item{{InfoHash: hashOf('a'), RawTitle: "Inception.2010.1080p"}}, media, zap.NewNop())

	c.UpdateAvailability(debrid.Availability{
		Provider: debrid.TagRealDebrid,
		Items: map[string][]debrid.FileCandidate{
			hashOf('a'): {
				{Index: 1, Name: "sample.mkv", Size: 50},
				{Index: 2, Name: "Inception.2010.1080p.mkv", Size: 8_000_000_000},
			},
		},
	})

	item := c.Items()[0]
	require.Equal(t, debrid.TagRealDebrid, item.Availability)
	require.Equal(t, 2, item.FileIndex)
	require.Equal(t, "Inception.2010.1080p.mkv", item.FileName)
	require.Equal(t, int64(8_000_000_000), item.Size)
}

func TestUpdateAvailabilitySeries(t *testing.T) {
	media := mediainfo.Media{Kind: mediainfo.KindSeries, Season: 3, Episode: 7}
	c := NewContainer([]Item{{InfoHash: hashOf('a')}}, media, zap.NewNop())

	c.UpdateAvailability(debrid.Availability{
		Provider: debrid.TagAllDebrid,
		Items: map[string][]debrid.FileCandidate{
			hashOf('a'): {
				{Name: "Breaking.Bad.S03E06.mkv", Size: 900},
				{Name: "Breaking.Bad.S03E07.mkv", Size: 800},
			},
		},
	})

	item := c.Items()[0]
	require.Equal(t, debrid.TagAllDebrid, item.Availability)
	require.Equal(t, "Breaking.Bad.S03E07.mkv", item.FileName)
}

func TestUpdateAvailabilityNeverRegresses(t *testing.T) {
	media := mediainfo.Media{Kind: mediainfo.KindMovie}
	c := NewContainer([]Item{{InfoHash: hashOf('a')}}, media, zap.NewNop())

	c.UpdateAvailability(debrid.Availability{
		Provider: debrid.TagRealDebrid,
		Items:    map[string][]debrid.FileCandidate{hashOf('a'): {{Index: 1, Name: "a.mkv", Size: 1}}},
	})
	c.UpdateAvailability(debrid.Availability{
		Provider: debrid.TagTorbox,
		Items:    map[string][]debrid.FileCandidate{hashOf('a'): {{Index: 2, Name: "b.mkv", Size: 2}}},
	})

	// First provider to mark the item wins
	require.Equal(t, debrid.TagRealDebrid, c.Items()[0].Availability)

	// An empty candidate list never clears availability either
	c.UpdateAvailability(debrid.Availability{
		Provider: debrid.TagTorbox,
		Items:    map[string][]debrid.FileCandidate{hashOf('a'): nil},
	})
	require.Equal(t, debrid.TagRealDebrid, c.Items()[0].Availability)
}

func TestBestMatching(t *testing.T) {
	media := mediainfo.Media{Kind: mediainfo.KindSeries, Season: 3, Episode: 7}
	c := NewContainer([]Item{
		// Magnet only: always usable, the debrid selects the file later
		{InfoHash: hashOf('a'), RawTitle: "magnet-only"},
		// Selected file
		{InfoHash: hashOf('b'), RawTitle: "selected", TorrentDownload: "https://x/b.torrent", FileIndex: 3},
		// Full index with an episode hit, largest must win
		{InfoHash: hashOf('c'), RawTitle: "indexed", TorrentDownload: "https://x/c.torrent", FullIndex: []IndexedFile{
			{FileIndex: 1, FileName: "s03e07.720p.mkv", Seasons: []int{3}, Episodes: []int{7}, Size: 700},
			{FileIndex: 2, FileName: "s03e07.1080p.mkv", Seasons: []int{3}, Episodes: []int{7}, Size: 1500},
			{FileIndex: 3, FileName: "s03e08.mkv", Seasons: []int{3}, Episodes: []int{8}, Size: 1600},
		}},
		// Inspected but no hit: excluded
		{InfoHash: hashOf('d'), RawTitle: "no-hit", TorrentDownload: "https://x/d.torrent", FullIndex: []IndexedFile{
			{FileIndex: 1, FileName: "s01e01.mkv", Seasons: []int{1}, Episodes: []int{1}, Size: 100},
		}},
	}, media, zap.NewNop())

	matching := c.BestMatching()
	titles := make([]string, 0, len(matching))
	for _, item := range matching {
		titles = append(titles, item.RawTitle)
	}
	require.Equal(t, []string{"magnet-only", "selected", "indexed"}, titles)

	for _, item := range matching {
		if item.RawTitle == "indexed" {
			require.Equal(t, 2, item.FileIndex)
			require.Equal(t, int64(1500), item.Size)
		}
	}
}
