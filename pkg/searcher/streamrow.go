package searcher

import (
	"fmt"
	"sort"
	"strings"

	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/parser"
	"github.com/LimeDrive/stream-fusion/pkg/stremio"
	"github.com/LimeDrive/stream-fusion/pkg/torrent"
	"github.com/LimeDrive/stream-fusion/pkg/userdata"
)

// Markers on the first line of a stream row's name.
const (
	markerInstant  = "⚡"
	markerDownload = "⬇️"
	markerTorrent  = "🏴‍☠️"
)

var languageEmojis = map[string]string{
	"fr":    "🇫🇷 FRENCH",
	"en":    "🇬🇧 ENGLISH",
	"es":    "🇪🇸 SPANISH",
	"de":    "🇩🇪 GERMAN",
	"it":    "🇮🇹 ITALIAN",
	"pt":    "🇵🇹 PORTUGUESE",
	"ru":    "🇷🇺 RUSSIAN",
	"in":    "🇮🇳 INDIAN",
	"nl":    "🇳🇱 DUTCH",
	"hu":    "🇭🇺 HUNGARIAN",
	"la":    "🇲🇽 LATINO",
	"multi": "🌍 MULTi",
}

func languageEmoji(language string) string {
	if emoji, ok := languageEmojis[language]; ok {
		return emoji
	}
	return "🇬🇧"
}

// Streams turns the sorted best-matching items into player-facing stream
// rows. Each debrid row may be paired with a direct-torrent row when public
// torrenting is enabled. With debrid enabled, instantly available rows come
// first and direct-torrent rows last.
func Streams(items []torrent.Item, cfg userdata.Config, media mediainfo.Media) []stremio.StreamItem {
	if len(items) > cfg.MaxResults {
		items = items[:cfg.MaxResults]
	}

	configB64, err := cfg.Encode()
	if err != nil {
		return nil
	}
	configB64 = strings.ReplaceAll(configB64, "=", "%3D")

	streams := make([]stremio.StreamItem, 0, len(items))
	for i := range items {
		item := &items[i]
		row, ok := debridRow(item, configB64, cfg, media)
		if !ok {
			continue
		}
		streams = append(streams, row)
		if cfg.Torrenting && item.Privacy == torrent.PrivacyPublic {
			streams = append(streams, directTorrentRow(item, row.Description))
		}
	}

	if cfg.Debrid {
		sort.SliceStable(streams, func(i, j int) bool {
			return strings.HasPrefix(streams[i].Name, markerInstant) && !strings.HasPrefix(streams[j].Name, markerInstant)
		})
		sort.SliceStable(streams, func(i, j int) bool {
			return streams[i].InfoHash == "" && streams[j].InfoHash != ""
		})
	}
	return streams
}

func debridRow(item *torrent.Item, configB64 string, cfg userdata.Config, media mediainfo.Media) (stremio.StreamItem, bool) {
	service := item.Availability
	name := markerDownload + "|–DL-|" + markerDownload
	if service == "" {
		// Not cached anywhere yet, playback goes through the download flow
		service = "DL"
	} else {
		name = markerInstant + "|–" + service + "-|" + markerInstant
	}
	resolution := item.ParsedData.Resolution
	if resolution == "" {
		resolution = "Unknown"
	}
	name += "\n |_" + resolution + "_|"

	query := item.ToQuery(media, service)
	queryB64, err := query.Encode()
	if err != nil {
		return stremio.StreamItem{}, false
	}
	queryB64 = strings.ReplaceAll(queryB64, "=", "%3D")

	return stremio.StreamItem{
		Name:        name,
		Description: description(item, media),
		URL:         fmt.Sprintf("%v/playback/%v/%v", strings.TrimSuffix(cfg.AddonHost, "/"), configB64, queryB64),
		BehaviorHints: &stremio.StreamBehaviorHints{
			BingeGroup: "stream-fusion-" + item.InfoHash,
			Filename:   filename(item),
		},
	}, true
}

func directTorrentRow(item *torrent.Item, desc string) stremio.StreamItem {
	resolution := item.ParsedData.Resolution
	if resolution == "" {
		resolution = "Unknown"
	}
	return stremio.StreamItem{
		Name:        markerTorrent + "\n |_" + resolution + "_|",
		Description: desc,
		InfoHash:    item.InfoHash,
		// 0-based for the player
		FileIndex: maxInt(item.FileIndex-1, 0),
		BehaviorHints: &stremio.StreamBehaviorHints{
			BingeGroup: "stream-fusion-" + item.InfoHash,
			Filename:   filename(item),
		},
	}
}

// description builds the multi-line row text: raw title, episode file,
// languages with dub type and release group, then counts and codec info.
func description(item *torrent.Item, media mediainfo.Media) string {
	var b strings.Builder
	b.WriteString(item.RawTitle)
	b.WriteString("\n")
	if media.Kind == mediainfo.KindSeries && item.FileName != "" {
		b.WriteString(item.FileName)
		b.WriteString("\n")
	}

	if len(item.Languages) > 0 {
		emojis := make([]string, len(item.Languages))
		for i, language := range item.Languages {
			emojis[i] = languageEmoji(language)
		}
		b.WriteString(strings.Join(emojis, "/"))
	} else {
		b.WriteString("🌐")
	}
	if dub := parser.DetectFrenchDub(item.RawTitle); dub != "" {
		b.WriteString("  ✔ " + dub)
	}
	group := parser.ExtractReleaseGroup(item.RawTitle)
	if group == "" {
		group = item.ParsedData.Group
	}
	if group != "" {
		b.WriteString("  ☠️ " + group)
	}
	b.WriteString("\n")

	sizeGiB := float64(item.Size) / (1 << 30)
	b.WriteString(fmt.Sprintf("👥 %v   💾 %.2fGB   🔍 %v\n", item.Seeders, sizeGiB, item.Indexer))

	parsed := item.ParsedData
	if parsed.Codec != "" {
		b.WriteString("🎥 " + parsed.Codec + " ")
	}
	if parsed.Quality != "" {
		b.WriteString("📺 " + parsed.Quality + " ")
	}
	if len(parsed.Audio) > 0 {
		b.WriteString("🎧 " + strings.Join(parsed.Audio, " "))
	}
	if parsed.Codec != "" || parsed.Quality != "" || len(parsed.Audio) > 0 {
		b.WriteString("\n")
	}
	return b.String()
}

func filename(item *torrent.Item) string {
	if item.FileName != "" {
		return item.FileName
	}
	return item.RawTitle
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
