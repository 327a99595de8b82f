package filter

import (
	"strings"

	"github.com/LimeDrive/stream-fusion/pkg/torrent"
)

// Category shortcuts accepted in the exclusion list.
var (
	ripSources = map[string]bool{
		"HDRIP": true, "BRRIP": true, "BDRIP": true,
		"WEBRIP": true, "TVRIP": true, "VODRIP": true,
	}
	camSources = map[string]bool{
		"CAM": true, "TS": true, "TC": true, "R5": true,
		"DVDSCR": true, "HDTV": true, "PDTV": true, "DSR": true,
		"WORKPRINT": true, "VHSRIP": true, "HDCAM": true,
	}
)

// QualityExclusionFilter drops items by resolution, source quality or the
// category groups RIPS, CAMS (singular forms accepted) and HEVC.
type QualityExclusionFilter struct {
	Excluded []string
}

func (f QualityExclusionFilter) Name() string { return "quality exclusion" }

func (f QualityExclusionFilter) Apply(items []torrent.Item) []torrent.Item {
	if len(f.Excluded) == 0 {
		return items
	}
	excluded := make(map[string]bool, len(f.Excluded))
	for _, e := range f.Excluded {
		excluded[strings.ToUpper(e)] = true
	}

	kept := make([]torrent.Item, 0, len(items))
	for _, item := range items {
		resolution := strings.ToUpper(item.ParsedData.Resolution)
		quality := strings.ToUpper(item.ParsedData.Quality)
		switch {
		case excluded[resolution] || excluded[quality]:
		case (excluded["RIPS"] || excluded["RIP"]) && (ripSources[quality] || ripSources[resolution]):
		case (excluded["CAMS"] || excluded["CAM"]) && (camSources[quality] || camSources[resolution]):
		case excluded["HEVC"] && isHEVC(item.ParsedData.Codec):
		default:
			kept = append(kept, item)
		}
	}
	return kept
}

func isHEVC(codec string) bool {
	codec = strings.ToUpper(codec)
	return strings.Contains(codec, "HEVC") || strings.Contains(codec, "265")
}

// ResultsPerQualityFilter caps each resolution bucket to a fixed number of
// items, preserving the input order.
type ResultsPerQualityFilter struct {
	PerQuality int
}

func (f ResultsPerQualityFilter) Name() string { return "results per quality" }

func (f ResultsPerQualityFilter) Apply(items []torrent.Item) []torrent.Item {
	if f.PerQuality <= 0 {
		return items
	}
	counts := make(map[string]int)
	kept := make([]torrent.Item, 0, len(items))
	for _, item := range items {
		bucket := strings.ToLower(item.ParsedData.Resolution)
		if counts[bucket] >= f.PerQuality {
			continue
		}
		counts[bucket]++
		kept = append(kept, item)
	}
	return kept
}
