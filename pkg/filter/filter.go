// Package filter narrows a normalized result list down to the items that
// match the requested media and the user's preferences. Filters run in a
// fixed order at the end of the search pipeline and are all idempotent.
package filter

import (
	"strings"

	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/parser"
	"github.com/LimeDrive/stream-fusion/pkg/torrent"
	"github.com/LimeDrive/stream-fusion/pkg/userdata"
)

// Filter keeps or drops items from a result list. Implementations never
// mutate the input slice.
type Filter interface {
	Name() string
	Apply(items []torrent.Item) []torrent.Item
}

// Chain applies filters in order and logs how many items each one dropped.
func Chain(items []torrent.Item, logger *zap.Logger, filters ...Filter) []torrent.Item {
	for _, f := range filters {
		before := len(items)
		items = f.Apply(items)
		if dropped := before - len(items); dropped > 0 {
			logger.Debug("Filtered results", zap.String("filter", f.Name()), zap.Int("dropped", dropped), zap.Int("remaining", len(items)))
		}
	}
	return items
}

// Default returns the full filter chain for a search request.
func Default(media mediainfo.Media, cfg userdata.Config) []Filter {
	return []Filter{
		MediaMatchFilter{Media: media},
		TitleMatchFilter{Media: media},
		LanguageFilter{Languages: cfg.Languages},
		MaxSizeFilter{Media: media, MaxSizeGiB: cfg.MaxSizeGiB},
		TitleExclusionFilter{Keywords: cfg.ExclusionKeywords},
		QualityExclusionFilter{Excluded: cfg.Exclusion},
		ResultsPerQualityFilter{PerQuality: cfg.ResultsPerQuality},
	}
}

// MediaMatchFilter keeps items that cover the requested movie or episode.
// For series a season hit (or a whole-series marker) is enough, packs get
// their file selected later. Movies with a known year must be within a year
// of the catalog's.
type MediaMatchFilter struct {
	Media mediainfo.Media
}

func (f MediaMatchFilter) Name() string { return "media match" }

func (f MediaMatchFilter) Apply(items []torrent.Item) []torrent.Item {
	kept := make([]torrent.Item, 0, len(items))
	for _, item := range items {
		if f.matches(item) {
			kept = append(kept, item)
		}
	}
	return kept
}

func (f MediaMatchFilter) matches(item torrent.Item) bool {
	parsed := item.ParsedData
	if f.Media.Kind == mediainfo.KindSeries {
		if parser.IsCompleteSeries(item.RawTitle) {
			return true
		}
		if !containsInt(parsed.Seasons, f.Media.Season) {
			return false
		}
		// Episode lists only appear on single-episode releases
		if len(parsed.Episodes) > 0 && !containsInt(parsed.Episodes, f.Media.Episode) {
			return false
		}
		return true
	}
	if parsed.Year != 0 && f.Media.Year != 0 {
		diff := parsed.Year - f.Media.Year
		if diff < -1 || diff > 1 {
			return false
		}
	}
	return true
}

// TitleMatchFilter keeps items whose parsed title matches one of the
// catalog titles for the media.
type TitleMatchFilter struct {
	Media mediainfo.Media
}

func (f TitleMatchFilter) Name() string { return "title match" }

func (f TitleMatchFilter) Apply(items []torrent.Item) []torrent.Item {
	if len(f.Media.Titles) == 0 {
		return items
	}
	kept := make([]torrent.Item, 0, len(items))
	for _, item := range items {
		got := item.ParsedData.Title
		if got == "" {
			got = item.RawTitle
		}
		for _, wanted := range f.Media.Titles {
			if parser.TitlesMatch(wanted, got) {
				kept = append(kept, item)
				break
			}
		}
	}
	return kept
}

// MaxSizeFilter drops movies above the configured size. Season packs vary
// too much for a size cap to make sense, so series pass through.
type MaxSizeFilter struct {
	Media      mediainfo.Media
	MaxSizeGiB float64
}

func (f MaxSizeFilter) Name() string { return "max size" }

func (f MaxSizeFilter) Apply(items []torrent.Item) []torrent.Item {
	if f.MaxSizeGiB <= 0 || f.Media.Kind != mediainfo.KindMovie {
		return items
	}
	maxBytes := int64(f.MaxSizeGiB * 1024 * 1024 * 1024)
	kept := make([]torrent.Item, 0, len(items))
	for _, item := range items {
		if item.Size <= maxBytes {
			kept = append(kept, item)
		}
	}
	return kept
}

// TitleExclusionFilter drops items whose raw title contains any of the
// configured keywords, case-insensitively.
type TitleExclusionFilter struct {
	Keywords []string
}

func (f TitleExclusionFilter) Name() string { return "title exclusion" }

func (f TitleExclusionFilter) Apply(items []torrent.Item) []torrent.Item {
	if len(f.Keywords) == 0 {
		return items
	}
	kept := make([]torrent.Item, 0, len(items))
	for _, item := range items {
		upper := strings.ToUpper(item.RawTitle)
		excluded := false
		for _, kw := range f.Keywords {
			if kw != "" && strings.Contains(upper, strings.ToUpper(kw)) {
				excluded = true
				break
			}
		}
		if !excluded {
			kept = append(kept, item)
		}
	}
	return kept
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
