package filter

import (
	"strings"

	"github.com/LimeDrive/stream-fusion/pkg/parser"
	"github.com/LimeDrive/stream-fusion/pkg/torrent"
)

// LanguageFilter keeps items tagged "multi" or tagged with one of the
// configured languages.
//
// Indexed-corpus (DMM) entries frequently mislabel English releases as
// multi or French. For those, a multi/fr tag only counts when a known
// French release group appears in the raw title; otherwise the tag is
// ignored before the language check.
type LanguageFilter struct {
	Languages []string
}

func (f LanguageFilter) Name() string { return "language" }

func (f LanguageFilter) Apply(items []torrent.Item) []torrent.Item {
	if len(f.Languages) == 0 {
		return items
	}
	kept := make([]torrent.Item, 0, len(items))
	for _, item := range items {
		langs := item.Languages
		if isDMM(item.Indexer) && !trustedFrenchTag(item) {
			langs = stripLanguages(langs, "multi", "fr")
		}
		if f.anyWanted(langs) {
			kept = append(kept, item)
		}
	}
	return kept
}

func (f LanguageFilter) anyWanted(langs []string) bool {
	for _, l := range langs {
		if l == "multi" {
			return true
		}
		for _, wanted := range f.Languages {
			if l == wanted {
				return true
			}
		}
	}
	return false
}

func isDMM(indexer string) bool {
	return strings.Contains(indexer, "DMM")
}

func trustedFrenchTag(item torrent.Item) bool {
	if !containsAny(item.Languages, "multi", "fr") {
		return true
	}
	return parser.ExtractReleaseGroup(item.RawTitle) != ""
}

func containsAny(haystack []string, needles ...string) bool {
	for _, v := range haystack {
		for _, n := range needles {
			if v == n {
				return true
			}
		}
	}
	return false
}

func stripLanguages(langs []string, drop ...string) []string {
	kept := make([]string, 0, len(langs))
	for _, l := range langs {
		dropped := false
		for _, d := range drop {
			if l == d {
				dropped = true
				break
			}
		}
		if !dropped {
			kept = append(kept, l)
		}
	}
	return kept
}
