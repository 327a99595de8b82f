// Package indexer contains the search adapters, one per torrent source.
// Each adapter turns a media query into normalized torrent items. Adapter
// failures surface as errors to the orchestrator, which logs them and goes
// on with the remaining sources.
package indexer

import (
	"context"
	"strings"

	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/torrent"
)

// Searcher is one torrent source.
type Searcher interface {
	Name() string
	Search(ctx context.Context, media mediainfo.Media) ([]torrent.Item, error)
}

// Torrents with fewer seeders than this are dropped by the adapters.
const defaultMinSeeders = 5

// dedupeTitles removes case-insensitive duplicates while preserving order.
func dedupeTitles(titles []string) []string {
	seen := make(map[string]bool, len(titles))
	unique := make([]string, 0, len(titles))
	for _, t := range titles {
		lower := strings.ToLower(t)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		unique = append(unique, t)
	}
	return unique
}
