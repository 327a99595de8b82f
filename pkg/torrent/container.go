package torrent

import (
	"sort"

	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/debrid"
	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/parser"
)

// Container holds unique results keyed by infohash and coordinates the
// availability updates coming from the debrid providers.
type Container struct {
	items  map[string]*Item
	order  []string
	media  mediainfo.Media
	logger *zap.Logger
}

// NewContainer builds a container from a result list, deduplicating on
// infohash. The first item per hash wins.
func NewContainer(items []Item, media mediainfo.Media, logger *zap.Logger) *Container {
	c := &Container{
		items:  make(map[string]*Item, len(items)),
		media:  media,
		logger: logger,
	}
	for i := range items {
		item := items[i]
		hash := item.InfoHash
		if hash == "" {
			continue
		}
		if _, exists := c.items[hash]; exists {
			continue
		}
		c.items[hash] = &item
		c.order = append(c.order, hash)
	}
	return c
}

// UnavailableHashes returns the infohashes not yet marked available by any
// provider.
func (c *Container) UnavailableHashes() []string {
	var hashes []string
	for _, hash := range c.order {
		if c.items[hash].Availability == "" {
			hashes = append(hashes, hash)
		}
	}
	return hashes
}

// Items returns the contained items in insertion order.
func (c *Container) Items() []Item {
	items := make([]Item, 0, len(c.order))
	for _, hash := range c.order {
		items = append(items, *c.items[hash])
	}
	return items
}

// PublicItems returns the contained public items, for the cache write-back.
func (c *Container) PublicItems() []Item {
	var items []Item
	for _, hash := range c.order {
		if c.items[hash].Privacy == PrivacyPublic {
			items = append(items, *c.items[hash])
		}
	}
	return items
}

// BestMatching yields the directly usable items: those with a selected file,
// those whose full index covers the requested episode (largest wins), and
// magnet-only items (the debrid selects the file at playback time). Items
// whose .torrent was inspected but matched nothing are excluded.
func (c *Container) BestMatching() []Item {
	var matching []Item
	for _, hash := range c.order {
		item := c.items[hash]
		if item.TorrentDownload == "" {
			// Magnet only, no file knowledge yet
			matching = append(matching, *item)
			continue
		}
		if item.FileIndex > 0 {
			matching = append(matching, *item)
			continue
		}
		if best, ok := bestFullIndexMatch(item.FullIndex, c.media.Season, c.media.Episode); ok {
			withFile := *item
			withFile.FileIndex = best.FileIndex
			withFile.FileName = best.FileName
			withFile.Size = best.Size
			matching = append(matching, withFile)
		}
	}
	return matching
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func bestFullIndexMatch(fullIndex []IndexedFile, season, episode int) (IndexedFile, bool) {
	candidates := make([]IndexedFile, 0, len(fullIndex))
	for _, f := range fullIndex {
		if containsInt(f.Seasons, season) && (len(f.Episodes) == 0 || containsInt(f.Episodes, episode)) {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return IndexedFile{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Size > candidates[j].Size })
	return candidates[0], true
}

// UpdateAvailability applies a provider's bulk availability response.
// The first provider to mark an item wins, availability never regresses.
func (c *Container) UpdateAvailability(av debrid.Availability) {
	for hash, candidates := range av.Items {
		item, ok := c.items[hash]
		if !ok || len(candidates) == 0 {
			continue
		}
		if item.Availability != "" {
			continue
		}
		c.updateFileDetails(item, candidates, av.Provider)
	}
}

// updateFileDetails is the shared reducer over a provider's cached-file
// candidates: for series the first file matching the requested episode, for
// movies the largest.
func (c *Container) updateFileDetails(item *Item, candidates []debrid.FileCandidate, provider string) {
	var chosen *debrid.FileCandidate
	if c.media.Kind == mediainfo.KindSeries {
		for i := range candidates {
			if parser.SeasonEpisodeInFilename(candidates[i].Name, c.media.Season, c.media.Episode) {
				chosen = &candidates[i]
				break
			}
		}
		if chosen == nil {
			return
		}
	} else {
		for i := range candidates {
			if chosen == nil || candidates[i].Size > chosen.Size {
				chosen = &candidates[i]
			}
		}
	}

	item.Availability = provider
	if chosen.Index > 0 {
		item.FileIndex = chosen.Index
	}
	if chosen.Name != "" {
		item.FileName = chosen.Name
	}
	if chosen.Size > 0 {
		item.Size = chosen.Size
	}
	c.logger.Debug("Marked item available",
		zap.String("infoHash", item.InfoHash),
		zap.String("provider", provider),
		zap.String("fileName", item.FileName))
}
