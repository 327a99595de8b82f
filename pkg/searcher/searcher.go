// Package searcher orchestrates a stream search end to end: cache lookups,
// indexer fan-out, post-processing, filtering, debrid availability and the
// final player-facing stream rows.
package searcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LimeDrive/stream-fusion/pkg/debrid"
	"github.com/LimeDrive/stream-fusion/pkg/filter"
	"github.com/LimeDrive/stream-fusion/pkg/indexer"
	"github.com/LimeDrive/stream-fusion/pkg/kv"
	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/stremio"
	"github.com/LimeDrive/stream-fusion/pkg/torrent"
	"github.com/LimeDrive/stream-fusion/pkg/userdata"
)

type Options struct {
	// Bound of the parallel indexer fan-out
	MaxWorkers int
	// TTL of the shared unfiltered result cache
	UnfilteredTTL time.Duration
	// TTL of the per-user stream row cache
	StreamTTL time.Duration
	// Budget for the fire-and-forget public cache write-back
	PushTimeout time.Duration
}

func NewOpts(maxWorkers int, unfilteredTTL, streamTTL, pushTimeout time.Duration) Options {
	return Options{
		MaxWorkers:    maxWorkers,
		UnfilteredTTL: unfilteredTTL,
		StreamTTL:     streamTTL,
		PushTimeout:   pushTimeout,
	}
}

var DefaultOpts = Options{
	MaxWorkers:    4,
	UnfilteredTTL: time.Hour,
	StreamTTL:     20 * time.Minute,
	PushTimeout:   30 * time.Second,
}

// CachePusher writes public results back to the shared community cacher.
// Satisfied by indexer.PublicCacheClient.
type CachePusher interface {
	Push(ctx context.Context, items []torrent.Item, media mediainfo.Media) error
}

// Store is the KV cache the orchestrator keeps its two result tiers in.
// Satisfied by kv.Store.
type Store interface {
	GetJSON(ctx context.Context, key string, target interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Request bundles one search invocation. Adapters and debrid services are
// per-request because tokens and passkeys live in the user config.
type Request struct {
	Config userdata.Config
	Media  mediainfo.Media
	// Indexer adapters in configured order, the public cache first
	Adapters []indexer.Searcher
	// Debrid services in configured order; the first to mark an item wins
	Services []debrid.Service
	// Optional write-back target for public items
	Pusher   CachePusher
	ClientIP string
}

// Searcher is the search orchestrator.
type Searcher struct {
	store     Store
	processor *torrent.Processor
	opts      Options
	logger    *zap.Logger
}

func New(opts Options, store Store, processor *torrent.Processor, logger *zap.Logger) (*Searcher, error) {
	// Precondition check
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if processor == nil {
		return nil, errors.New("processor must not be nil")
	}
	if opts.MaxWorkers <= 0 {
		return nil, errors.New("opts.MaxWorkers must be positive")
	}

	return &Searcher{
		store:     store,
		processor: processor,
		opts:      opts,
		logger:    logger,
	}, nil
}

// Search runs the full pipeline and returns player-ready stream rows.
func (s *Searcher) Search(ctx context.Context, req Request) ([]stremio.StreamItem, error) {
	start := time.Now()
	streamKey := streamCacheKey(req.Config.APIKey, req.Media)

	var cachedStreams []stremio.StreamItem
	found, err := s.store.GetJSON(ctx, streamKey, &cachedStreams)
	if err != nil {
		s.logger.Error("Couldn't read stream cache", zap.Error(err))
	} else if found {
		s.logger.Info("Returning cached stream rows", zap.Int("count", len(cachedStreams)), zap.Duration("duration", time.Since(start)))
		return cachedStreams, nil
	}

	items, err := s.unfilteredResults(ctx, req)
	if err != nil {
		return nil, err
	}
	filtered := filter.Chain(items, s.logger, filter.Default(req.Media, req.Config)...)

	// A stale shared cache can leave too few results after filtering, e.g.
	// when this user wants a language the cached search never looked for.
	// One refresh against the live indexers then.
	if len(filtered) < req.Config.MinCachedResults {
		s.logger.Info("Insufficient filtered results, refreshing the search", zap.Int("filtered", len(filtered)))
		if err := s.store.Delete(ctx, mediaCacheKey(req.Media)); err != nil {
			s.logger.Error("Couldn't invalidate unfiltered cache", zap.Error(err))
		}
		if items, err = s.unfilteredResults(ctx, req); err != nil {
			return nil, err
		}
		filtered = filter.Chain(items, s.logger, filter.Default(req.Media, req.Config)...)
	}

	container := torrent.NewContainer(filtered, req.Media, s.logger)
	if req.Config.Debrid {
		s.checkAvailability(ctx, container, req)
	}
	if req.Config.Cache && req.Pusher != nil {
		s.pushPublicItems(container.PublicItems(), req)
	}

	best := container.BestMatching()
	SortItems(best, req.Config.Sort)
	streams := Streams(best, req.Config, req.Media)

	if err := s.store.SetJSON(ctx, streamKey, streams, s.opts.StreamTTL); err != nil {
		s.logger.Error("Couldn't write stream cache", zap.Error(err))
	}
	s.logger.Info("Search completed", zap.Int("streams", len(streams)), zap.Duration("duration", time.Since(start)))
	return streams, nil
}

// unfilteredResults returns the shared (per-media, not per-user) result
// list, from cache or from a fresh indexer fan-out.
func (s *Searcher) unfilteredResults(ctx context.Context, req Request) ([]torrent.Item, error) {
	mediaKey := mediaCacheKey(req.Media)

	var cached []torrent.Item
	found, err := s.store.GetJSON(ctx, mediaKey, &cached)
	if err != nil {
		s.logger.Error("Couldn't read unfiltered cache", zap.Error(err))
	} else if found {
		s.logger.Info("Retrieved unfiltered results from cache", zap.Int("count", len(cached)))
		return cached, nil
	}

	raw, complete := s.fanOut(ctx, req)
	items := s.processor.Process(ctx, raw, req.Media)
	s.logger.Info("Fresh search completed", zap.Int("raw", len(raw)), zap.Int("processed", len(items)))

	// A partial fan-out must never end up in the shared cache
	if complete {
		if err := s.store.SetJSON(ctx, mediaKey, items, s.opts.UnfilteredTTL); err != nil {
			s.logger.Error("Couldn't write unfiltered cache", zap.Error(err))
		}
	}
	return items, nil
}

// fanOut queries the indexer adapters in a bounded parallel group. Adapters
// whose turn comes after the running total reached minCachedResults are
// skipped. The second return value reports whether every queried adapter
// succeeded.
func (s *Searcher) fanOut(ctx context.Context, req Request) ([]torrent.Item, bool) {
	var mu sync.Mutex
	var merged []torrent.Item
	complete := true

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxWorkers)
	for _, adapter := range req.Adapters {
		adapter := adapter
		g.Go(func() error {
			mu.Lock()
			enough := len(merged) >= req.Config.MinCachedResults
			mu.Unlock()
			if enough {
				s.logger.Debug("Skipping adapter, result threshold reached", zap.String("adapter", adapter.Name()))
				return nil
			}

			items, err := adapter.Search(gctx, req.Media)
			if err != nil {
				s.logger.Warn("Adapter search failed", zap.Error(err), zap.String("adapter", adapter.Name()))
				mu.Lock()
				complete = false
				mu.Unlock()
				return nil
			}
			s.logger.Debug("Adapter search succeeded", zap.String("adapter", adapter.Name()), zap.Int("results", len(items)))
			mu.Lock()
			merged = torrent.Merge(merged, items)
			mu.Unlock()
			return nil
		})
	}
	// The group never returns errors, adapter failures only degrade results
	g.Wait()
	return merged, complete
}

// checkAvailability runs the bulk availability checks in configured provider
// order. Only hashes still unknown are sent to the next provider.
func (s *Searcher) checkAvailability(ctx context.Context, container *torrent.Container, req Request) {
	for _, service := range req.Services {
		hashes := container.UnavailableHashes()
		if len(hashes) == 0 {
			return
		}
		availability, err := service.GetAvailabilityBulk(ctx, hashes, req.ClientIP)
		if err != nil {
			s.logger.Warn("Availability check failed", zap.Error(err), zap.String("debridService", service.Tag()))
			continue
		}
		container.UpdateAvailability(availability)
	}
}

// pushPublicItems writes public results to the community cacher without
// blocking the search response.
func (s *Searcher) pushPublicItems(items []torrent.Item, req Request) {
	if len(items) == 0 {
		return
	}
	pusher := req.Pusher
	media := req.Media
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.PushTimeout)
		defer cancel()
		if err := pusher.Push(ctx, items, media); err != nil {
			s.logger.Warn("Couldn't push results to public cache", zap.Error(err))
		}
	}()
}

// streamCacheKey is per user: two users with different filters must not see
// each other's rows.
func streamCacheKey(apiKey string, media mediainfo.Media) string {
	if media.Kind == mediainfo.KindSeries {
		return kv.GenerateKey("stream", apiKey, media.PrimaryTitle(), media.PrimaryLanguage(), fmt.Sprintf("%d%d", media.Season, media.Episode))
	}
	return kv.GenerateKey("stream", apiKey, media.PrimaryTitle(), strconv.Itoa(media.Year), media.PrimaryLanguage())
}

// mediaCacheKey is shared across users; the unfiltered result list doesn't
// depend on any per-user setting. Series are cached per season, the episode
// file is picked later.
func mediaCacheKey(media mediainfo.Media) string {
	if media.Kind == mediainfo.KindSeries {
		return kv.GenerateKey("media", media.PrimaryTitle(), media.PrimaryLanguage(), strconv.Itoa(media.Season))
	}
	return kv.GenerateKey("media", media.PrimaryTitle(), strconv.Itoa(media.Year), media.PrimaryLanguage())
}

// Ranks for the quality sort, anything else comes last.
var qualityRank = map[string]int{
	"2160p": 0,
	"1080p": 1,
	"720p":  2,
	"480p":  3,
}

func rankOf(item torrent.Item) int {
	if rank, ok := qualityRank[item.ParsedData.Resolution]; ok {
		return rank
	}
	return len(qualityRank)
}

// SortItems orders items in place according to the configured sort mode.
// Unknown modes fall back to "quality".
func SortItems(items []torrent.Item, mode string) {
	switch mode {
	case "sizeasc":
		sort.SliceStable(items, func(i, j int) bool { return items[i].Size < items[j].Size })
	case "sizedesc":
		sort.SliceStable(items, func(i, j int) bool { return items[i].Size > items[j].Size })
	case "qualitythensize":
		sort.SliceStable(items, func(i, j int) bool {
			ri, rj := rankOf(items[i]), rankOf(items[j])
			if ri != rj {
				return ri < rj
			}
			return items[i].Size > items[j].Size
		})
	default:
		sort.SliceStable(items, func(i, j int) bool { return rankOf(items[i]) < rankOf(items[j]) })
	}
}

var _ CachePusher = (*indexer.PublicCacheClient)(nil)
var _ Store = (*kv.Store)(nil)
