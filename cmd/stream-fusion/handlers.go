package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/apikey"
	"github.com/LimeDrive/stream-fusion/pkg/debrid"
	"github.com/LimeDrive/stream-fusion/pkg/indexer"
	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/playback"
	"github.com/LimeDrive/stream-fusion/pkg/searcher"
	"github.com/LimeDrive/stream-fusion/pkg/stremio"
	"github.com/LimeDrive/stream-fusion/pkg/userdata"
)

// clientFactory assembles the per-request indexer adapters and debrid
// services. They're per-request because tokens and passkeys live in the user
// config; clients without per-user credentials are shared.
type clientFactory struct {
	config config

	publicCache *indexer.PublicCacheClient
	zilean      *indexer.ZileanClient
	// nil when no Jackett API key is configured
	jackett  *indexer.JackettClient
	cinemeta *mediainfo.CinemetaClient
	// nil when no TMDB API key is configured
	tmdb   *mediainfo.TMDBClient
	tokens *debrid.TokenManager

	yggOpts       indexer.YggflixClientOptions
	sharewoodOpts indexer.SharewoodClientOptions
	rdOpts        debrid.RealDebridClientOptions
	adOpts        debrid.AllDebridClientOptions
	tbOpts        debrid.TorboxClientOptions
	pmOpts        debrid.PremiumizeClientOptions

	logger *zap.Logger
}

func newClientFactory(config config, tokens *debrid.TokenManager, logger *zap.Logger) (*clientFactory, error) {
	publicCacheOpts := indexer.DefaultPublicCacheClientOpts
	publicCacheOpts.BaseURL = config.BaseURLpublicCache
	publicCacheOpts.ExcludedIndexers = config.ExcludedIndexers
	publicCache, err := indexer.NewPublicCacheClient(publicCacheOpts, logger)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create public cache client: %v", err)
	}

	zileanOpts := indexer.DefaultZileanClientOpts
	zileanOpts.BaseURL = config.BaseURLzilean
	zilean, err := indexer.NewZileanClient(zileanOpts, logger)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create Zilean client: %v", err)
	}

	var jackett *indexer.JackettClient
	if config.JackettAPIKey != "" {
		jackettOpts := indexer.DefaultJackettClientOpts
		jackettOpts.BaseURL = config.BaseURLjackett
		if jackett, err = indexer.NewJackettClient(jackettOpts, config.JackettAPIKey, logger); err != nil {
			return nil, fmt.Errorf("Couldn't create Jackett client: %v", err)
		}
	}

	cinemetaOpts := mediainfo.DefaultCinemetaClientOpts
	cinemetaOpts.BaseURL = config.BaseURLcinemeta
	cinemeta, err := mediainfo.NewCinemetaClient(cinemetaOpts, logger)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create Cinemeta client: %v", err)
	}

	var tmdb *mediainfo.TMDBClient
	if config.TMDBAPIKey != "" {
		tmdbOpts := mediainfo.DefaultTMDBClientOpts
		tmdbOpts.BaseURL = config.BaseURLtmdb
		tmdbOpts.APIKey = config.TMDBAPIKey
		if tmdb, err = mediainfo.NewTMDBClient(tmdbOpts, logger); err != nil {
			return nil, fmt.Errorf("Couldn't create TMDB client: %v", err)
		}
	}

	yggOpts := indexer.DefaultYggflixClientOpts
	yggOpts.BaseURL = config.BaseURLyggflix
	yggOpts.TrackerURL = config.TrackerURLygg
	sharewoodOpts := indexer.DefaultSharewoodClientOpts
	sharewoodOpts.BaseURL = config.BaseURLsharewood
	rdOpts := debrid.DefaultRealDebridClientOpts
	rdOpts.BaseURL = config.BaseURLrd
	adOpts := debrid.DefaultAllDebridClientOpts
	adOpts.BaseURL = config.BaseURLad
	tbOpts := debrid.DefaultTorboxClientOpts
	tbOpts.BaseURL = config.BaseURLtb
	pmOpts := debrid.DefaultPremiumizeClientOpts
	pmOpts.BaseURL = config.BaseURLpm

	return &clientFactory{
		config:        config,
		publicCache:   publicCache,
		zilean:        zilean,
		jackett:       jackett,
		cinemeta:      cinemeta,
		tmdb:          tmdb,
		tokens:        tokens,
		yggOpts:       yggOpts,
		sharewoodOpts: sharewoodOpts,
		rdOpts:        rdOpts,
		adOpts:        adOpts,
		tbOpts:        tbOpts,
		pmOpts:        pmOpts,
		logger:        logger,
	}, nil
}

// adaptersFor returns the indexer adapters the user enabled, the public cache
// first so its hits can satisfy the cached-results threshold early.
func (f *clientFactory) adaptersFor(cfg userdata.Config) []indexer.Searcher {
	var adapters []indexer.Searcher
	if cfg.Cache {
		adapters = append(adapters, f.publicCache)
	}
	if cfg.Zilean {
		adapters = append(adapters, f.zilean)
	}
	if cfg.Yggflix {
		if client, err := indexer.NewYggflixClient(f.yggOpts, cfg.YggPasskey, f.logger); err != nil {
			f.logger.Warn("Couldn't create Yggflix client", zap.Error(err))
		} else {
			adapters = append(adapters, client)
		}
	}
	if cfg.Sharewood && cfg.SharewoodPasskey != "" {
		if client, err := indexer.NewSharewoodClient(f.sharewoodOpts, cfg.SharewoodPasskey, f.logger); err != nil {
			f.logger.Warn("Couldn't create Sharewood client", zap.Error(err))
		} else {
			adapters = append(adapters, client)
		}
	}
	if cfg.Jackett && f.jackett != nil {
		adapters = append(adapters, f.jackett)
	}
	return adapters
}

// servicesFor returns the debrid services the user has credentials for, the
// configured default first.
func (f *clientFactory) servicesFor(cfg userdata.Config) []debrid.Service {
	if !cfg.Debrid {
		return nil
	}
	var services []debrid.Service
	seen := map[string]bool{}
	for _, tag := range append([]string{cfg.Service}, debrid.TagRealDebrid, debrid.TagAllDebrid, debrid.TagTorbox, debrid.TagPremiumize) {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		service, err := f.serviceFor(cfg, tag)
		if err != nil {
			f.logger.Debug("Skipping debrid service", zap.String("debridService", tag), zap.Error(err))
			continue
		}
		services = append(services, service)
	}
	return services
}

func (f *clientFactory) serviceFor(cfg userdata.Config, tag string) (debrid.Service, error) {
	switch tag {
	case debrid.TagRealDebrid:
		if cfg.RDCredentials != nil {
			return debrid.NewRealDebridOAuthClient(f.rdOpts, cfg.RDCredentials.ClientID, cfg.RDCredentials.ClientSecret, cfg.RDCredentials.RefreshToken, f.tokens, f.logger)
		}
		if cfg.RDToken == "" {
			return nil, errors.New("no RealDebrid token configured")
		}
		return debrid.NewRealDebridClient(f.rdOpts, cfg.RDToken, f.logger)
	case debrid.TagAllDebrid:
		if cfg.ADToken == "" {
			return nil, errors.New("no AllDebrid API key configured")
		}
		return debrid.NewAllDebridClient(f.adOpts, cfg.ADToken, f.logger)
	case debrid.TagTorbox:
		if cfg.TBToken == "" {
			return nil, errors.New("no TorBox token configured")
		}
		return debrid.NewTorboxClient(f.tbOpts, cfg.TBToken, f.logger)
	case debrid.TagPremiumize:
		if f.config.PMAPIKey == "" {
			return nil, errors.New("no Premiumize API key configured")
		}
		return debrid.NewPremiumizeClient(f.pmOpts, f.config.PMAPIKey, f.logger)
	}
	return nil, fmt.Errorf("unknown debrid service %q", tag)
}

// downloaderFor returns the service handling "download now" requests.
func (f *clientFactory) downloaderFor(cfg userdata.Config) (debrid.Service, error) {
	tag := cfg.DebridDownloader
	if tag == "" {
		tag = cfg.Service
	}
	return f.serviceFor(cfg, tag)
}

func (f *clientFactory) fetcherFor(cfg userdata.Config) mediainfo.Fetcher {
	if cfg.MetadataProvider == "tmdb" && f.tmdb != nil {
		return f.tmdb
	}
	return f.cinemeta
}

func createHealthHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.SendString("OK")
	}
}

func newManifest(configurationRequired bool) stremio.Manifest {
	return stremio.Manifest{
		ID:          "community.streamfusion",
		Name:        "StreamFusion",
		Description: "Stream movies and series via debrid services, backed by multiple torrent indexers",
		Version:     version,
		ResourceItems: []stremio.ResourceItem{
			{
				Name:       "stream",
				Types:      []string{"movie", "series"},
				IDprefixes: []string{"tt"},
			},
		},
		Types:      []string{"movie", "series"},
		Catalogs:   []stremio.CatalogItem{},
		IDprefixes: []string{"tt"},
		BehaviorHints: stremio.BehaviorHints{
			Configurable:          true,
			ConfigurationRequired: configurationRequired,
		},
	}
}

// createBaseManifestHandler serves the manifest Stremio fetches before any
// user config exists, for example from the community addon list. It requires
// no auth and points the user at the configure page.
func createBaseManifestHandler(logger *zap.Logger) fiber.Handler {
	manifest := newManifest(true)
	return func(c *fiber.Ctx) error {
		logger.Debug("baseManifestHandler called")
		return c.JSON(manifest)
	}
}

func createManifestHandler(logger *zap.Logger) fiber.Handler {
	manifest := newManifest(false)
	return func(c *fiber.Ctx) error {
		logger.Debug("manifestHandler called")
		return c.JSON(manifest)
	}
}

func createStreamHandler(searchClient *searcher.Searcher, factory *clientFactory, metaCache *gocache.Cache, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// The auth middleware already validated the config and API key
		cfg, err := userdata.Decode(c.Params("userData"))
		if err != nil {
			return c.SendStatus(fiber.StatusBadRequest)
		}
		kind := c.Params("type")
		if kind != "movie" && kind != "series" {
			return c.SendStatus(fiber.StatusNotFound)
		}
		streamID, err := url.PathUnescape(c.Params("id"))
		if err != nil {
			return c.SendStatus(fiber.StatusBadRequest)
		}
		streamID = strings.TrimSuffix(streamID, ".json")

		fetcher := factory.fetcherFor(cfg)
		metaKey := fetcher.Name() + "-" + kind + "-" + streamID
		var media mediainfo.Media
		if cached, found := metaCache.Get(metaKey); found {
			media = cached.(mediainfo.Media)
		} else {
			if media, err = fetcher.GetMetadata(c.Context(), kind, streamID, cfg.Languages); err != nil {
				logger.Error("Couldn't get metadata", zap.Error(err), zap.String("streamID", streamID))
				return c.SendStatus(fiber.StatusInternalServerError)
			}
			metaCache.Set(metaKey, media, 0)
		}

		req := searcher.Request{
			Config:   cfg,
			Media:    media,
			Adapters: factory.adaptersFor(cfg),
			Services: factory.servicesFor(cfg),
			ClientIP: c.IP(),
		}
		if cfg.Cache {
			req.Pusher = factory.publicCache
		}
		streams, err := searchClient.Search(c.Context(), req)
		if err != nil {
			logger.Error("Couldn't search streams", zap.Error(err), zap.String("streamID", streamID))
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		logger.Info("Responding with streams", zap.Int("count", len(streams)), zap.String("streamID", streamID))
		return c.JSON(stremio.StreamResponse{Streams: streams})
	}
}

// decodePlaybackRequest turns the path parameters into a playback request.
// The returned status is 0 on success. Service assembly is skipped for
// readiness probes, which only look at the caches.
func decodePlaybackRequest(c *fiber.Ctx, factory *clientFactory, needServices bool, logger *zap.Logger) (playback.Request, int) {
	cfg, err := userdata.Decode(c.Params("userData"))
	if err != nil {
		return playback.Request{}, fiber.StatusBadRequest
	}
	queryString, err := url.PathUnescape(c.Params("query"))
	if err != nil {
		return playback.Request{}, fiber.StatusBadRequest
	}
	query, err := debrid.DecodeQuery(queryString)
	if err != nil {
		logger.Debug("Couldn't decode playback query", zap.Error(err))
		return playback.Request{}, fiber.StatusBadRequest
	}

	req := playback.Request{
		APIKey:   cfg.APIKey,
		Query:    query,
		ClientIP: c.IP(),
	}
	if !needServices {
		return req, 0
	}
	if query.Service == debrid.TagDownload {
		downloader, err := factory.downloaderFor(cfg)
		if err != nil {
			logger.Warn("No download service for playback request", zap.Error(err))
			return playback.Request{}, fiber.StatusForbidden
		}
		req.Downloader = downloader
	} else {
		service, err := factory.serviceFor(cfg, query.Service)
		if err != nil {
			logger.Warn("No debrid service for playback request", zap.String("debridService", query.Service), zap.Error(err))
			return playback.Request{}, fiber.StatusForbidden
		}
		req.Service = service
	}
	return req, 0
}

func createPlaybackHandler(resolver *playback.Resolver, streamer *playback.Streamer, factory *clientFactory, proxied bool, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req, status := decodePlaybackRequest(c, factory, true, logger)
		if status != 0 {
			return c.SendStatus(status)
		}

		link, err := resolver.Resolve(c.Context(), req)
		if errors.Is(err, playback.ErrTryAgain) {
			return c.SendStatus(fiber.StatusServiceUnavailable)
		} else if err != nil {
			logger.Error("Couldn't resolve playback request", zap.Error(err))
			return c.SendStatus(fiber.StatusInternalServerError)
		}

		if !proxied {
			logger.Debug("Responding with redirect to stream", zap.String("redirectLocation", link))
			c.Set("Location", link)
			return c.SendStatus(fiber.StatusMovedPermanently)
		}

		rangeHeader := c.Get("Range")
		upstream, _, err := streamer.Head(c.Context(), link, rangeHeader)
		if err != nil {
			logger.Warn("Couldn't probe upstream video", zap.Error(err))
			upstream = nil
		}
		partial := rangeHeader != ""
		for name, value := range playback.ResponseHeaders(upstream, partial) {
			c.Set(name, value)
		}
		if partial {
			c.Status(fiber.StatusPartialContent)
		} else {
			c.Status(fiber.StatusOK)
		}

		// The response body outlives the handler, so the copy must not hang
		// off the request context.
		pr, pw := io.Pipe()
		go func() {
			err := streamer.Stream(context.Background(), pw, link, rangeHeader)
			if err != nil {
				logger.Error("Couldn't proxy stream", zap.Error(err))
			}
			pw.CloseWithError(err)
		}()
		return c.SendStream(pr)
	}
}

// createPlaybackHeadHandler reports playback readiness: 202 while resolution
// or background caching is pending, 200 once the link is playable.
func createPlaybackHeadHandler(resolver *playback.Resolver, streamer *playback.Streamer, factory *clientFactory, proxied bool, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req, status := decodePlaybackRequest(c, factory, false, logger)
		if status != 0 {
			return c.SendStatus(status)
		}

		probeStatus, link, err := resolver.Probe(c.Context(), req)
		if err != nil {
			logger.Error("Couldn't probe playback readiness", zap.Error(err))
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		if probeStatus == playback.StatusPending {
			return c.SendStatus(fiber.StatusAccepted)
		}
		if proxied && link != "" {
			if upstream, _, err := streamer.Head(c.Context(), link, ""); err != nil {
				logger.Warn("Couldn't probe upstream video", zap.Error(err))
			} else {
				for name, value := range playback.ResponseHeaders(upstream, false) {
					c.Set(name, value)
				}
			}
		}
		return c.SendStatus(fiber.StatusOK)
	}
}

func createKeyCreateHandler(keys *apikey.Store, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body struct {
			Name        string `json:"name"`
			NeverExpire bool   `json:"neverExpire"`
		}
		if err := c.BodyParser(&body); err != nil {
			return c.SendStatus(fiber.StatusBadRequest)
		}
		key, err := keys.Create(c.Context(), body.Name, body.NeverExpire)
		if err != nil {
			logger.Error("Couldn't create API key", zap.Error(err))
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		logger.Info("Created API key", zap.String("name", key.Name))
		return c.Status(fiber.StatusCreated).JSON(key)
	}
}

func createKeyListHandler(keys *apikey.Store, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		list, err := keys.List(c.Context())
		if err != nil {
			logger.Error("Couldn't list API keys", zap.Error(err))
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.JSON(list)
	}
}

func createKeyRenewHandler(keys *apikey.Store, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, err := keys.Renew(c.Context(), c.Params("apiKey"))
		if errors.Is(err, apikey.ErrNotFound) {
			return c.SendStatus(fiber.StatusNotFound)
		} else if err != nil {
			logger.Error("Couldn't renew API key", zap.Error(err))
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.JSON(key)
	}
}

func createKeyRevokeHandler(keys *apikey.Store, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := keys.Revoke(c.Context(), c.Params("apiKey"))
		if errors.Is(err, apikey.ErrNotFound) {
			return c.SendStatus(fiber.StatusNotFound)
		} else if err != nil {
			logger.Error("Couldn't revoke API key", zap.Error(err))
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func createKeyDeleteHandler(keys *apikey.Store, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := keys.Delete(c.Context(), c.Params("apiKey"))
		if errors.Is(err, apikey.ErrNotFound) {
			return c.SendStatus(fiber.StatusNotFound)
		} else if err != nil {
			logger.Error("Couldn't delete API key", zap.Error(err))
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}
