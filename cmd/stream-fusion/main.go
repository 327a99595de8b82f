package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/go-co-op/gocron/v2"
	"github.com/gofiber/fiber/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/LimeDrive/stream-fusion/pkg/apikey"
	"github.com/LimeDrive/stream-fusion/pkg/debrid"
	"github.com/LimeDrive/stream-fusion/pkg/kv"
	"github.com/LimeDrive/stream-fusion/pkg/logadapter"
	"github.com/LimeDrive/stream-fusion/pkg/playback"
	"github.com/LimeDrive/stream-fusion/pkg/searcher"
	"github.com/LimeDrive/stream-fusion/pkg/torrent"
)

const version = "2.0.0"

func main() {
	// Bootstrap logger until the real one is configured
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Couldn't create bootstrap logger: %v", err)
	}

	config := parseConfig(logger)
	config.validate(logger)

	logger, err = newLogger(config.LogLevel, config.LogEncoding)
	if err != nil {
		log.Fatalf("Couldn't create logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("Starting stream-fusion", zap.String("version", version))

	// Persistent store for processed torrent results
	badgerOpts := badger.DefaultOptions(config.StoragePath).
		WithLogger(logadapter.NewBadger2Zap(logger))
	db, err := badger.Open(badgerOpts)
	if err != nil {
		logger.Fatal("Couldn't open BadgerDB", zap.Error(err), zap.String("storagePath", config.StoragePath))
	}
	torrentStore := torrent.NewBadgerStore(db)
	processor, err := torrent.NewProcessor(torrent.DefaultProcessorOpts, torrentStore, logger)
	if err != nil {
		logger.Fatal("Couldn't create torrent processor", zap.Error(err))
	}

	// Redis for result caches, stream links and locks
	redisPassword := config.RedisCreds
	if _, after, found := strings.Cut(config.RedisCreds, ":"); found {
		redisPassword = after
	}
	kvStore, err := kv.NewStore(kv.NewStoreOpts(config.RedisAddr, redisPassword, 0), logger)
	if err != nil {
		logger.Fatal("Couldn't connect to Redis", zap.Error(err), zap.String("redisAddr", config.RedisAddr))
	}

	// API keys in SQLite
	keyStoreOpts := apikey.DefaultStoreOpts
	keyStoreOpts.Path = config.DBPath
	keyStoreOpts.DefaultTTL = config.APIKeyTTL
	keys, err := apikey.NewStore(keyStoreOpts, logger)
	if err != nil {
		logger.Fatal("Couldn't open API key store", zap.Error(err), zap.String("dbPath", config.DBPath))
	}

	// Daily sweep of expired and unused API keys
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		logger.Fatal("Couldn't create scheduler", zap.Error(err))
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(24*time.Hour),
		gocron.NewTask(func() {
			deleted, err := keys.DeleteExpired(context.Background())
			if err != nil {
				logger.Error("Couldn't sweep expired API keys", zap.Error(err))
				return
			}
			logger.Info("Swept expired API keys", zap.Int64("deleted", deleted))
		}),
		gocron.WithName("apikey-sweep"),
	)
	if err != nil {
		logger.Fatal("Couldn't schedule API key sweep", zap.Error(err))
	}
	scheduler.Start()

	tokens, err := debrid.NewTokenManager(debrid.DefaultTokenManagerOpts, kvStore, logger)
	if err != nil {
		logger.Fatal("Couldn't create token manager", zap.Error(err))
	}
	factory, err := newClientFactory(config, tokens, logger)
	if err != nil {
		logger.Fatal("Couldn't create clients", zap.Error(err))
	}

	searchClient, err := searcher.New(searcher.DefaultOpts, kvStore, processor, logger)
	if err != nil {
		logger.Fatal("Couldn't create searcher", zap.Error(err))
	}
	resolver, err := playback.NewResolver(playback.DefaultOpts, kvStore, logger)
	if err != nil {
		logger.Fatal("Couldn't create playback resolver", zap.Error(err))
	}

	// Playback traffic optionally goes through an outbound proxy, API traffic
	// never does.
	var playbackHTTPClient *http.Client
	if config.PlaybackProxyURL != "" {
		proxyURL, err := url.Parse(config.PlaybackProxyURL)
		if err != nil {
			logger.Fatal("Couldn't parse playback proxy URL", zap.Error(err))
		}
		playbackHTTPClient = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}
	streamer, err := playback.NewStreamer(playback.DefaultStreamerOpts, playbackHTTPClient, logger)
	if err != nil {
		logger.Fatal("Couldn't create streamer", zap.Error(err))
	}

	// In-process metadata cache so repeated stream requests for the same
	// title don't hit Cinemeta or TMDB again
	metaCache := gocache.New(30*time.Minute, 15*time.Minute)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
	})
	app.Use(createTimerMiddleware(logger))
	app.Use(corsMiddleware())

	authMiddleware := createAuthMiddleware(keys, logger)
	adminMiddleware := createAdminMiddleware(config.AdminSecret)

	app.Get("/health", createHealthHandler())
	app.Get("/", createRootHandler())
	app.Get("/configure", createConfigureHandler(logger))
	app.Get("/:userData/configure", createConfigureHandler(logger))
	// Pre-configuration manifest, so Stremio discovery works before a user
	// config exists. Must be registered before the ":userData" routes.
	app.Get("/manifest.json", createBaseManifestHandler(logger))
	app.Get("/playback/:userData/:query", authMiddleware, createPlaybackHandler(resolver, streamer, factory, config.ProxiedLink, logger))
	app.Head("/playback/:userData/:query", authMiddleware, createPlaybackHeadHandler(resolver, streamer, factory, config.ProxiedLink, logger))
	app.Post("/admin/apikeys", adminMiddleware, createKeyCreateHandler(keys, logger))
	app.Get("/admin/apikeys", adminMiddleware, createKeyListHandler(keys, logger))
	app.Put("/admin/apikeys/:apiKey/renew", adminMiddleware, createKeyRenewHandler(keys, logger))
	app.Put("/admin/apikeys/:apiKey/revoke", adminMiddleware, createKeyRevokeHandler(keys, logger))
	app.Delete("/admin/apikeys/:apiKey", adminMiddleware, createKeyDeleteHandler(keys, logger))
	app.Get("/:userData/manifest.json", authMiddleware, createManifestHandler(logger))
	app.Get("/:userData/stream/:type/:id", authMiddleware, createStreamHandler(searchClient, factory, metaCache, logger))

	addr := config.BindAddr + ":" + strconv.Itoa(config.Port)
	go func() {
		logger.Info("Listening", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			logger.Fatal("Couldn't start server", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	if err := app.Shutdown(); err != nil {
		logger.Error("Couldn't shut down server gracefully", zap.Error(err))
	}
	var closeErr error
	closeErr = multierr.Append(closeErr, scheduler.Shutdown())
	closeErr = multierr.Append(closeErr, keys.Close())
	closeErr = multierr.Append(closeErr, kvStore.Close())
	closeErr = multierr.Append(closeErr, db.Close())
	if closeErr != nil {
		logger.Error("Couldn't close all resources cleanly", zap.Error(closeErr))
	}
	logger.Info("Finished shutting down")
}

func newLogger(level, encoding string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.Encoding = encoding
	if encoding == "console" {
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return zapCfg.Build()
}
