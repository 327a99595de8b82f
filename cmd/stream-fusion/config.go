package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type config struct {
	BindAddr           string        `json:"bindAddr"`
	Port               int           `json:"port"`
	BaseURL            string        `json:"baseURL"`
	StoragePath        string        `json:"storagePath"`
	DBPath             string        `json:"dbPath"`
	RedisAddr          string        `json:"redisAddr"`
	RedisCreds         string        `json:"redisCreds"`
	LogLevel           string        `json:"logLevel"`
	LogEncoding        string        `json:"logEncoding"`
	AdminSecret        string        `json:"-"`
	ProxiedLink        bool          `json:"proxiedLink"`
	PlaybackProxyURL   string        `json:"playbackProxyURL"`
	APIKeyTTL          time.Duration `json:"apiKeyTTL"`
	BaseURLrd          string        `json:"baseURLrd"`
	BaseURLad          string        `json:"baseURLad"`
	BaseURLtb          string        `json:"baseURLtb"`
	BaseURLpm          string        `json:"baseURLpm"`
	PMAPIKey           string        `json:"-"`
	BaseURLzilean      string        `json:"baseURLzilean"`
	BaseURLyggflix     string        `json:"baseURLyggflix"`
	TrackerURLygg      string        `json:"trackerURLygg"`
	BaseURLsharewood   string        `json:"baseURLsharewood"`
	BaseURLjackett     string        `json:"baseURLjackett"`
	JackettAPIKey      string        `json:"-"`
	BaseURLpublicCache string        `json:"baseURLpublicCache"`
	ExcludedIndexers   []string      `json:"excludedIndexers"`
	BaseURLcinemeta    string        `json:"baseURLcinemeta"`
	BaseURLtmdb        string        `json:"baseURLtmdb"`
	TMDBAPIKey         string        `json:"-"`
	EnvPrefix          string        `json:"envPrefix"`
}

func parseConfig(logger *zap.Logger) config {
	result := config{}

	// Flags
	var (
		bindAddr           = flag.String("bindAddr", "localhost", `Local interface address to bind to. "localhost" only allows access from the local host. "0.0.0.0" binds to all network interfaces.`)
		port               = flag.Int("port", 8080, "Port to listen on")
		baseURL            = flag.String("baseURL", "http://localhost:8080", "Base URL of this service. It's embedded into the stream URLs delivered to the player, which later hit the playback endpoint.")
		storagePath        = flag.String("storagePath", "", `Path for storing the data of the persistent DB which stores processed torrent results. An empty value will lead to 'os.UserCacheDir()+"/stream-fusion/badger"'.`)
		dbPath             = flag.String("dbPath", "stream-fusion.db", "Path of the SQLite database file holding the API keys")
		redisAddr          = flag.String("redisAddr", "localhost:6379", `Redis host and port, for example "localhost:6379". It's used for the result caches, stream link cache and distributed locks.`)
		redisCreds         = flag.String("redisCreds", "", `Credentials for Redis. Password for Redis version 5 and older, username and password for Redis version 6 and newer. Use the colon character (":") for separating username and password.`)
		logLevel           = flag.String("logLevel", "debug", `Log level to show only logs with the given and more severe levels. Can be "debug", "info", "warn", "error".`)
		logEncoding        = flag.String("logEncoding", "console", `Log encoding. Can be "console" or "json", where "json" makes more sense when using centralized logging solutions like ELK, Graylog or Loki.`)
		adminSecret        = flag.String("adminSecret", "", "Secret required in the \"X-Admin-Secret\" header for the API key management endpoints. Management is disabled when empty.")
		proxiedLink        = flag.Bool("proxiedLink", false, "Proxy the video bytes through this service instead of redirecting the player to the debrid URL")
		playbackProxyURL   = flag.String("playbackProxyURL", "", "Outbound proxy URL for playback traffic only, e.g. \"socks5://localhost:1080\". Supports http, https, socks5, socks5h.")
		apiKeyTTL          = flag.Duration("apiKeyTTL", 15*24*time.Hour, "Lifetime of newly created API keys. The format must be acceptable by Go's 'time.ParseDuration()', for example \"360h\".")
		baseURLrd          = flag.String("baseURLrd", "https://api.real-debrid.com/rest/1.0", "Base URL for RealDebrid")
		baseURLad          = flag.String("baseURLad", "https://api.alldebrid.com/v4", "Base URL for AllDebrid")
		baseURLtb          = flag.String("baseURLtb", "https://api.torbox.app", "Base URL for TorBox")
		baseURLpm          = flag.String("baseURLpm", "https://www.premiumize.me/api", "Base URL for Premiumize")
		pmAPIKey           = flag.String("pmAPIKey", "", "Shared Premiumize API key. Premiumize isn't offered as a per-user service when empty.")
		baseURLzilean      = flag.String("baseURLzilean", "http://localhost:8181", "Base URL for the Zilean DMM indexer")
		baseURLyggflix     = flag.String("baseURLyggflix", "https://yggflix.fr", "Base URL for Yggflix")
		trackerURLygg      = flag.String("trackerURLygg", "https://www.ygg.re", "Base URL of the Yggtorrent tracker, used for .torrent downloads")
		baseURLsharewood   = flag.String("baseURLsharewood", "https://www.sharewood.tv", "Base URL for Sharewood")
		baseURLjackett     = flag.String("baseURLjackett", "http://localhost:9117", "Base URL for Jackett")
		jackettAPIKey      = flag.String("jackettAPIKey", "", "API key of the Jackett instance")
		baseURLpublicCache = flag.String("baseURLpublicCache", "https://stremio-jackett-cacher.elfhosted.com", "Base URL of the community result cacher")
		excludedIndexers   = flag.String("excludedIndexers", "", `Indexers whose results must not be pushed to the community cacher, comma separated, e.g. "Sharewood,Yggtorrent"`)
		baseURLcinemeta    = flag.String("baseURLcinemeta", "https://v3-cinemeta.strem.io", "Base URL for Cinemeta")
		baseURLtmdb        = flag.String("baseURLtmdb", "https://api.themoviedb.org/3", "Base URL for TMDB")
		tmdbAPIKey         = flag.String("tmdbAPIKey", "", "API key for TMDB. The TMDB metadata provider isn't offered when empty.")
		envPrefix          = flag.String("envPrefix", "", "Prefix for environment variables")
	)

	flag.Parse()

	if *envPrefix != "" && !strings.HasSuffix(*envPrefix, "_") {
		*envPrefix += "_"
	}
	result.EnvPrefix = *envPrefix

	// Only overwrite the values by their env var counterparts that have not
	// been set (and that *are* set via env var).
	var err error
	if !isArgSet("bindAddr") {
		if val, ok := os.LookupEnv(*envPrefix + "BIND_ADDR"); ok {
			*bindAddr = val
		}
	}
	result.BindAddr = *bindAddr

	if !isArgSet("port") {
		if val, ok := os.LookupEnv(*envPrefix + "PORT"); ok {
			if *port, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "PORT"))
			}
		}
	}
	result.Port = *port

	if !isArgSet("baseURL") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL"); ok {
			*baseURL = val
		}
	}
	result.BaseURL = *baseURL

	if !isArgSet("storagePath") {
		if val, ok := os.LookupEnv(*envPrefix + "STORAGE_PATH"); ok {
			*storagePath = val
		}
	}
	result.StoragePath = *storagePath

	if !isArgSet("dbPath") {
		if val, ok := os.LookupEnv(*envPrefix + "DB_PATH"); ok {
			*dbPath = val
		}
	}
	result.DBPath = *dbPath

	if !isArgSet("redisAddr") {
		if val, ok := os.LookupEnv(*envPrefix + "REDIS_ADDR"); ok {
			*redisAddr = val
		}
	}
	result.RedisAddr = *redisAddr

	if !isArgSet("redisCreds") {
		if val, ok := os.LookupEnv(*envPrefix + "REDIS_CREDS"); ok {
			*redisCreds = val
		}
	}
	result.RedisCreds = *redisCreds

	if !isArgSet("logLevel") {
		if val, ok := os.LookupEnv(*envPrefix + "LOG_LEVEL"); ok {
			*logLevel = val
		}
	}
	result.LogLevel = *logLevel

	if !isArgSet("logEncoding") {
		if val, ok := os.LookupEnv(*envPrefix + "LOG_ENCODING"); ok {
			*logEncoding = val
		}
	}
	result.LogEncoding = *logEncoding

	if !isArgSet("adminSecret") {
		if val, ok := os.LookupEnv(*envPrefix + "ADMIN_SECRET"); ok {
			*adminSecret = val
		}
	}
	result.AdminSecret = *adminSecret

	if !isArgSet("proxiedLink") {
		if val, ok := os.LookupEnv(*envPrefix + "PROXIED_LINK"); ok {
			if *proxiedLink, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "PROXIED_LINK"))
			}
		}
	}
	result.ProxiedLink = *proxiedLink

	if !isArgSet("playbackProxyURL") {
		if val, ok := os.LookupEnv(*envPrefix + "PLAYBACK_PROXY_URL"); ok {
			*playbackProxyURL = val
		}
	}
	result.PlaybackProxyURL = *playbackProxyURL

	if !isArgSet("apiKeyTTL") {
		if val, ok := os.LookupEnv(*envPrefix + "API_KEY_TTL"); ok {
			if *apiKeyTTL, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "API_KEY_TTL"))
			}
		}
	}
	result.APIKeyTTL = *apiKeyTTL

	if !isArgSet("baseURLrd") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_RD"); ok {
			*baseURLrd = val
		}
	}
	result.BaseURLrd = *baseURLrd

	if !isArgSet("baseURLad") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_AD"); ok {
			*baseURLad = val
		}
	}
	result.BaseURLad = *baseURLad

	if !isArgSet("baseURLtb") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_TB"); ok {
			*baseURLtb = val
		}
	}
	result.BaseURLtb = *baseURLtb

	if !isArgSet("baseURLpm") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_PM"); ok {
			*baseURLpm = val
		}
	}
	result.BaseURLpm = *baseURLpm

	if !isArgSet("pmAPIKey") {
		if val, ok := os.LookupEnv(*envPrefix + "PM_API_KEY"); ok {
			*pmAPIKey = val
		}
	}
	result.PMAPIKey = *pmAPIKey

	if !isArgSet("baseURLzilean") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_ZILEAN"); ok {
			*baseURLzilean = val
		}
	}
	result.BaseURLzilean = *baseURLzilean

	if !isArgSet("baseURLyggflix") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_YGGFLIX"); ok {
			*baseURLyggflix = val
		}
	}
	result.BaseURLyggflix = *baseURLyggflix

	if !isArgSet("trackerURLygg") {
		if val, ok := os.LookupEnv(*envPrefix + "TRACKER_URL_YGG"); ok {
			*trackerURLygg = val
		}
	}
	result.TrackerURLygg = *trackerURLygg

	if !isArgSet("baseURLsharewood") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_SHAREWOOD"); ok {
			*baseURLsharewood = val
		}
	}
	result.BaseURLsharewood = *baseURLsharewood

	if !isArgSet("baseURLjackett") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_JACKETT"); ok {
			*baseURLjackett = val
		}
	}
	result.BaseURLjackett = *baseURLjackett

	if !isArgSet("jackettAPIKey") {
		if val, ok := os.LookupEnv(*envPrefix + "JACKETT_API_KEY"); ok {
			*jackettAPIKey = val
		}
	}
	result.JackettAPIKey = *jackettAPIKey

	if !isArgSet("baseURLpublicCache") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_PUBLIC_CACHE"); ok {
			*baseURLpublicCache = val
		}
	}
	result.BaseURLpublicCache = *baseURLpublicCache

	if !isArgSet("excludedIndexers") {
		if val, ok := os.LookupEnv(*envPrefix + "EXCLUDED_INDEXERS"); ok {
			*excludedIndexers = val
		}
	}
	if *excludedIndexers != "" {
		for _, name := range strings.Split(*excludedIndexers, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				result.ExcludedIndexers = append(result.ExcludedIndexers, name)
			}
		}
	}

	if !isArgSet("baseURLcinemeta") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_CINEMETA"); ok {
			*baseURLcinemeta = val
		}
	}
	result.BaseURLcinemeta = *baseURLcinemeta

	if !isArgSet("baseURLtmdb") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_TMDB"); ok {
			*baseURLtmdb = val
		}
	}
	result.BaseURLtmdb = *baseURLtmdb

	if !isArgSet("tmdbAPIKey") {
		if val, ok := os.LookupEnv(*envPrefix + "TMDB_API_KEY"); ok {
			*tmdbAPIKey = val
		}
	}
	result.TMDBAPIKey = *tmdbAPIKey

	return result
}

func (c *config) validate(logger *zap.Logger) {
	if c.StoragePath == "" {
		userCacheDir, err := os.UserCacheDir()
		if err != nil {
			logger.Fatal("Couldn't determine user cache directory via `os.UserCacheDir()`", zap.Error(err))
		}
		// Add two levels, because even if we're in `os.UserCacheDir()`, on Windows that's for example `C:\Users\John\AppData\Local`
		c.StoragePath = filepath.Join(userCacheDir, "stream-fusion/badger")
	} else {
		c.StoragePath = filepath.Clean(c.StoragePath)
	}
	// If the dir doesn't exist, BadgerDB creates it when writing its DB files.

	if c.RedisAddr == "" {
		logger.Fatal("redisAddr must not be empty")
	}

	if c.LogEncoding != "console" && c.LogEncoding != "json" {
		logger.Fatal(`logEncoding must be one of "console" or "json"`, zap.String("logEncoding", c.LogEncoding))
	}

	if c.PlaybackProxyURL != "" {
		if err := validateProxyURL(c.PlaybackProxyURL); err != nil {
			logger.Fatal("Invalid playbackProxyURL", zap.Error(err), zap.String("playbackProxyURL", c.PlaybackProxyURL))
		}
	}
}

// validateProxyURL checks the playback proxy URL against the schemes
// http.Transport can dial. socks4 in particular is not one of them and would
// otherwise only fail on the first playback request, with an opaque transport
// error.
func validateProxyURL(rawURL string) error {
	proxyURL, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	switch proxyURL.Scheme {
	case "http", "https", "socks5", "socks5h":
		return nil
	}
	return fmt.Errorf(`unsupported proxy scheme %q, must be one of "http", "https", "socks5", "socks5h"`, proxyURL.Scheme)
}

// isArgSet returns true if the argument you're looking for is actually set as command line argument.
// Pass without "-" prefix.
func isArgSet(arg string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == arg {
			found = true
		}
	})
	return found
}
