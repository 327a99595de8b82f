package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/parser"
	"github.com/LimeDrive/stream-fusion/pkg/torrent"
)

type PublicCacheClientOptions struct {
	BaseURL string
	Timeout time.Duration
	// Indexers whose results must never be pushed to the shared cacher,
	// typically private trackers
	ExcludedIndexers []string
}

func NewPublicCacheClientOpts(baseURL string, timeout time.Duration, excludedIndexers []string) PublicCacheClientOptions {
	return PublicCacheClientOptions{
		BaseURL:          baseURL,
		Timeout:          timeout,
		ExcludedIndexers: excludedIndexers,
	}
}

var DefaultPublicCacheClientOpts = PublicCacheClientOptions{
	BaseURL: "https://stremio-jackett-cacher.elfhosted.com",
	Timeout: 10 * time.Second,
}

var _ Searcher = (*PublicCacheClient)(nil)

// PublicCacheClient reads from and writes to a community cacher shared by
// multiple addon deployments. Entries already carry a magnet and hash, so
// they skip the .torrent post-processing.
type PublicCacheClient struct {
	baseURL          string
	excludedIndexers map[string]bool
	httpClient       *http.Client
	logger           *zap.Logger
}

func NewPublicCacheClient(opts PublicCacheClientOptions, logger *zap.Logger) (*PublicCacheClient, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}

	excluded := make(map[string]bool, len(opts.ExcludedIndexers))
	for _, indexer := range opts.ExcludedIndexers {
		excluded[indexer] = true
	}

	return &PublicCacheClient{
		baseURL:          strings.TrimSuffix(opts.BaseURL, "/"),
		excludedIndexers: excluded,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: logger,
	}, nil
}

func (c *PublicCacheClient) Name() string {
	return "public cache"
}

type publicCacheQuery struct {
	Title    string `json:"title"`
	Language string `json:"language"`
	Type     string `json:"type"`
	Year     int    `json:"year,omitempty"`
	Season   int    `json:"season,omitempty"`
	Episode  int    `json:"episode,omitempty"`
}

// Search implements the Searcher interface.
func (c *PublicCacheClient) Search(ctx context.Context, media mediainfo.Media) ([]torrent.Item, error) {
	query := publicCacheQuery{
		Title:    media.PrimaryTitle(),
		Language: media.PrimaryLanguage(),
		Type:     media.Kind,
	}
	if media.Kind == mediainfo.KindSeries {
		query.Season = media.Season
		query.Episode = media.Episode
	} else {
		query.Year = media.Year
	}
	reqBody, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("Couldn't marshal request body: %v", err)
	}

	url := c.baseURL + "/getResult/" + media.Kind + "/"
	// The cacher reads the query from the GET request's body
	req, err := http.NewRequestWithContext(ctx, "GET", url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("Couldn't create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't send request to public cache: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad HTTP response status: %v (GET request to '%v')", res.Status, url)
	}
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("Couldn't read response body: %v", err)
	}

	var items []torrent.Item
	for _, entry := range gjson.ParseBytes(resBody).Array() {
		infoHash := strings.ToLower(entry.Get("hash").String())
		if len(infoHash) != 40 {
			continue
		}
		rawTitle := entry.Get("title").String()
		var languages []string
		if lang := entry.Get("language").String(); lang != "" {
			languages = strings.Split(lang, ";")
		}

		items = append(items, torrent.Item{
			RawTitle:   rawTitle,
			Size:       entry.Get("size").Int(),
			Magnet:     entry.Get("magnet").String(),
			InfoHash:   infoHash,
			Seeders:    int(entry.Get("seeders").Int()),
			Languages:  languages,
			Indexer:    "Cache Public",
			Privacy:    torrent.PrivacyPublic,
			Type:       media.Kind,
			FromCache:  true,
			ParsedData: parser.Parse(rawTitle),
		})
	}
	c.logger.Debug("Searched public cache", zap.Int("results", len(items)))
	return items, nil
}

type publicCacheEntry struct {
	Title        string `json:"title"`
	Trackers     string `json:"trackers"`
	Magnet       string `json:"magnet"`
	Files        []interface{} `json:"files"`
	Hash         string `json:"hash"`
	Indexer      string `json:"indexer"`
	Quality      string `json:"quality"`
	QualitySpec  string `json:"qualitySpec"`
	Seeders      int    `json:"seeders"`
	Size         int64  `json:"size"`
	Language     string `json:"language"`
	Type         string `json:"type"`
	Availability bool   `json:"availability"`
	Year         int    `json:"year,omitempty"`
	Season       int    `json:"season,omitempty"`
	Episode      int    `json:"episode,omitempty"`
	SeasonFile   *bool  `json:"seasonfile,omitempty"`
}

// Push writes items back to the shared cacher, best-effort. Items from
// excluded indexers are skipped.
func (c *PublicCacheClient) Push(ctx context.Context, items []torrent.Item, media mediainfo.Media) error {
	entries := make([]publicCacheEntry, 0, len(items))
	for _, item := range items {
		if c.excludedIndexers[item.Indexer] || item.InfoHash == "" {
			continue
		}
		entry := publicCacheEntry{
			Title:        item.RawTitle,
			Trackers:     strings.Join(item.Trackers, "tracker:"),
			Magnet:       item.Magnet,
			Files:        []interface{}{},
			Hash:         item.InfoHash,
			Indexer:      item.Indexer,
			Quality:      item.ParsedData.Resolution,
			QualitySpec:  item.ParsedData.Quality,
			Seeders:      item.Seeders,
			Size:         item.Size,
			Language:     strings.Join(item.Languages, ";"),
			Type:         media.Kind,
			Availability: item.Availability != "",
		}
		if entry.Quality == "" {
			entry.Quality = "Unknown"
		}
		if media.Kind == mediainfo.KindSeries {
			entry.Season = media.Season
			entry.Episode = media.Episode
			seasonFile := false
			entry.SeasonFile = &seasonFile
		} else {
			entry.Year = media.Year
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil
	}

	reqBody, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("Couldn't marshal cache entries: %v", err)
	}
	url := c.baseURL + "/pushResult/" + media.Kind
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("Couldn't create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Couldn't send request to public cache: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("bad HTTP response status: %v (POST request to '%v')", res.Status, url)
	}
	c.logger.Info("Pushed results to public cache", zap.Int("count", len(entries)))
	return nil
}
