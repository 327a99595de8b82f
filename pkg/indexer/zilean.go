package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/parser"
	"github.com/LimeDrive/stream-fusion/pkg/torrent"
)

type ZileanClientOptions struct {
	BaseURL string
	Timeout time.Duration
	// Width of the per-title fan-out pool
	MaxWorkers int
}

func NewZileanClientOpts(baseURL string, timeout time.Duration, maxWorkers int) ZileanClientOptions {
	return ZileanClientOptions{
		BaseURL:    baseURL,
		Timeout:    timeout,
		MaxWorkers: maxWorkers,
	}
}

var DefaultZileanClientOpts = ZileanClientOptions{
	BaseURL:    "http://localhost:8181",
	Timeout:    10 * time.Second,
	MaxWorkers: 4,
}

var _ Searcher = (*ZileanClient)(nil)

// ZileanClient searches the DMM indexed corpus through a Zilean instance.
// Corpus entries carry no live seeder counts, so results come back with
// seeders 0 and are marked as cached.
type ZileanClient struct {
	baseURL    string
	maxWorkers int
	httpClient *http.Client
	logger     *zap.Logger
}

func NewZileanClient(opts ZileanClientOptions, logger *zap.Logger) (*ZileanClient, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if opts.MaxWorkers <= 0 {
		return nil, errors.New("opts.MaxWorkers must be a positive number")
	}

	return &ZileanClient{
		baseURL:    opts.BaseURL,
		maxWorkers: opts.MaxWorkers,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: logger,
	}, nil
}

func (c *ZileanClient) Name() string {
	return "zilean"
}

// Search implements the Searcher interface. It fans out one keyword query
// per distinct title plus an IMDb ID query, then deduplicates.
func (c *ZileanClient) Search(ctx context.Context, media mediainfo.Media) ([]torrent.Item, error) {
	titles := dedupeTitles(media.Titles)

	var mu sync.Mutex
	var entries []gjson.Result
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxWorkers)

	for _, title := range titles {
		title := title
		g.Go(func() error {
			var results []gjson.Result
			var err error
			if media.Kind == mediainfo.KindSeries {
				results, err = c.dmmFiltered(gCtx, title, media.Season, media.Episode, "")
			} else {
				results, err = c.dmmSearch(gCtx, title)
			}
			if err != nil {
				return err
			}
			mu.Lock()
			entries = append(entries, results...)
			mu.Unlock()
			return nil
		})
	}
	if media.IMDBid != "" {
		g.Go(func() error {
			results, err := c.dmmFiltered(gCtx, "", 0, 0, media.IMDBid)
			if err != nil {
				return err
			}
			mu.Lock()
			entries = append(entries, results...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return c.toItems(entries, media), nil
}

func (c *ZileanClient) dmmSearch(ctx context.Context, queryText string) ([]gjson.Result, error) {
	reqBody, err := json.Marshal(map[string]string{"queryText": queryText})
	if err != nil {
		return nil, fmt.Errorf("Couldn't marshal request body: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/dmm/search", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("Couldn't create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *ZileanClient) dmmFiltered(ctx context.Context, query string, season, episode int, imdbID string) ([]gjson.Result, error) {
	params := url.Values{}
	if query != "" {
		params.Set("Query", query)
	}
	if season > 0 {
		params.Set("Season", strconv.Itoa(season))
	}
	if episode > 0 {
		params.Set("Episode", strconv.Itoa(episode))
	}
	if imdbID != "" {
		params.Set("ImdbId", imdbID)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/dmm/filtered?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create request: %v", err)
	}
	return c.do(req)
}

func (c *ZileanClient) do(req *http.Request) ([]gjson.Result, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't send request to Zilean: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad HTTP response status: %v (%v request to '%v')", res.Status, req.Method, req.URL)
	}
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("Couldn't read response body: %v", err)
	}
	return gjson.ParseBytes(resBody).Array(), nil
}

type zileanDedupeKey struct {
	rawTitle string
	infoHash string
	size     int64
}

func (c *ZileanClient) toItems(entries []gjson.Result, media mediainfo.Media) []torrent.Item {
	seen := make(map[zileanDedupeKey]bool, len(entries))
	items := make([]torrent.Item, 0, len(entries))
	for _, entry := range entries {
		infoHash := strings.ToLower(entry.Get("infoHash").String())
		if len(infoHash) != 40 {
			c.logger.Debug("Skipping Zilean entry with bad infohash", zap.String("infoHash", infoHash))
			continue
		}
		rawTitle := entry.Get("filename").String()
		size := entry.Get("filesize").Int()

		key := zileanDedupeKey{rawTitle, infoHash, size}
		if seen[key] {
			continue
		}
		seen[key] = true

		items = append(items, torrent.Item{
			RawTitle:   rawTitle,
			Size:       size,
			Magnet:     torrent.BuildMagnet(infoHash, rawTitle, nil),
			InfoHash:   infoHash,
			Seeders:    0,
			Languages:  parser.DetectLanguages(rawTitle, "en"),
			Indexer:    "DMM API",
			Privacy:    torrent.PrivacyPrivate,
			Type:       media.Kind,
			FromCache:  true,
			ParsedData: parser.Parse(rawTitle),
		})
	}
	return items
}
