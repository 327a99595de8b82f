package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/parser"
	"github.com/LimeDrive/stream-fusion/pkg/torrent"
)

type YggflixClientOptions struct {
	// Yggflix API host
	BaseURL string
	// Tracker host used for the .torrent download links
	TrackerURL string
	Timeout    time.Duration
	MinSeeders int
}

func NewYggflixClientOpts(baseURL, trackerURL string, timeout time.Duration, minSeeders int) YggflixClientOptions {
	return YggflixClientOptions{
		BaseURL:    baseURL,
		TrackerURL: trackerURL,
		Timeout:    timeout,
		MinSeeders: minSeeders,
	}
}

var DefaultYggflixClientOpts = YggflixClientOptions{
	BaseURL:    "https://yggflix.fr",
	TrackerURL: "https://www.ygg.re",
	Timeout:    10 * time.Second,
	MinSeeders: defaultMinSeeders,
}

var _ Searcher = (*YggflixClient)(nil)

// YggflixClient searches Yggflix by TMDB ID. The media must have been
// resolved through the TMDB metadata provider, IMDb-only lookups can't be
// mapped to the tracker's catalog.
type YggflixClient struct {
	baseURL    string
	trackerURL string
	passkey    string
	minSeeders int
	httpClient *http.Client
	logger     *zap.Logger
}

func NewYggflixClient(opts YggflixClientOptions, passkey string, logger *zap.Logger) (*YggflixClient, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if len(passkey) != 32 {
		return nil, errors.New("passkey must be exactly 32 characters long")
	}

	return &YggflixClient{
		baseURL:    opts.BaseURL,
		trackerURL: opts.TrackerURL,
		passkey:    passkey,
		minSeeders: opts.MinSeeders,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: logger,
	}, nil
}

func (c *YggflixClient) Name() string {
	return "yggflix"
}

// Search implements the Searcher interface.
func (c *YggflixClient) Search(ctx context.Context, media mediainfo.Media) ([]torrent.Item, error) {
	if media.TMDBid == 0 {
		return nil, errors.New("media has no TMDB ID, Yggflix requires the TMDB metadata provider")
	}

	var url string
	if media.Kind == mediainfo.KindSeries {
		url = fmt.Sprintf("%v/api/tvshow/%v/torrents", c.baseURL, media.TMDBid)
	} else {
		url = fmt.Sprintf("%v/api/movie/%v/torrents", c.baseURL, media.TMDBid)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create request: %v", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't send request to Yggflix: %v", err)
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
		seeders := int(entry.Get("seeders").Int())
		if seeders < c.minSeeders {
			continue
		}
		id := entry.Get("id").Int()
		if id == 0 {
			continue
		}
		rawTitle := entry.Get("title").String()

		items = append(items, torrent.Item{
			RawTitle:   rawTitle,
			Size:       entry.Get("size").Int(),
			Link:       fmt.Sprintf("%v/engine/download_torrent?id=%v&passkey=%v", c.trackerURL, id, c.passkey),
			Seeders:    seeders,
			Languages:  parser.DetectLanguages(rawTitle, "en"),
			Indexer:    "API - Yggtorrent",
			Privacy:    torrent.PrivacyPrivate,
			Type:       media.Kind,
			ParsedData: parser.Parse(rawTitle),
		})
	}
	c.logger.Debug("Searched Yggflix", zap.Int("results", len(items)))
	return items, nil
}
