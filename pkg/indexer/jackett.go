package indexer

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/parser"
	"github.com/LimeDrive/stream-fusion/pkg/torrent"
)

type JackettClientOptions struct {
	BaseURL    string
	Timeout    time.Duration
	MinSeeders int
}

func NewJackettClientOpts(baseURL string, timeout time.Duration, minSeeders int) JackettClientOptions {
	return JackettClientOptions{
		BaseURL:    baseURL,
		Timeout:    timeout,
		MinSeeders: minSeeders,
	}
}

var DefaultJackettClientOpts = JackettClientOptions{
	BaseURL:    "http://localhost:9117",
	Timeout:    30 * time.Second,
	MinSeeders: defaultMinSeeders,
}

var _ Searcher = (*JackettClient)(nil)

// JackettClient queries all indexers configured in a Jackett instance
// through its Torznab aggregate endpoint.
type JackettClient struct {
	baseURL    string
	apiKey     string
	minSeeders int
	httpClient *http.Client
	logger     *zap.Logger
}

func NewJackettClient(opts JackettClientOptions, apiKey string, logger *zap.Logger) (*JackettClient, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("apiKey must not be empty")
	}

	return &JackettClient{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:     apiKey,
		minSeeders: opts.MinSeeders,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: logger,
	}, nil
}

func (c *JackettClient) Name() string {
	return "jackett"
}

// Torznab is RSS with extra attr elements per item.
type torznabFeed struct {
	XMLName xml.Name      `xml:"rss"`
	Items   []torznabItem `xml:"channel>item"`
}

type torznabItem struct {
	Title          string `xml:"title"`
	GUID           string `xml:"guid"`
	Link           string `xml:"link"`
	Size           int64  `xml:"size"`
	JackettIndexer struct {
		Name string `xml:",chardata"`
	} `xml:"jackettindexer"`
	Enclosure struct {
		URL string `xml:"url,attr"`
	} `xml:"enclosure"`
	Attrs []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"value,attr"`
	} `xml:"attr"`
}

// Search implements the Searcher interface.
func (c *JackettClient) Search(ctx context.Context, media mediainfo.Media) ([]torrent.Item, error) {
	params := url.Values{}
	params.Set("apikey", c.apiKey)
	if media.Kind == mediainfo.KindSeries {
		params.Set("t", "tvsearch")
		params.Set("q", media.PrimaryTitle())
		params.Set("season", strconv.Itoa(media.Season))
		params.Set("ep", strconv.Itoa(media.Episode))
	} else {
		params.Set("t", "movie")
		query := media.PrimaryTitle()
		if media.Year > 0 {
			query = fmt.Sprintf("%v %v", query, media.Year)
		}
		params.Set("q", query)
	}

	searchURL := c.baseURL + "/api/v2.0/indexers/all/results/torznab/api?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, "GET", searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create request: %v", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't send request to Jackett: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad HTTP response status: %v (GET request to Jackett)", res.Status)
	}
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("Couldn't read response body: %v", err)
	}

	var feed torznabFeed
	if err := xml.Unmarshal(resBody, &feed); err != nil {
		return nil, fmt.Errorf("Couldn't unmarshal Torznab response: %v", err)
	}

	seen := make(map[string]bool)
	var items []torrent.Item
	for _, entry := range feed.Items {
		item, ok := c.toItem(entry, media)
		if !ok {
			continue
		}
		dedupeKey := item.InfoHash
		if dedupeKey == "" {
			dedupeKey = item.Link
		}
		if seen[dedupeKey] {
			continue
		}
		seen[dedupeKey] = true
		items = append(items, item)
	}
	c.logger.Debug("Searched Jackett", zap.Int("results", len(items)))
	return items, nil
}

func (c *JackettClient) toItem(entry torznabItem, media mediainfo.Media) (torrent.Item, bool) {
	attrs := make(map[string]string, len(entry.Attrs))
	for _, attr := range entry.Attrs {
		attrs[attr.Name] = attr.Value
	}
	seeders, _ := strconv.Atoi(attrs["seeders"])
	if seeders < c.minSeeders {
		return torrent.Item{}, false
	}

	infoHash := strings.ToLower(attrs["infohash"])
	downloadURL := entry.Link
	if downloadURL == "" {
		downloadURL = entry.GUID
	}
	if downloadURL == "" {
		downloadURL = entry.Enclosure.URL
	}

	item := torrent.Item{
		RawTitle:   entry.Title,
		Size:       entry.Size,
		Seeders:    seeders,
		Languages:  parser.DetectLanguages(entry.Title, "en"),
		Indexer:    entry.JackettIndexer.Name,
		Privacy:    torrent.PrivacyPublic,
		Type:       media.Kind,
		ParsedData: parser.Parse(entry.Title),
	}
	if item.Indexer == "" {
		item.Indexer = "Jackett"
	}
	if strings.HasPrefix(downloadURL, "magnet:") {
		item.Magnet = downloadURL
		if infoHash == "" {
			infoHash = torrent.InfoHashFromMagnet(downloadURL)
		}
	} else {
		item.Link = downloadURL
	}
	if len(infoHash) == 40 {
		item.InfoHash = infoHash
		if item.Magnet == "" {
			item.Magnet = torrent.BuildMagnet(infoHash, entry.Title, nil)
		}
	}
	if item.Magnet == "" && item.Link == "" {
		return torrent.Item{}, false
	}
	return item, true
}
