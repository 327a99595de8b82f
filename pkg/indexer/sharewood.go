package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/parser"
	"github.com/LimeDrive/stream-fusion/pkg/ratelimit"
	"github.com/LimeDrive/stream-fusion/pkg/torrent"
)

type SharewoodClientOptions struct {
	BaseURL    string
	Timeout    time.Duration
	MinSeeders int
}

func NewSharewoodClientOpts(baseURL string, timeout time.Duration, minSeeders int) SharewoodClientOptions {
	return SharewoodClientOptions{
		BaseURL:    baseURL,
		Timeout:    timeout,
		MinSeeders: minSeeders,
	}
}

var DefaultSharewoodClientOpts = SharewoodClientOptions{
	BaseURL:    "https://www.sharewood.tv",
	Timeout:    10 * time.Second,
	MinSeeders: defaultMinSeeders,
}

const sharewoodVideoCategory = 1

var _ Searcher = (*SharewoodClient)(nil)

// SharewoodClient searches Sharewood's video category by keyword.
// The tracker enforces 1 request per second per passkey.
type SharewoodClient struct {
	baseURL    string
	passkey    string
	minSeeders int
	limiter    *ratelimit.SlidingWindow
	httpClient *http.Client
	logger     *zap.Logger
}

func NewSharewoodClient(opts SharewoodClientOptions, passkey string, logger *zap.Logger) (*SharewoodClient, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if len(passkey) != 32 {
		return nil, errors.New("passkey must be exactly 32 characters long")
	}

	return &SharewoodClient{
		baseURL:    opts.BaseURL,
		passkey:    passkey,
		minSeeders: opts.MinSeeders,
		limiter:    ratelimit.New(1, time.Second),
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: logger,
	}, nil
}

func (c *SharewoodClient) Name() string {
	return "sharewood"
}

// Search implements the Searcher interface. For series an additional
// "{title} SxxEyy" query narrows the results down to the episode.
func (c *SharewoodClient) Search(ctx context.Context, media mediainfo.Media) ([]torrent.Item, error) {
	queries := make([]string, 0, 2*len(media.Titles))
	for _, title := range dedupeTitles(media.Titles) {
		queries = append(queries, cleanQuery(title))
	}
	if media.Kind == mediainfo.KindSeries {
		for _, q := range queries {
			queries = append(queries, q+" "+media.SeasonEpisodeTag())
		}
	}

	seen := make(map[int64]bool)
	var items []torrent.Item
	for _, query := range queries {
		entries, err := c.search(ctx, query)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			id := entry.Get("id").Int()
			if id == 0 || seen[id] {
				continue
			}
			seen[id] = true
			if item, ok := c.toItem(entry, media); ok {
				items = append(items, item)
			}
		}
	}
	c.logger.Debug("Searched Sharewood", zap.Int("results", len(items)))
	return items, nil
}

func (c *SharewoodClient) search(ctx context.Context, query string) ([]gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("name", query)
	params.Set("category", strconv.Itoa(sharewoodVideoCategory))
	searchURL := fmt.Sprintf("%v/api/%v/search?%v", c.baseURL, c.passkey, params.Encode())

	req, err := http.NewRequestWithContext(ctx, "GET", searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create request: %v", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't send request to Sharewood: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad HTTP response status: %v (GET request to Sharewood search)", res.Status)
	}
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("Couldn't read response body: %v", err)
	}
	return gjson.ParseBytes(resBody).Array(), nil
}

func (c *SharewoodClient) toItem(entry gjson.Result, media mediainfo.Media) (torrent.Item, bool) {
	seeders := int(entry.Get("seeders").Int())
	if seeders < c.minSeeders {
		return torrent.Item{}, false
	}
	rawTitle := entry.Get("name").String()
	infoHash := strings.ToLower(entry.Get("info_hash").String())

	item := torrent.Item{
		RawTitle:  rawTitle,
		Size:      parseSize(entry.Get("size")),
		Link:      fmt.Sprintf("%v/api/%v/%v/download", c.baseURL, c.passkey, entry.Get("id").Int()),
		Seeders:   seeders,
		Languages: parser.DetectLanguages(rawTitle, "fr"),
		Indexer:   "Sharewood - API",
		Privacy:   torrent.PrivacyPrivate,
		Type:      media.Kind,
		// The tracker uses a per-passkey announce URL
		ParsedData: parser.Parse(rawTitle),
	}
	if len(infoHash) == 40 {
		item.InfoHash = infoHash
		item.Magnet = torrent.BuildMagnet(infoHash, rawTitle, []string{c.baseURL + "/announce/" + c.passkey})
	}
	return item, true
}

// Articles and pronouns that throw the tracker's keyword matching off.
var frenchStopWords = map[string]bool{
	"le": true, "la": true, "les": true, "l'": true, "un": true, "une": true,
	"des": true, "du": true, "de": true, "nous": true, "vous": true,
	"ils": true, "elles": true, "je": true, "tu": true, "moi": true,
	"toi": true, "lui": true,
}

var nonAlphanumRx = regexp.MustCompile(`[^a-zA-Z0-9\s]`)

func cleanQuery(title string) string {
	title = nonAlphanumRx.ReplaceAllString(strings.ToLower(title), " ")
	words := make([]string, 0, 8)
	for _, word := range strings.Fields(title) {
		if !frenchStopWords[word] {
			words = append(words, word)
		}
	}
	return strings.Join(words, " ")
}

// parseSize handles both byte counts and human readable strings like
// "1,4 Gib" that the tracker returns depending on the endpoint.
func parseSize(size gjson.Result) int64 {
	if size.Type == gjson.Number {
		return size.Int()
	}
	parts := strings.Fields(strings.ReplaceAll(strings.ToLower(size.String()), ",", "."))
	if len(parts) == 0 {
		return 0
	}
	value, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	if len(parts) == 1 {
		return int64(value)
	}
	units := map[string]float64{
		"b": 1, "kb": 1e3, "mb": 1e6, "gb": 1e9, "tb": 1e12,
		"kib": 1 << 10, "mib": 1 << 20, "gib": 1 << 30, "tib": 1 << 40,
	}
	factor, ok := units[parts[1]]
	if !ok {
		return 0
	}
	return int64(value * factor)
}
