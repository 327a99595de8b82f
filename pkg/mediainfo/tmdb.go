package mediainfo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

type TMDBClientOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func NewTMDBClientOpts(baseURL, apiKey string, timeout time.Duration) TMDBClientOptions {
	return TMDBClientOptions{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: timeout,
	}
}

var DefaultTMDBClientOpts = TMDBClientOptions{
	BaseURL: "https://api.themoviedb.org/3",
	Timeout: 10 * time.Second,
}

var _ Fetcher = (*TMDBClient)(nil)

// TMDBClient fetches metadata from The Movie Database.
// It resolves the IMDb ID through the /find endpoint, which also yields the
// TMDB ID that some indexers key their torrent listings by.
type TMDBClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewTMDBClient(opts TMDBClientOptions, logger *zap.Logger) (*TMDBClient, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if opts.APIKey == "" {
		return nil, errors.New("opts.APIKey must not be empty")
	}

	return &TMDBClient{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: logger,
	}, nil
}

func (c *TMDBClient) Name() string {
	return "tmdb"
}

// GetMetadata implements the Fetcher interface.
// The localized title (per the first preferred language) comes first in the
// title list, the original title second.
func (c *TMDBClient) GetMetadata(ctx context.Context, kind, streamID string, languages []string) (Media, error) {
	imdbID, season, episode, err := ParseStreamID(kind, streamID)
	if err != nil {
		return Media{}, err
	}

	lang := "en-US"
	if len(languages) > 0 && languages[0] == "fr" {
		lang = "fr-FR"
	}

	reqURL := c.baseURL + "/find/" + imdbID + "?" + url.Values{
		"api_key":         {c.apiKey},
		"external_source": {"imdb_id"},
		"language":        {lang},
	}.Encode()
	resBody, err := c.get(ctx, reqURL)
	if err != nil {
		return Media{}, fmt.Errorf("Couldn't find %v on TMDB: %v", imdbID, err)
	}

	var result gjson.Result
	if kind == KindMovie {
		result = gjson.GetBytes(resBody, "movie_results.0")
	} else {
		result = gjson.GetBytes(resBody, "tv_results.0")
	}
	if !result.Exists() {
		return Media{}, fmt.Errorf("TMDB has no %v entry for %v", kind, imdbID)
	}

	var title, originalTitle, date string
	if kind == KindMovie {
		title = result.Get("title").String()
		originalTitle = result.Get("original_title").String()
		date = result.Get("release_date").String()
	} else {
		title = result.Get("name").String()
		originalTitle = result.Get("original_name").String()
		date = result.Get("first_air_date").String()
	}
	titles := []string{title}
	if originalTitle != "" && originalTitle != title {
		titles = append(titles, originalTitle)
	}

	media := Media{
		Kind:      kind,
		IMDBid:    imdbID,
		TMDBid:    int(result.Get("id").Int()),
		Titles:    titles,
		Season:    season,
		Episode:   episode,
		Languages: languages,
	}
	if kind == KindMovie && len(date) >= 4 {
		if y, err := strconv.Atoi(date[:4]); err == nil {
			media.Year = y
		}
	}
	c.logger.Debug("Fetched metadata", zap.String("title", title), zap.Int("tmdbID", media.TMDBid))
	return media, nil
}

func (c *TMDBClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create request: %v", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't send request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad HTTP response status: %v (GET request to '%v')", res.Status, url)
	}
	return io.ReadAll(res.Body)
}
