package mediainfo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Fetcher looks up media metadata for a stream ID.
type Fetcher interface {
	GetMetadata(ctx context.Context, kind, streamID string, languages []string) (Media, error)
	Name() string
}

type CinemetaClientOptions struct {
	BaseURL string
	Timeout time.Duration
}

func NewCinemetaClientOpts(baseURL string, timeout time.Duration) CinemetaClientOptions {
	return CinemetaClientOptions{
		BaseURL: baseURL,
		Timeout: timeout,
	}
}

var DefaultCinemetaClientOpts = CinemetaClientOptions{
	BaseURL: "https://v3-cinemeta.strem.io",
	Timeout: 10 * time.Second,
}

var _ Fetcher = (*CinemetaClient)(nil)

// CinemetaClient fetches movie and series metadata from Cinemeta.
type CinemetaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewCinemetaClient(opts CinemetaClientOptions, logger *zap.Logger) (*CinemetaClient, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}

	return &CinemetaClient{
		baseURL: opts.BaseURL,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: logger,
	}, nil
}

func (c *CinemetaClient) Name() string {
	return "cinemeta"
}

// GetMetadata implements the Fetcher interface.
func (c *CinemetaClient) GetMetadata(ctx context.Context, kind, streamID string, languages []string) (Media, error) {
	imdbID, season, episode, err := ParseStreamID(kind, streamID)
	if err != nil {
		return Media{}, err
	}

	url := c.baseURL + "/meta/" + kind + "/" + imdbID + ".json"
	c.logger.Debug("Fetching metadata...", zap.String("url", url))
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return Media{}, fmt.Errorf("Couldn't create request: %v", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return Media{}, fmt.Errorf("Couldn't send request to Cinemeta: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Media{}, fmt.Errorf("bad HTTP response status: %v (GET request to '%v')", res.Status, url)
	}
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return Media{}, fmt.Errorf("Couldn't read response body: %v", err)
	}

	meta := gjson.GetBytes(resBody, "meta")
	if !meta.Exists() {
		return Media{}, fmt.Errorf("Couldn't find \"meta\" key in Cinemeta response for %v", imdbID)
	}
	name := meta.Get("name").String()
	if name == "" {
		return Media{}, fmt.Errorf("Cinemeta response for %v has no name", imdbID)
	}

	media := Media{
		Kind:      kind,
		IMDBid:    imdbID,
		Titles:    []string{name},
		Season:    season,
		Episode:   episode,
		Languages: languages,
	}
	if kind == KindMovie {
		media.Year = yearFromCinemeta(meta)
	}
	c.logger.Debug("Fetched metadata", zap.String("title", name), zap.Int("year", media.Year))
	return media, nil
}

func yearFromCinemeta(meta gjson.Result) int {
	if year := meta.Get("year").String(); len(year) >= 4 {
		if y, err := strconv.Atoi(year[:4]); err == nil {
			return y
		}
	}
	// "releaseInfo" looks like "2010" or "2008-2013"
	if info := meta.Get("releaseInfo").String(); len(info) >= 4 {
		if y, err := strconv.Atoi(strings.Split(info, "-")[0]); err == nil {
			return y
		}
	}
	return 0
}
