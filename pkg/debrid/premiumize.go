package debrid

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/parser"
)

type PremiumizeClientOptions struct {
	BaseURL  string
	Timeout  time.Duration
	ProxyURL string
}

func NewPremiumizeClientOpts(baseURL string, timeout time.Duration, proxyURL string) PremiumizeClientOptions {
	return PremiumizeClientOptions{
		BaseURL:  baseURL,
		Timeout:  timeout,
		ProxyURL: proxyURL,
	}
}

var DefaultPremiumizeClientOpts = PremiumizeClientOptions{
	BaseURL: "https://www.premiumize.me/api",
	Timeout: 15 * time.Second,
}

var _ Service = (*PremiumizeClient)(nil)

// PremiumizeClient implements the Service contract against the Premiumize
// API. Cache checks answer positionally: the n-th boolean belongs to the
// n-th requested hash.
type PremiumizeClient struct {
	*baseClient
	baseURL string
	apiKey  string
	logger  *zap.Logger
}

func NewPremiumizeClient(opts PremiumizeClientOptions, apiKey string, logger *zap.Logger) (*PremiumizeClient, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("apiKey must not be empty")
	}

	base, err := newBaseClient(opts.Timeout, opts.ProxyURL, logger)
	if err != nil {
		return nil, err
	}
	return &PremiumizeClient{
		baseClient: base,
		baseURL:    opts.BaseURL,
		apiKey:     apiKey,
		logger:     logger,
	}, nil
}

// Tag implements the Service interface.
func (c *PremiumizeClient) Tag() string {
	return TagPremiumize
}

// GetAvailabilityBulk implements the Service interface.
func (c *PremiumizeClient) GetAvailabilityBulk(ctx context.Context, infoHashes []string, clientIP string) (Availability, error) {
	availability := Availability{Provider: TagPremiumize, Items: map[string][]FileCandidate{}}
	// Precondition check
	if len(infoHashes) == 0 {
		return availability, nil
	}

	data := url.Values{"items[]": infoHashes}
	data.Set("apikey", c.apiKey)
	resBody, err := c.postForm(ctx, c.baseURL+"/cache/check", data, requestOptions{torrentEndpoint: true})
	if err != nil {
		return availability, fmt.Errorf("Couldn't check instant availability on premiumize.me: %v", err)
	}
	if gjson.GetBytes(resBody, "status").String() != "success" {
		return availability, fmt.Errorf("got error response from premiumize.me: %v", gjson.GetBytes(resBody, "message").String())
	}

	cached := gjson.GetBytes(resBody, "response").Array()
	filenames := gjson.GetBytes(resBody, "filename").Array()
	filesizes := gjson.GetBytes(resBody, "filesize").Array()
	for i, hash := range infoHashes {
		if i >= len(cached) || !cached[i].Bool() {
			continue
		}
		candidate := FileCandidate{}
		if i < len(filenames) {
			candidate.Name = filenames[i].String()
		}
		if i < len(filesizes) {
			candidate.Size = filesizes[i].Int()
		}
		availability.Items[hash] = []FileCandidate{candidate}
	}
	c.logger.Debug("Checked instant availability", zap.String("debridService", TagPremiumize), zap.Int("requested", len(infoHashes)), zap.Int("available", len(availability.Items)))
	return availability, nil
}

// AddMagnetOrTorrent implements the Service interface. Premiumize accepts a
// .torrent URL directly as transfer source.
func (c *PremiumizeClient) AddMagnetOrTorrent(ctx context.Context, magnet, torrentURL, clientIP string) (string, error) {
	src := magnet
	if torrentURL != "" {
		src = torrentURL
	}
	data := url.Values{}
	data.Set("apikey", c.apiKey)
	data.Set("src", src)
	resBody, err := c.postForm(ctx, c.baseURL+"/transfer/create", data, requestOptions{torrentEndpoint: true})
	if err != nil {
		return "", fmt.Errorf("Couldn't create transfer on premiumize.me: %v", err)
	}
	if gjson.GetBytes(resBody, "status").String() != "success" {
		return "", fmt.Errorf("got error response from premiumize.me: %v", gjson.GetBytes(resBody, "message").String())
	}
	transferID := gjson.GetBytes(resBody, "id").String()
	if transferID == "" {
		return "", fmt.Errorf("no transfer ID in response: %s", resBody)
	}
	return transferID, nil
}

// GetStreamLink implements the Service interface. Premiumize serves cached
// torrents without a transfer, so a failed direct download means the torrent
// isn't cached: a transfer is started and the stub video served.
func (c *PremiumizeClient) GetStreamLink(ctx context.Context, q Query, clientIP string) (string, error) {
	data := url.Values{}
	data.Set("apikey", c.apiKey)
	data.Set("src", q.Magnet)
	resBody, err := c.postForm(ctx, c.baseURL+"/transfer/directdl", data, requestOptions{torrentEndpoint: true})
	if err != nil {
		return "", fmt.Errorf("Couldn't request direct download from premiumize.me: %v", err)
	}
	if gjson.GetBytes(resBody, "status").String() != "success" {
		if _, err := c.AddMagnetOrTorrent(ctx, q.Magnet, q.TorrentDownload, clientIP); err != nil {
			c.logger.Warn("Couldn't start caching transfer", zap.Error(err), zap.String("debridService", TagPremiumize))
		}
		return NoCacheVideoURL, nil
	}

	link := pickPMLink(gjson.GetBytes(resBody, "content").Array(), q)
	if link == "" {
		return "", errors.New("no video file in direct download response")
	}
	return link, nil
}

// pickPMLink chooses the content entry for the requested video: the largest
// matching episode file for series when one exists, otherwise the largest
// video file.
func pickPMLink(content []gjson.Result, q Query) string {
	var best string
	var bestSize int64 = -1
	if q.Type == mediainfo.KindSeries {
		for _, entry := range content {
			path := entry.Get("path").String()
			if !isVideoFile(path) || !parser.SeasonEpisodeInFilename(path, q.Season, q.Episode) {
				continue
			}
			if size := entry.Get("size").Int(); size > bestSize {
				bestSize = size
				best = entry.Get("link").String()
			}
		}
		if best != "" {
			return best
		}
	}
	for _, entry := range content {
		if !isVideoFile(entry.Get("path").String()) {
			continue
		}
		if size := entry.Get("size").Int(); size > bestSize {
			bestSize = size
			best = entry.Get("link").String()
		}
	}
	return best
}
