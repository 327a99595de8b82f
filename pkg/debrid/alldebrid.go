package debrid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/parser"
)

type AllDebridClientOptions struct {
	BaseURL string
	// Application name AllDebrid requires on every call
	Agent    string
	Timeout  time.Duration
	ProxyURL string
}

func NewAllDebridClientOpts(baseURL, agent string, timeout time.Duration, proxyURL string) AllDebridClientOptions {
	return AllDebridClientOptions{
		BaseURL:  baseURL,
		Agent:    agent,
		Timeout:  timeout,
		ProxyURL: proxyURL,
	}
}

var DefaultAllDebridClientOpts = AllDebridClientOptions{
	BaseURL: "https://api.alldebrid.com/v4",
	Agent:   "streamfusion",
	Timeout: 15 * time.Second,
}

const (
	adReadyTimeout  = 30 * time.Second
	adReadyInterval = 5 * time.Second
)

var _ Service = (*AllDebridClient)(nil)

// AllDebridClient implements the Service contract against the AllDebrid v4
// API. All calls authenticate via query parameters.
type AllDebridClient struct {
	*baseClient
	baseURL string
	agent   string
	apiKey  string
	logger  *zap.Logger
}

func NewAllDebridClient(opts AllDebridClientOptions, apiKey string, logger *zap.Logger) (*AllDebridClient, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if opts.Agent == "" {
		return nil, errors.New("opts.Agent must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("apiKey must not be empty")
	}

	base, err := newBaseClient(opts.Timeout, opts.ProxyURL, logger)
	if err != nil {
		return nil, err
	}
	return &AllDebridClient{
		baseClient: base,
		baseURL:    opts.BaseURL,
		agent:      opts.Agent,
		apiKey:     apiKey,
		logger:     logger,
	}, nil
}

// Tag implements the Service interface.
func (c *AllDebridClient) Tag() string {
	return TagAllDebrid
}

func (c *AllDebridClient) apiURL(path, clientIP string, extra url.Values) string {
	params := url.Values{}
	params.Set("agent", c.agent)
	params.Set("apikey", c.apiKey)
	if clientIP != "" {
		params.Set("ip", clientIP)
	}
	for key, values := range extra {
		for _, value := range values {
			params.Add(key, value)
		}
	}
	return c.baseURL + path + "?" + params.Encode()
}

// apiError turns AllDebrid's in-band error envelope into a Go error.
func apiError(resBody []byte) error {
	if gjson.GetBytes(resBody, "status").String() == "success" {
		return nil
	}
	errMsg := gjson.GetBytes(resBody, "error.message").String()
	if errMsg == "" {
		errMsg = string(resBody)
	}
	return fmt.Errorf("got error response from alldebrid.com: %v", errMsg)
}

// GetAvailabilityBulk implements the Service interface.
func (c *AllDebridClient) GetAvailabilityBulk(ctx context.Context, infoHashes []string, clientIP string) (Availability, error) {
	availability := Availability{Provider: TagAllDebrid, Items: map[string][]FileCandidate{}}
	// Precondition check
	if len(infoHashes) == 0 {
		return availability, nil
	}

	extra := url.Values{}
	for _, hash := range infoHashes {
		extra.Add("magnets[]", hash)
	}
	resBody, err := c.get(ctx, c.apiURL("/magnet/instant", clientIP, extra), requestOptions{torrentEndpoint: true})
	if err != nil {
		return availability, fmt.Errorf("Couldn't check instant availability on alldebrid.com: %v", err)
	}
	if err := apiError(resBody); err != nil {
		return availability, err
	}

	for _, magnet := range gjson.GetBytes(resBody, "data.magnets").Array() {
		if !magnet.Get("instant").Bool() {
			continue
		}
		hash := strings.ToLower(magnet.Get("hash").String())
		if hash == "" {
			hash = strings.ToLower(magnet.Get("magnet").String())
		}
		var candidates []FileCandidate
		flattenADFiles(magnet.Get("files").Array(), &candidates)
		if len(candidates) > 0 {
			availability.Items[hash] = candidates
		}
	}
	c.logger.Debug("Checked instant availability", zap.String("debridService", TagAllDebrid), zap.Int("requested", len(infoHashes)), zap.Int("available", len(availability.Items)))
	return availability, nil
}

// flattenADFiles walks AllDebrid's folder tree ({n: name, s: size, e: children})
// and collects the leaf files.
func flattenADFiles(entries []gjson.Result, candidates *[]FileCandidate) {
	for _, entry := range entries {
		if children := entry.Get("e").Array(); len(children) > 0 {
			flattenADFiles(children, candidates)
			continue
		}
		*candidates = append(*candidates, FileCandidate{
			Name: entry.Get("n").String(),
			Size: entry.Get("s").Int(),
		})
	}
}

// AddMagnetOrTorrent implements the Service interface.
func (c *AllDebridClient) AddMagnetOrTorrent(ctx context.Context, magnet, torrentURL, clientIP string) (string, error) {
	if torrentURL != "" {
		return c.addTorrentFile(ctx, torrentURL, clientIP)
	}
	return c.addMagnet(ctx, magnet, clientIP)
}

func (c *AllDebridClient) addMagnet(ctx context.Context, magnet, clientIP string) (string, error) {
	extra := url.Values{}
	extra.Set("magnet", magnet)
	resBody, err := c.get(ctx, c.apiURL("/magnet/upload", clientIP, extra), requestOptions{torrentEndpoint: true})
	if err != nil {
		return "", fmt.Errorf("Couldn't add magnet to alldebrid.com: %v", err)
	}
	if err := apiError(resBody); err != nil {
		return "", err
	}
	magnetID := gjson.GetBytes(resBody, "data.magnets.0.id").String()
	if magnetID == "" {
		return "", fmt.Errorf("no magnet ID in response: %s", resBody)
	}
	return magnetID, nil
}

func (c *AllDebridClient) addTorrentFile(ctx context.Context, torrentURL, clientIP string) (string, error) {
	torrentBody, err := c.get(ctx, torrentURL, requestOptions{})
	if err != nil {
		return "", fmt.Errorf("Couldn't download .torrent file: %v", err)
	}

	var reqBody bytes.Buffer
	writer := multipart.NewWriter(&reqBody)
	part, err := writer.CreateFormFile("files[0]", uuid.NewString()+".torrent")
	if err != nil {
		return "", fmt.Errorf("Couldn't create multipart body: %v", err)
	}
	if _, err := part.Write(torrentBody); err != nil {
		return "", fmt.Errorf("Couldn't create multipart body: %v", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("Couldn't create multipart body: %v", err)
	}

	resBody, err := c.do(ctx, "POST", c.apiURL("/magnet/upload/file", clientIP, nil), writer.FormDataContentType(), &reqBody, requestOptions{torrentEndpoint: true})
	if err != nil {
		return "", fmt.Errorf("Couldn't upload .torrent file to alldebrid.com: %v", err)
	}
	if err := apiError(resBody); err != nil {
		return "", err
	}
	magnetID := gjson.GetBytes(resBody, "data.files.0.id").String()
	if magnetID == "" {
		return "", fmt.Errorf("no magnet ID in response: %s", resBody)
	}
	return magnetID, nil
}

func (c *AllDebridClient) magnetStatus(ctx context.Context, magnetID, clientIP string) (gjson.Result, error) {
	extra := url.Values{}
	extra.Set("id", magnetID)
	resBody, err := c.get(ctx, c.apiURL("/magnet/status", clientIP, extra), requestOptions{torrentEndpoint: true})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("Couldn't get magnet status from alldebrid.com: %v", err)
	}
	if err := apiError(resBody); err != nil {
		return gjson.Result{}, err
	}
	return gjson.GetBytes(resBody, "data.magnets"), nil
}

// GetStreamLink implements the Service interface.
func (c *AllDebridClient) GetStreamLink(ctx context.Context, q Query, clientIP string) (string, error) {
	magnetID, err := c.AddMagnetOrTorrent(ctx, q.Magnet, q.TorrentDownload, clientIP)
	if err != nil {
		return "", err
	}

	status, ready, err := c.waitForReady(ctx, magnetID, clientIP)
	if err != nil {
		return "", err
	}
	if !ready {
		c.logger.Info("Magnet not cached yet, serving stub video", zap.String("debridService", TagAllDebrid), zap.String("magnetID", magnetID))
		return NoCacheVideoURL, nil
	}

	link, err := pickADLink(status.Get("links").Array(), q)
	if err != nil {
		return "", err
	}
	return c.unlock(ctx, link, clientIP)
}

func (c *AllDebridClient) waitForReady(ctx context.Context, magnetID, clientIP string) (gjson.Result, bool, error) {
	deadline := time.Now().Add(adReadyTimeout)
	for {
		status, err := c.magnetStatus(ctx, magnetID, clientIP)
		if err != nil {
			return gjson.Result{}, false, err
		}
		if status.Get("status").String() == "Ready" {
			return status, true, nil
		}
		if time.Now().After(deadline) {
			return gjson.Result{}, false, nil
		}
		select {
		case <-ctx.Done():
			return gjson.Result{}, false, ctx.Err()
		case <-time.After(adReadyInterval):
		}
	}
}

// pickADLink chooses the link for the requested video: the largest file for
// movies, the largest matching episode file for series.
func pickADLink(links []gjson.Result, q Query) (string, error) {
	var best string
	var bestSize int64 = -1
	for _, link := range links {
		filename := link.Get("filename").String()
		if q.Type == mediainfo.KindSeries && !parser.SeasonEpisodeInFilename(filename, q.Season, q.Episode) {
			continue
		}
		if size := link.Get("size").Int(); size > bestSize {
			bestSize = size
			best = link.Get("link").String()
		}
	}
	if best == "" {
		return "", errors.New("no link matches the requested video")
	}
	return best, nil
}

func (c *AllDebridClient) unlock(ctx context.Context, link, clientIP string) (string, error) {
	extra := url.Values{}
	extra.Set("link", link)
	resBody, err := c.get(ctx, c.apiURL("/link/unlock", clientIP, extra), requestOptions{})
	if err != nil {
		return "", fmt.Errorf("Couldn't unlock link on alldebrid.com: %v", err)
	}
	if err := apiError(resBody); err != nil {
		return "", err
	}
	download := gjson.GetBytes(resBody, "data.link").String()
	if download == "" {
		return "", fmt.Errorf("no download URL in response: %s", resBody)
	}
	return download, nil
}
