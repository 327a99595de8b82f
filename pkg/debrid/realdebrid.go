package debrid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/parser"
)

type RealDebridClientOptions struct {
	BaseURL  string
	Timeout  time.Duration
	ProxyURL string
}

func NewRealDebridClientOpts(baseURL string, timeout time.Duration, proxyURL string) RealDebridClientOptions {
	return RealDebridClientOptions{
		BaseURL:  baseURL,
		Timeout:  timeout,
		ProxyURL: proxyURL,
	}
}

var DefaultRealDebridClientOpts = RealDebridClientOptions{
	BaseURL: "https://api.real-debrid.com/rest/1.0",
	Timeout: 15 * time.Second,
}

const (
	// Torrents added from a magnet need a moment before RealDebrid lists
	// their files.
	rdFileListTimeout  = 30 * time.Second
	rdFileListInterval = 2 * time.Second
	// How long a playback request waits for the torrent to finish caching
	// before falling back to the stub video.
	rdLinkWaitTimeout  = 20 * time.Second
	rdLinkWaitInterval = 5 * time.Second
	// Season packs select many files at once, give the queue time to settle.
	rdSeasonPackSettleDelay = 10 * time.Second
	rdUnrestrictAttempts    = 3
	rdUnrestrictDelay       = 5 * time.Second
)

// A torrent with this many video files is treated as a season pack.
const rdSeasonPackThreshold = 5

var _ Service = (*RealDebridClient)(nil)

// RealDebridClient implements the Service contract against the RealDebrid
// REST API. Authentication is either a static API token or OAuth device
// credentials refreshed through a TokenManager.
type RealDebridClient struct {
	*baseClient
	baseURL      string
	token        string
	clientID     string
	clientSecret string
	refreshToken string
	tokens       *TokenManager
	logger       *zap.Logger
}

// NewRealDebridClient creates a client authenticating with a static API token.
func NewRealDebridClient(opts RealDebridClientOptions, token string, logger *zap.Logger) (*RealDebridClient, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if token == "" {
		return nil, errors.New("token must not be empty")
	}

	base, err := newBaseClient(opts.Timeout, opts.ProxyURL, logger)
	if err != nil {
		return nil, err
	}
	return &RealDebridClient{
		baseClient: base,
		baseURL:    opts.BaseURL,
		token:      token,
		logger:     logger,
	}, nil
}

// NewRealDebridOAuthClient creates a client that refreshes its access token
// from device credentials via the given TokenManager.
func NewRealDebridOAuthClient(opts RealDebridClientOptions, clientID, clientSecret, refreshToken string, tokens *TokenManager, logger *zap.Logger) (*RealDebridClient, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, errors.New("clientID, clientSecret and refreshToken must not be empty")
	}
	if tokens == nil {
		return nil, errors.New("tokens must not be nil")
	}

	base, err := newBaseClient(opts.Timeout, opts.ProxyURL, logger)
	if err != nil {
		return nil, err
	}
	return &RealDebridClient{
		baseClient:   base,
		baseURL:      opts.BaseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		tokens:       tokens,
		logger:       logger,
	}, nil
}

// Tag implements the Service interface.
func (c *RealDebridClient) Tag() string {
	return TagRealDebrid
}

func (c *RealDebridClient) authOpts(ctx context.Context, torrentEndpoint bool) (requestOptions, error) {
	token := c.token
	if c.tokens != nil {
		var err error
		token, err = c.tokens.AccessToken(ctx, c.clientID, c.clientSecret, c.refreshToken)
		if err != nil {
			return requestOptions{}, err
		}
	}
	return requestOptions{
		headers: map[string]string{
			"Authorization": "Bearer " + token,
			// Some RealDebrid endpoints behave differently for unknown clients
			"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		torrentEndpoint: torrentEndpoint,
	}, nil
}

func withClientIP(reqURL, clientIP string) string {
	if clientIP == "" {
		return reqURL
	}
	sep := "?"
	if strings.Contains(reqURL, "?") {
		sep = "&"
	}
	return reqURL + sep + "ip=" + url.QueryEscape(clientIP)
}

// GetAvailabilityBulk implements the Service interface.
func (c *RealDebridClient) GetAvailabilityBulk(ctx context.Context, infoHashes []string, clientIP string) (Availability, error) {
	availability := Availability{Provider: TagRealDebrid, Items: map[string][]FileCandidate{}}
	// Precondition check
	if len(infoHashes) == 0 {
		return availability, nil
	}

	opts, err := c.authOpts(ctx, true)
	if err != nil {
		return availability, err
	}
	reqURL := withClientIP(c.baseURL+"/torrents/instantAvailability/"+strings.Join(infoHashes, "/"), clientIP)
	resBody, err := c.get(ctx, reqURL, opts)
	if err != nil {
		return availability, fmt.Errorf("Couldn't check instant availability on real-debrid.com: %v", err)
	}

	gjson.ParseBytes(resBody).ForEach(func(hash, value gjson.Result) bool {
		var candidates []FileCandidate
		seen := map[int]bool{}
		// Each "rd" variant is a map of file ID to file metadata
		for _, variant := range value.Get("rd").Array() {
			variant.ForEach(func(fileID, file gjson.Result) bool {
				index, err := strconv.Atoi(fileID.String())
				if err != nil || seen[index] {
					return true
				}
				seen[index] = true
				candidates = append(candidates, FileCandidate{
					Index: index,
					Name:  file.Get("filename").String(),
					Size:  file.Get("filesize").Int(),
				})
				return true
			})
		}
		if len(candidates) > 0 {
			availability.Items[strings.ToLower(hash.String())] = candidates
		}
		return true
	})
	c.logger.Debug("Checked instant availability", zap.String("debridService", TagRealDebrid), zap.Int("requested", len(infoHashes)), zap.Int("available", len(availability.Items)))
	return availability, nil
}

// AddMagnetOrTorrent implements the Service interface. All files are selected
// so caching starts immediately.
func (c *RealDebridClient) AddMagnetOrTorrent(ctx context.Context, magnet, torrentURL, clientIP string) (string, error) {
	var torrentID string
	var err error
	if torrentURL != "" {
		torrentID, err = c.addTorrentFile(ctx, torrentURL, clientIP)
	} else {
		torrentID, err = c.addMagnet(ctx, magnet, clientIP)
	}
	if err != nil {
		return "", err
	}
	if err := c.selectFiles(ctx, torrentID, "all", clientIP); err != nil {
		return "", err
	}
	c.logger.Debug("Added torrent", zap.String("debridService", TagRealDebrid), zap.String("torrentID", torrentID))
	return torrentID, nil
}

func (c *RealDebridClient) addMagnet(ctx context.Context, magnet, clientIP string) (string, error) {
	opts, err := c.authOpts(ctx, true)
	if err != nil {
		return "", err
	}
	data := url.Values{}
	data.Set("magnet", magnet)
	if clientIP != "" {
		data.Set("ip", clientIP)
	}
	resBody, err := c.postForm(ctx, c.baseURL+"/torrents/addMagnet", data, opts)
	if err != nil {
		return "", fmt.Errorf("Couldn't add magnet to real-debrid.com: %v", err)
	}
	torrentID := gjson.GetBytes(resBody, "id").String()
	if torrentID == "" {
		return "", fmt.Errorf("no torrent ID in response: %s", resBody)
	}
	return torrentID, nil
}

func (c *RealDebridClient) addTorrentFile(ctx context.Context, torrentURL, clientIP string) (string, error) {
	// The .torrent comes from the tracker, not from RealDebrid
	torrentBody, err := c.get(ctx, torrentURL, requestOptions{})
	if err != nil {
		return "", fmt.Errorf("Couldn't download .torrent file: %v", err)
	}
	opts, err := c.authOpts(ctx, true)
	if err != nil {
		return "", err
	}
	resBody, err := c.do(ctx, "PUT", withClientIP(c.baseURL+"/torrents/addTorrent", clientIP), "application/x-bittorrent", bytes.NewReader(torrentBody), opts)
	if err != nil {
		return "", fmt.Errorf("Couldn't upload .torrent file to real-debrid.com: %v", err)
	}
	torrentID := gjson.GetBytes(resBody, "id").String()
	if torrentID == "" {
		return "", fmt.Errorf("no torrent ID in response: %s", resBody)
	}
	return torrentID, nil
}

func (c *RealDebridClient) selectFiles(ctx context.Context, torrentID, files, clientIP string) error {
	opts, err := c.authOpts(ctx, true)
	if err != nil {
		return err
	}
	data := url.Values{}
	data.Set("files", files)
	if clientIP != "" {
		data.Set("ip", clientIP)
	}
	if _, err := c.postForm(ctx, c.baseURL+"/torrents/selectFiles/"+torrentID, data, opts); err != nil {
		return fmt.Errorf("Couldn't select files on real-debrid.com: %v", err)
	}
	return nil
}

func (c *RealDebridClient) torrentInfo(ctx context.Context, torrentID, clientIP string) (gjson.Result, error) {
	opts, err := c.authOpts(ctx, true)
	if err != nil {
		return gjson.Result{}, err
	}
	resBody, err := c.get(ctx, withClientIP(c.baseURL+"/torrents/info/"+torrentID, clientIP), opts)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("Couldn't get torrent info from real-debrid.com: %v", err)
	}
	return gjson.ParseBytes(resBody), nil
}

// GetStreamLink implements the Service interface.
func (c *RealDebridClient) GetStreamLink(ctx context.Context, q Query, clientIP string) (string, error) {
	infoHash := infoHashFromMagnet(q.Magnet)
	if infoHash == "" {
		return "", errors.New("magnet has no valid info hash")
	}
	zapFieldService := zap.String("debridService", TagRealDebrid)
	zapFieldHash := zap.String("infoHash", infoHash)

	info, found, err := c.findUsableTorrent(ctx, infoHash, q, clientIP)
	if err != nil {
		return "", err
	}
	if !found {
		info, err = c.addAndSelect(ctx, q, clientIP)
		if err != nil {
			return "", err
		}
	}
	torrentID := info.Get("id").String()

	links, err := c.waitForLinks(ctx, torrentID, clientIP)
	if err != nil {
		return "", err
	}
	if len(links) == 0 {
		c.logger.Info("Torrent not cached yet, serving stub video", zapFieldService, zapFieldHash)
		return NoCacheVideoURL, nil
	}

	link := links[0]
	if len(links) > 1 {
		link = c.pickLink(ctx, torrentID, links, q, clientIP)
	}
	return c.unrestrict(ctx, link, clientIP)
}

// findUsableTorrent looks for an already added torrent with the wanted hash
// whose selected files cover the requested video.
func (c *RealDebridClient) findUsableTorrent(ctx context.Context, infoHash string, q Query, clientIP string) (gjson.Result, bool, error) {
	opts, err := c.authOpts(ctx, true)
	if err != nil {
		return gjson.Result{}, false, err
	}
	resBody, err := c.get(ctx, withClientIP(c.baseURL+"/torrents", clientIP), opts)
	if err != nil {
		return gjson.Result{}, false, fmt.Errorf("Couldn't list torrents on real-debrid.com: %v", err)
	}
	for _, entry := range gjson.ParseBytes(resBody).Array() {
		if !strings.EqualFold(entry.Get("hash").String(), infoHash) {
			continue
		}
		info, err := c.torrentInfo(ctx, entry.Get("id").String(), clientIP)
		if err != nil {
			c.logger.Warn("Couldn't inspect existing torrent", zap.Error(err), zap.String("debridService", TagRealDebrid))
			continue
		}
		if torrentContainsFile(info, q) {
			return info, true, nil
		}
	}
	return gjson.Result{}, false, nil
}

// torrentContainsFile reports whether the torrent's selected files cover the
// requested video. For series the requested episode must be among them.
func torrentContainsFile(info gjson.Result, q Query) bool {
	for _, file := range info.Get("files").Array() {
		if file.Get("selected").Int() != 1 {
			continue
		}
		if q.Type != mediainfo.KindSeries {
			return true
		}
		if q.FileIndex > 0 && int(file.Get("id").Int()) == q.FileIndex {
			return true
		}
		if parser.SeasonEpisodeInFilename(file.Get("path").String(), q.Season, q.Episode) {
			return true
		}
	}
	return false
}

func (c *RealDebridClient) addAndSelect(ctx context.Context, q Query, clientIP string) (gjson.Result, error) {
	var torrentID string
	var err error
	if q.TorrentDownload != "" {
		torrentID, err = c.addTorrentFile(ctx, q.TorrentDownload, clientIP)
	} else {
		torrentID, err = c.addMagnet(ctx, q.Magnet, clientIP)
	}
	if err != nil {
		return gjson.Result{}, err
	}

	info, err := c.waitForFileList(ctx, torrentID, clientIP)
	if err != nil {
		return gjson.Result{}, err
	}

	videoIDs := make([]string, 0, 8)
	for _, file := range info.Get("files").Array() {
		if isVideoFile(file.Get("path").String()) {
			videoIDs = append(videoIDs, file.Get("id").String())
		}
	}
	if q.Type == mediainfo.KindSeries && len(videoIDs) > rdSeasonPackThreshold {
		// Season pack: cache every episode so later requests hit instantly
		if err := c.selectFiles(ctx, torrentID, strings.Join(videoIDs, ","), clientIP); err != nil {
			return gjson.Result{}, err
		}
		select {
		case <-ctx.Done():
			return gjson.Result{}, ctx.Err()
		case <-time.After(rdSeasonPackSettleDelay):
		}
	} else {
		fileID := selectTorrentFileID(info, q)
		if err := c.selectFiles(ctx, torrentID, fileID, clientIP); err != nil {
			return gjson.Result{}, err
		}
	}
	return c.torrentInfo(ctx, torrentID, clientIP)
}

// selectTorrentFileID picks the single file to cache: the explicit file index
// when the torrent has it, otherwise the best episode match for series and
// the largest video for movies.
func selectTorrentFileID(info gjson.Result, q Query) string {
	files := info.Get("files").Array()
	if q.FileIndex > 0 {
		for _, file := range files {
			if int(file.Get("id").Int()) == q.FileIndex {
				return strconv.Itoa(q.FileIndex)
			}
		}
	}

	var bestID string
	var bestSize int64 = -1
	if q.Type == mediainfo.KindSeries {
		for _, file := range files {
			path := file.Get("path").String()
			if !isVideoFile(path) || !parser.SeasonEpisodeInFilename(path, q.Season, q.Episode) {
				continue
			}
			if size := file.Get("bytes").Int(); size > bestSize {
				bestSize = size
				bestID = file.Get("id").String()
			}
		}
		if bestID != "" {
			return bestID
		}
	}
	for _, file := range files {
		if size := file.Get("bytes").Int(); size > bestSize {
			bestSize = size
			bestID = file.Get("id").String()
		}
	}
	if bestID == "" {
		return "all"
	}
	return bestID
}

func (c *RealDebridClient) waitForFileList(ctx context.Context, torrentID, clientIP string) (gjson.Result, error) {
	deadline := time.Now().Add(rdFileListTimeout)
	for {
		info, err := c.torrentInfo(ctx, torrentID, clientIP)
		if err != nil {
			return gjson.Result{}, err
		}
		if len(info.Get("files").Array()) > 0 {
			return info, nil
		}
		if time.Now().After(deadline) {
			return gjson.Result{}, fmt.Errorf("torrent %v didn't list its files in time", torrentID)
		}
		select {
		case <-ctx.Done():
			return gjson.Result{}, ctx.Err()
		case <-time.After(rdFileListInterval):
		}
	}
}

// waitForLinks polls until the torrent finished caching. A nil slice with a
// nil error means the wait timed out and the stub video should be served.
func (c *RealDebridClient) waitForLinks(ctx context.Context, torrentID, clientIP string) ([]string, error) {
	deadline := time.Now().Add(rdLinkWaitTimeout)
	for {
		info, err := c.torrentInfo(ctx, torrentID, clientIP)
		if err != nil {
			return nil, err
		}
		links := info.Get("links").Array()
		if info.Get("status").String() == "downloaded" && len(links) > 0 {
			result := make([]string, len(links))
			for i, link := range links {
				result[i] = link.String()
			}
			return result, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(rdLinkWaitInterval):
		}
	}
}

// pickLink maps the selected files positionally onto the torrent's links and
// picks the one for the requested video. Falls back to the first link.
func (c *RealDebridClient) pickLink(ctx context.Context, torrentID string, links []string, q Query, clientIP string) string {
	info, err := c.torrentInfo(ctx, torrentID, clientIP)
	if err != nil {
		c.logger.Warn("Couldn't refresh torrent info for link selection", zap.Error(err), zap.String("debridService", TagRealDebrid))
		return links[0]
	}

	var selected []gjson.Result
	for _, file := range info.Get("files").Array() {
		if file.Get("selected").Int() == 1 {
			selected = append(selected, file)
		}
	}

	linkIndex := -1
	if q.FileIndex > 0 {
		for i, file := range selected {
			if int(file.Get("id").Int()) == q.FileIndex {
				linkIndex = i
				break
			}
		}
	}
	if linkIndex == -1 && q.Type == mediainfo.KindSeries {
		var bestSize int64 = -1
		for i, file := range selected {
			if !parser.SeasonEpisodeInFilename(file.Get("path").String(), q.Season, q.Episode) {
				continue
			}
			if size := file.Get("bytes").Int(); size > bestSize {
				bestSize = size
				linkIndex = i
			}
		}
	}
	if linkIndex == -1 {
		var bestSize int64 = -1
		for i, file := range selected {
			if size := file.Get("bytes").Int(); size > bestSize {
				bestSize = size
				linkIndex = i
			}
		}
	}
	if linkIndex < 0 || linkIndex >= len(links) {
		return links[0]
	}
	return links[linkIndex]
}

func (c *RealDebridClient) unrestrict(ctx context.Context, link, clientIP string) (string, error) {
	var download string
	err := retry.Do(
		func() error {
			opts, err := c.authOpts(ctx, false)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			data := url.Values{}
			data.Set("link", link)
			if clientIP != "" {
				data.Set("ip", clientIP)
			}
			resBody, err := c.postForm(ctx, c.baseURL+"/unrestrict/link", data, opts)
			if err != nil {
				return err
			}
			download = gjson.GetBytes(resBody, "download").String()
			if download == "" {
				return fmt.Errorf("no download URL in response: %s", resBody)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(rdUnrestrictAttempts),
		retry.Delay(rdUnrestrictDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("Couldn't unrestrict link on real-debrid.com: %v", err)
	}
	return download, nil
}
