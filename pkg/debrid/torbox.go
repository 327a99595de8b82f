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

	retry "github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/parser"
)

type TorboxClientOptions struct {
	BaseURL  string
	Version  string
	Timeout  time.Duration
	ProxyURL string
}

func NewTorboxClientOpts(baseURL, version string, timeout time.Duration, proxyURL string) TorboxClientOptions {
	return TorboxClientOptions{
		BaseURL:  baseURL,
		Version:  version,
		Timeout:  timeout,
		ProxyURL: proxyURL,
	}
}

var DefaultTorboxClientOpts = TorboxClientOptions{
	BaseURL: "https://api.torbox.app",
	Version: "v1",
	Timeout: 15 * time.Second,
}

const (
	// The availability endpoint caps the number of hashes per call
	tbCheckCachedBatchSize = 50
	tbCompletionTimeout    = 60 * time.Second
	tbCompletionInterval   = 10 * time.Second
	tbRequestDLAttempts    = 3
	tbRequestDLDelay       = 2 * time.Second
)

var _ Service = (*TorboxClient)(nil)

// TorboxClient implements the Service contract against the TorBox API.
type TorboxClient struct {
	*baseClient
	baseURL string
	token   string
	logger  *zap.Logger
}

func NewTorboxClient(opts TorboxClientOptions, token string, logger *zap.Logger) (*TorboxClient, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if token == "" {
		return nil, errors.New("token must not be empty")
	}
	version := opts.Version
	if version == "" {
		version = DefaultTorboxClientOpts.Version
	}

	base, err := newBaseClient(opts.Timeout, opts.ProxyURL, logger)
	if err != nil {
		return nil, err
	}
	return &TorboxClient{
		baseClient: base,
		baseURL:    fmt.Sprintf("%v/%v/api", strings.TrimSuffix(opts.BaseURL, "/"), version),
		token:      token,
		logger:     logger,
	}, nil
}

// Tag implements the Service interface.
func (c *TorboxClient) Tag() string {
	return TagTorbox
}

func (c *TorboxClient) authOpts(torrentEndpoint bool) requestOptions {
	return requestOptions{
		headers:         map[string]string{"Authorization": "Bearer " + c.token},
		torrentEndpoint: torrentEndpoint,
	}
}

// GetAvailabilityBulk implements the Service interface. The hashes are
// checked in batches.
func (c *TorboxClient) GetAvailabilityBulk(ctx context.Context, infoHashes []string, clientIP string) (Availability, error) {
	availability := Availability{Provider: TagTorbox, Items: map[string][]FileCandidate{}}
	// Precondition check
	if len(infoHashes) == 0 {
		return availability, nil
	}

	for start := 0; start < len(infoHashes); start += tbCheckCachedBatchSize {
		end := start + tbCheckCachedBatchSize
		if end > len(infoHashes) {
			end = len(infoHashes)
		}
		if err := c.checkCached(ctx, infoHashes[start:end], &availability); err != nil {
			return availability, err
		}
	}
	c.logger.Debug("Checked instant availability", zap.String("debridService", TagTorbox), zap.Int("requested", len(infoHashes)), zap.Int("available", len(availability.Items)))
	return availability, nil
}

func (c *TorboxClient) checkCached(ctx context.Context, infoHashes []string, availability *Availability) error {
	params := url.Values{}
	params.Set("hash", strings.Join(infoHashes, ","))
	params.Set("format", "list")
	params.Set("list_files", "true")
	resBody, err := c.get(ctx, c.baseURL+"/torrents/checkcached?"+params.Encode(), c.authOpts(true))
	if err != nil {
		return fmt.Errorf("Couldn't check instant availability on torbox.app: %v", err)
	}
	if !gjson.GetBytes(resBody, "success").Bool() {
		return fmt.Errorf("got error response from torbox.app: %s", gjson.GetBytes(resBody, "detail").String())
	}

	for _, entry := range gjson.GetBytes(resBody, "data").Array() {
		hash := strings.ToLower(entry.Get("hash").String())
		if hash == "" {
			continue
		}
		var candidates []FileCandidate
		for _, file := range entry.Get("files").Array() {
			candidates = append(candidates, FileCandidate{
				Name: file.Get("name").String(),
				Size: file.Get("size").Int(),
			})
		}
		if len(candidates) > 0 {
			availability.Items[hash] = candidates
		}
	}
	return nil
}

// AddMagnetOrTorrent implements the Service interface.
func (c *TorboxClient) AddMagnetOrTorrent(ctx context.Context, magnet, torrentURL, clientIP string) (string, error) {
	if torrentURL != "" {
		return c.createFromTorrentFile(ctx, torrentURL)
	}
	return c.createFromMagnet(ctx, magnet)
}

func (c *TorboxClient) createFromMagnet(ctx context.Context, magnet string) (string, error) {
	data := url.Values{}
	data.Set("magnet", magnet)
	// Magnets come from public trackers, no seeding obligation
	data.Set("seed", "1")
	data.Set("allow_zip", "false")
	resBody, err := c.postForm(ctx, c.baseURL+"/torrents/createtorrent", data, c.authOpts(true))
	if err != nil {
		return "", fmt.Errorf("Couldn't create torrent on torbox.app: %v", err)
	}
	return torboxTorrentID(resBody)
}

func (c *TorboxClient) createFromTorrentFile(ctx context.Context, torrentURL string) (string, error) {
	torrentBody, err := c.get(ctx, torrentURL, requestOptions{})
	if err != nil {
		return "", fmt.Errorf("Couldn't download .torrent file: %v", err)
	}

	var reqBody bytes.Buffer
	writer := multipart.NewWriter(&reqBody)
	part, err := writer.CreateFormFile("file", uuid.NewString()+".torrent")
	if err != nil {
		return "", fmt.Errorf("Couldn't create multipart body: %v", err)
	}
	if _, err := part.Write(torrentBody); err != nil {
		return "", fmt.Errorf("Couldn't create multipart body: %v", err)
	}
	// .torrent files come from private trackers, keep them seeding
	if err := writer.WriteField("seed", "2"); err != nil {
		return "", fmt.Errorf("Couldn't create multipart body: %v", err)
	}
	if err := writer.WriteField("allow_zip", "false"); err != nil {
		return "", fmt.Errorf("Couldn't create multipart body: %v", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("Couldn't create multipart body: %v", err)
	}

	resBody, err := c.do(ctx, "POST", c.baseURL+"/torrents/createtorrent", writer.FormDataContentType(), &reqBody, c.authOpts(true))
	if err != nil {
		return "", fmt.Errorf("Couldn't upload .torrent file to torbox.app: %v", err)
	}
	return torboxTorrentID(resBody)
}

func torboxTorrentID(resBody []byte) (string, error) {
	if !gjson.GetBytes(resBody, "success").Bool() {
		return "", fmt.Errorf("got error response from torbox.app: %s", gjson.GetBytes(resBody, "detail").String())
	}
	torrentID := gjson.GetBytes(resBody, "data.torrent_id").String()
	if torrentID == "" {
		return "", fmt.Errorf("no torrent ID in response: %s", resBody)
	}
	return torrentID, nil
}

// GetStreamLink implements the Service interface.
func (c *TorboxClient) GetStreamLink(ctx context.Context, q Query, clientIP string) (string, error) {
	infoHash := infoHashFromMagnet(q.Magnet)
	if infoHash == "" {
		return "", errors.New("magnet has no valid info hash")
	}
	zapFieldService := zap.String("debridService", TagTorbox)

	info, found, err := c.findTorrentByHash(ctx, infoHash)
	if err != nil {
		return "", err
	}
	if !found {
		torrentID, err := c.AddMagnetOrTorrent(ctx, q.Magnet, q.TorrentDownload, clientIP)
		if err != nil {
			return "", err
		}
		info, found, err = c.waitForCompletion(ctx, torrentID)
		if err != nil {
			return "", err
		}
		if !found {
			c.logger.Info("Torrent not cached yet, serving stub video", zapFieldService, zap.String("torrentID", torrentID))
			return NoCacheVideoURL, nil
		}
	}

	fileID, ok := pickTorboxFileID(info, q)
	if !ok {
		c.logger.Info("No file matches the requested video, serving stub video", zapFieldService)
		return NoCacheVideoURL, nil
	}
	return c.requestDownloadLink(ctx, info.Get("id").String(), fileID)
}

func (c *TorboxClient) findTorrentByHash(ctx context.Context, infoHash string) (gjson.Result, bool, error) {
	resBody, err := c.get(ctx, c.baseURL+"/torrents/mylist?bypass_cache=true", c.authOpts(true))
	if err != nil {
		return gjson.Result{}, false, fmt.Errorf("Couldn't list torrents on torbox.app: %v", err)
	}
	for _, entry := range gjson.GetBytes(resBody, "data").Array() {
		if strings.EqualFold(entry.Get("hash").String(), infoHash) && len(entry.Get("files").Array()) > 0 {
			return entry, true, nil
		}
	}
	return gjson.Result{}, false, nil
}

// waitForCompletion polls the torrent until its file list shows up. Not-ready
// after the timeout is not an error, the stub video is served instead.
func (c *TorboxClient) waitForCompletion(ctx context.Context, torrentID string) (gjson.Result, bool, error) {
	deadline := time.Now().Add(tbCompletionTimeout)
	for {
		resBody, err := c.get(ctx, c.baseURL+"/torrents/mylist?bypass_cache=true&id="+url.QueryEscape(torrentID), c.authOpts(true))
		if err != nil {
			return gjson.Result{}, false, fmt.Errorf("Couldn't get torrent info from torbox.app: %v", err)
		}
		info := gjson.GetBytes(resBody, "data")
		if info.Get("download_present").Bool() && len(info.Get("files").Array()) > 0 {
			return info, true, nil
		}
		if time.Now().After(deadline) {
			return gjson.Result{}, false, nil
		}
		select {
		case <-ctx.Done():
			return gjson.Result{}, false, ctx.Err()
		case <-time.After(tbCompletionInterval):
		}
	}
}

// pickTorboxFileID chooses the file to stream: the explicit file index when
// present, otherwise the largest matching video.
func pickTorboxFileID(info gjson.Result, q Query) (string, bool) {
	files := info.Get("files").Array()
	if q.FileIndex > 0 {
		for _, file := range files {
			if int(file.Get("id").Int()) == q.FileIndex {
				return file.Get("id").String(), true
			}
		}
	}

	var bestID string
	var bestSize int64 = -1
	if q.Type == mediainfo.KindSeries {
		for _, file := range files {
			name := file.Get("short_name").String()
			if !isVideoFile(name) || !parser.SeasonEpisodeInFilename(name, q.Season, q.Episode) {
				continue
			}
			if size := file.Get("size").Int(); size > bestSize {
				bestSize = size
				bestID = file.Get("id").String()
			}
		}
		return bestID, bestID != ""
	}
	for _, file := range files {
		if size := file.Get("size").Int(); size > bestSize {
			bestSize = size
			bestID = file.Get("id").String()
		}
	}
	return bestID, bestID != ""
}

func (c *TorboxClient) requestDownloadLink(ctx context.Context, torrentID, fileID string) (string, error) {
	params := url.Values{}
	params.Set("token", c.token)
	params.Set("torrent_id", torrentID)
	params.Set("file_id", fileID)
	reqURL := c.baseURL + "/torrents/requestdl?" + params.Encode()

	var download string
	err := retry.Do(
		func() error {
			resBody, err := c.get(ctx, reqURL, c.authOpts(false))
			if err != nil {
				return err
			}
			if !gjson.GetBytes(resBody, "success").Bool() {
				return fmt.Errorf("got error response from torbox.app: %s", gjson.GetBytes(resBody, "detail").String())
			}
			download = gjson.GetBytes(resBody, "data").String()
			if download == "" {
				return fmt.Errorf("no download URL in response: %s", resBody)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(tbRequestDLAttempts),
		retry.Delay(tbRequestDLDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("Couldn't request download link from torbox.app: %v", err)
	}
	return download, nil
}
