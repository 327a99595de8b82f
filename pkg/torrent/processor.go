package torrent

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zeebo/bencode"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/parser"
	"github.com/LimeDrive/stream-fusion/pkg/ratelimit"
)

// Store persists processed items so .torrent bodies aren't fetched twice.
type Store interface {
	GetItem(id string) (Item, bool, error)
	SetItem(id string, item Item) error
}

var videoExtensions = map[string]struct{}{
	".mkv": {}, ".mp4": {}, ".avi": {}, ".m4v": {}, ".webm": {},
	".mov": {}, ".wmv": {}, ".flv": {}, ".ts": {}, ".mpg": {}, ".mpeg": {},
}

func isVideoFile(path string) bool {
	dot := strings.LastIndex(path, ".")
	if dot < 0 {
		return false
	}
	_, ok := videoExtensions[strings.ToLower(path[dot:])]
	return ok
}

type ProcessorOptions struct {
	MaxWorkers       int
	SharewoodTimeout time.Duration
	YggTimeout       time.Duration
	WebTimeout       time.Duration
}

func NewProcessorOpts(maxWorkers int, sharewoodTimeout, yggTimeout, webTimeout time.Duration) ProcessorOptions {
	return ProcessorOptions{
		MaxWorkers:       maxWorkers,
		SharewoodTimeout: sharewoodTimeout,
		YggTimeout:       yggTimeout,
		WebTimeout:       webTimeout,
	}
}

var DefaultProcessorOpts = ProcessorOptions{
	MaxWorkers:       4,
	SharewoodTimeout: 5 * time.Second,
	YggTimeout:       10 * time.Second,
	WebTimeout:       40 * time.Second,
}

// Processor turns raw indexer results into canonical items: it extracts
// infohashes from magnets, fetches and decodes .torrent bodies, selects the
// right file in multi-file torrents and builds magnet URIs.
type Processor struct {
	opts       ProcessorOptions
	httpClient *http.Client
	// Per-process request budgets
	globalLimiter    *ratelimit.SlidingWindow
	downloadLimiter  *ratelimit.SlidingWindow
	sharewoodLimiter *ratelimit.SlidingWindow
	store            Store
	logger           *zap.Logger
}

// NewProcessor creates a Processor. store may be nil to disable persistence.
func NewProcessor(opts ProcessorOptions, store Store, logger *zap.Logger) (*Processor, error) {
	// Precondition check
	if opts.MaxWorkers <= 0 {
		return nil, errors.New("opts.MaxWorkers must be positive")
	}

	return &Processor{
		opts: opts,
		httpClient: &http.Client{
			// Redirects are handled explicitly: a 302 Location can be a magnet
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		globalLimiter:    ratelimit.New(250, time.Minute),
		downloadLimiter:  ratelimit.New(1, time.Second),
		sharewoodLimiter: ratelimit.New(1, time.Second),
		store:            store,
		logger:           logger,
	}, nil
}

// Process post-processes all items in a bounded worker pool. Items whose
// .torrent couldn't be fetched or decoded are dropped. For series, media
// carries the requested season and episode used for file selection.
func (p *Processor) Process(ctx context.Context, items []Item, media mediainfo.Media) []Item {
	results := make([]*Item, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxWorkers)
	for i := range items {
		i := i
		g.Go(func() error {
			item, err := p.processItem(gctx, items[i], media)
			if err != nil {
				p.logger.Warn("Dropping result", zap.Error(err), zap.String("rawTitle", items[i].RawTitle), zap.String("indexer", items[i].Indexer))
				return nil
			}
			results[i] = &item
			return nil
		})
	}
	// Workers never return errors, they drop failed items instead
	_ = g.Wait()

	processed := make([]Item, 0, len(items))
	for _, item := range results {
		if item != nil {
			processed = append(processed, *item)
		}
	}
	return processed
}

func (p *Processor) processItem(ctx context.Context, item Item, media mediainfo.Media) (Item, error) {
	id := item.ID()
	if p.store != nil {
		if cached, found, err := p.store.GetItem(id); err != nil {
			p.logger.Error("Couldn't read torrent item store", zap.Error(err), zap.String("id", id))
		} else if found {
			// Availability is per-request state, don't resurrect it
			cached.Availability = ""
			return cached, nil
		}
	}

	processed, err := p.convert(ctx, item, media)
	if err != nil {
		return Item{}, err
	}

	if p.store != nil {
		if err := p.store.SetItem(id, processed); err != nil {
			p.logger.Error("Couldn't persist torrent item", zap.Error(err), zap.String("id", id))
		}
	}
	return processed, nil
}

func (p *Processor) convert(ctx context.Context, item Item, media mediainfo.Media) (Item, error) {
	link := item.Link
	if item.Magnet != "" {
		link = item.Magnet
	}

	// A download URL can redirect to a magnet, so loop once more in that case
	for attempt := 0; attempt < 2; attempt++ {
		if strings.HasPrefix(link, "magnet:") {
			return p.fromMagnet(item, link)
		}

		body, redirect, err := p.fetchTorrent(ctx, item, link)
		if err != nil {
			return Item{}, err
		}
		if redirect != "" {
			link = redirect
			continue
		}
		return p.fromTorrentBody(item, link, body, media)
	}
	return Item{}, fmt.Errorf("Too many redirects for %q", item.Link)
}

func (p *Processor) fromMagnet(item Item, magnet string) (Item, error) {
	infoHash := InfoHashFromMagnet(magnet)
	if infoHash == "" {
		return Item{}, fmt.Errorf("Couldn't extract infohash from magnet %q", magnet)
	}
	item.Magnet = magnet
	item.InfoHash = infoHash
	item.Trackers = TrackersFromMagnet(magnet)
	return item, nil
}

// fetchTorrent downloads a .torrent body with a source-aware policy.
// It returns a redirect target instead of a body when the source answered
// with a 302 (some sites redirect the download URL to a magnet).
func (p *Processor) fetchTorrent(ctx context.Context, item Item, link string) (body []byte, redirect string, err error) {
	if err := p.globalLimiter.Wait(ctx); err != nil {
		return nil, "", err
	}
	if err := p.downloadLimiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	timeout := p.opts.WebTimeout
	switch {
	case strings.Contains(item.Indexer, "Sharewood"):
		if err := p.sharewoodLimiter.Wait(ctx); err != nil {
			return nil, "", err
		}
		timeout = p.opts.SharewoodTimeout
	case strings.Contains(item.Indexer, "Yggtorrent"):
		timeout = p.opts.YggTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, "GET", link, nil)
	if err != nil {
		return nil, "", fmt.Errorf("Couldn't create request: %v", err)
	}
	res, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("Couldn't download torrent from %q: %v", link, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusFound:
		location := res.Header.Get("Location")
		if location == "" {
			return nil, "", fmt.Errorf("Redirect without Location from %q", link)
		}
		return nil, location, nil
	case res.StatusCode == http.StatusUnprocessableEntity:
		// Yggtorrent answers 422 when the torrent file is gone
		return nil, "", fmt.Errorf("Torrent unavailable at %q", link)
	case res.StatusCode != http.StatusOK:
		return nil, "", fmt.Errorf("bad HTTP response status: %v (GET request to '%v')", res.Status, link)
	}

	body, err = io.ReadAll(res.Body)
	if err != nil {
		return nil, "", fmt.Errorf("Couldn't read torrent body: %v", err)
	}
	return body, "", nil
}

// torrentInfo is the "info" dictionary of a .torrent file.
type torrentInfo struct {
	Name   string `bencode:"name"`
	Length int64  `bencode:"length"`
	Files  []struct {
		Length int64    `bencode:"length"`
		Path   []string `bencode:"path"`
	} `bencode:"files"`
}

func (p *Processor) fromTorrentBody(item Item, link string, body []byte, media mediainfo.Media) (Item, error) {
	var meta struct {
		Info bencode.RawMessage `bencode:"info"`
	}
	if err := bencode.DecodeBytes(body, &meta); err != nil {
		return Item{}, fmt.Errorf("Couldn't decode torrent: %v", err)
	}
	if len(meta.Info) == 0 {
		return Item{}, errors.New("Torrent has no info dictionary")
	}

	// The infohash is the SHA-1 over the bencoded info dictionary
	sum := sha1.Sum(meta.Info)
	item.InfoHash = strings.ToLower(hex.EncodeToString(sum[:]))

	var info torrentInfo
	if err := bencode.NewDecoder(bytes.NewReader(meta.Info)).Decode(&info); err != nil {
		return Item{}, fmt.Errorf("Couldn't decode torrent info dictionary: %v", err)
	}

	item.TorrentDownload = link
	item.Magnet = BuildMagnet(item.InfoHash, info.Name, item.Trackers)

	if len(info.Files) == 0 {
		// Single-file torrent
		item.FileIndex = 1
		if info.Name != "" {
			item.FileName = info.Name
		}
		return item, nil
	}

	item.Files = make([]File, 0, len(info.Files))
	for i, f := range info.Files {
		item.Files = append(item.Files, File{
			Index:  i + 1,
			Path:   strings.Join(f.Path, "/"),
			Length: f.Length,
		})
	}

	if item.Type == mediainfo.KindSeries {
		p.selectEpisodeFile(&item, media.Season, media.Episode)
	} else {
		p.selectLargestFile(&item)
	}
	return item, nil
}

// selectEpisodeFile picks the largest file matching the requested episode.
// When nothing matches it records the full per-video-file index so the smart
// container can best-match later (e.g. against a different episode).
func (p *Processor) selectEpisodeFile(item *Item, season, episode int) {
	var best *File
	for i := range item.Files {
		f := &item.Files[i]
		if !isVideoFile(f.Path) {
			continue
		}
		parsed := parser.Parse(f.Path)
		if season > 0 && parsed.MatchesEpisode(season, episode) {
			if best == nil || f.Length > best.Length {
				best = f
			}
		}
	}
	if best != nil {
		item.FileIndex = best.Index
		item.FileName = best.Path
		item.Size = best.Length
		return
	}

	fullIndex := make([]IndexedFile, 0, len(item.Files))
	for _, f := range item.Files {
		if !isVideoFile(f.Path) {
			continue
		}
		parsed := parser.Parse(f.Path)
		if len(parsed.Seasons) == 0 && len(parsed.Episodes) == 0 {
			continue
		}
		fullIndex = append(fullIndex, IndexedFile{
			FileIndex: f.Index,
			FileName:  f.Path,
			Seasons:   parsed.Seasons,
			Episodes:  parsed.Episodes,
			Size:      f.Length,
		})
	}
	item.FullIndex = fullIndex
}

func (p *Processor) selectLargestFile(item *Item) {
	var best *File
	for i := range item.Files {
		f := &item.Files[i]
		if best == nil || f.Length > best.Length {
			best = f
		}
	}
	if best != nil {
		item.FileIndex = best.Index
		item.FileName = best.Path
		item.Size = best.Length
	}
}
