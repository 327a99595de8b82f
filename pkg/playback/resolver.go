// Package playback turns an encoded stream selection into a playable URL
// and optionally proxies the video bytes to the player.
package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/debrid"
	"github.com/LimeDrive/stream-fusion/pkg/kv"
)

// downloadInProgressFlag marks a torrent the user asked to cache in the
// background.
const downloadInProgressFlag = "DOWNLOAD_IN_PROGRESS"

// ErrTryAgain is returned when a concurrent resolution for the same query
// holds the lock but never published a link in time.
var ErrTryAgain = errors.New("stream link not ready, try again")

type Options struct {
	// TTL of the background-download marker
	DownloadMarkerTTL time.Duration
	// TTL of resolved stream links
	StreamLinkTTL time.Duration
	// Lease of the per-query resolution lock
	LockTTL time.Duration
	// How long a request waits for a concurrent resolution's result
	WaitTimeout  time.Duration
	WaitInterval time.Duration
}

func NewOpts(downloadMarkerTTL, streamLinkTTL, lockTTL, waitTimeout, waitInterval time.Duration) Options {
	return Options{
		DownloadMarkerTTL: downloadMarkerTTL,
		StreamLinkTTL:     streamLinkTTL,
		LockTTL:           lockTTL,
		WaitTimeout:       waitTimeout,
		WaitInterval:      waitInterval,
	}
}

var DefaultOpts = Options{
	DownloadMarkerTTL: 10 * time.Minute,
	StreamLinkTTL:     time.Hour,
	LockTTL:           time.Minute,
	WaitTimeout:       30 * time.Second,
	WaitInterval:      time.Second,
}

// Store is the KV cache the resolver keeps markers, links and locks in.
// Satisfied by kv.Store.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Lock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name string) error
}

var _ Store = (*kv.Store)(nil)

// Request is one playback resolution. Service handles the query's provider,
// Downloader handles "DL" requests; either may be nil when the user config
// doesn't provide it.
type Request struct {
	APIKey     string
	Query      debrid.Query
	Service    debrid.Service
	Downloader debrid.Service
	ClientIP   string
}

// Status of a readiness probe.
type Status int

const (
	// StatusReady means the link is resolved and playable
	StatusReady Status = iota
	// StatusPending means resolution or background caching is still running
	StatusPending
)

// Resolver resolves playback queries to direct video URLs, deduplicating
// concurrent resolutions of the same query across processes.
type Resolver struct {
	store  Store
	opts   Options
	logger *zap.Logger
}

func NewResolver(opts Options, store Store, logger *zap.Logger) (*Resolver, error) {
	// Precondition check
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if opts.WaitInterval <= 0 {
		return nil, errors.New("opts.WaitInterval must be positive")
	}

	return &Resolver{
		store:  store,
		opts:   opts,
		logger: logger,
	}, nil
}

// Resolve returns the direct URL for the request. For "DL" requests it kicks
// off background caching and returns the stub video. Concurrent resolutions
// of the same query are collapsed onto one provider call via a distributed
// lock; the losers wait for the winner's cached link.
func (r *Resolver) Resolve(ctx context.Context, req Request) (string, error) {
	if req.Query.Service == debrid.TagDownload {
		return r.handleDownload(ctx, req)
	}
	if req.Service == nil {
		return "", fmt.Errorf("no debrid service for %q", req.Query.Service)
	}

	linkKey := streamLinkKey(req)
	if link, found, err := r.store.Get(ctx, linkKey); err != nil {
		r.logger.Error("Couldn't read stream link cache", zap.Error(err))
	} else if found {
		r.logger.Debug("Stream link found in cache", zap.String("link", link))
		return link, nil
	}

	lockName := lockName(req)
	acquired, err := r.store.Lock(ctx, lockName, r.opts.LockTTL)
	if err != nil {
		r.logger.Error("Couldn't acquire stream lock", zap.Error(err))
		// Degrade to resolving without the lock
		acquired = true
	}
	if !acquired {
		return r.waitForLink(ctx, linkKey)
	}
	defer func() {
		if err := r.store.Unlock(ctx, lockName); err != nil {
			r.logger.Warn("Couldn't release stream lock", zap.Error(err))
		}
	}()

	link, err := req.Service.GetStreamLink(ctx, req.Query, req.ClientIP)
	if err != nil {
		return "", fmt.Errorf("Couldn't get stream link: %w", err)
	}
	// The stub video means the torrent is still caching, don't pin that
	if link != debrid.NoCacheVideoURL {
		if err := r.store.Set(ctx, linkKey, link, r.opts.StreamLinkTTL); err != nil {
			r.logger.Error("Couldn't cache stream link", zap.Error(err))
		}
	}
	return link, nil
}

// handleDownload starts caching the torrent at the download provider and
// returns the stub video. A marker prevents duplicate adds while the player
// retries the same row.
func (r *Resolver) handleDownload(ctx context.Context, req Request) (string, error) {
	if req.Downloader == nil {
		return "", errors.New("no download service configured")
	}

	markerKey := downloadMarkerKey(req)
	if value, found, err := r.store.Get(ctx, markerKey); err != nil {
		r.logger.Error("Couldn't read download marker", zap.Error(err))
	} else if found && value == downloadInProgressFlag {
		r.logger.Info("Download already in progress")
		return debrid.NoCacheVideoURL, nil
	}
	if err := r.store.Set(ctx, markerKey, downloadInProgressFlag, r.opts.DownloadMarkerTTL); err != nil {
		r.logger.Error("Couldn't set download marker", zap.Error(err))
	}

	if _, err := req.Downloader.AddMagnetOrTorrent(ctx, req.Query.Magnet, req.Query.TorrentDownload, req.ClientIP); err != nil {
		// The next attempt should start over
		if delErr := r.store.Delete(ctx, markerKey); delErr != nil {
			r.logger.Error("Couldn't clear download marker", zap.Error(delErr))
		}
		return "", fmt.Errorf("Couldn't start download: %w", err)
	}
	r.logger.Info("Started background download", zap.String("debridService", req.Downloader.Tag()))
	return debrid.NoCacheVideoURL, nil
}

// waitForLink polls the link cache for the result of a concurrent
// resolution.
func (r *Resolver) waitForLink(ctx context.Context, linkKey string) (string, error) {
	r.logger.Debug("Lock not acquired, waiting for peer's stream link")
	deadline := time.Now().Add(r.opts.WaitTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.opts.WaitInterval):
		}
		if link, found, err := r.store.Get(ctx, linkKey); err != nil {
			r.logger.Error("Couldn't read stream link cache", zap.Error(err))
		} else if found {
			return link, nil
		}
	}
	return "", ErrTryAgain
}

// Probe reports playback readiness for HEAD requests. For "DL" requests a
// set marker means caching is pending. Otherwise it waits for the link cache
// to fill; a ready probe also returns the link so the caller can forward
// upstream headers.
func (r *Resolver) Probe(ctx context.Context, req Request) (Status, string, error) {
	if req.Query.Service == debrid.TagDownload {
		value, found, err := r.store.Get(ctx, downloadMarkerKey(req))
		if err != nil {
			return StatusPending, "", err
		}
		if found && value == downloadInProgressFlag {
			return StatusPending, "", nil
		}
		return StatusReady, "", nil
	}

	linkKey := streamLinkKey(req)
	deadline := time.Now().Add(r.opts.WaitTimeout)
	for {
		link, found, err := r.store.Get(ctx, linkKey)
		if err != nil {
			return StatusPending, "", err
		}
		if found {
			return StatusReady, link, nil
		}
		if !time.Now().Before(deadline) {
			return StatusPending, "", nil
		}
		select {
		case <-ctx.Done():
			return StatusPending, "", ctx.Err()
		case <-time.After(r.opts.WaitInterval):
		}
	}
}

// queryJSON is the stable key material for a playback query.
func queryJSON(q debrid.Query) string {
	raw, err := json.Marshal(q)
	if err != nil {
		return q.Magnet
	}
	return string(raw)
}

func streamLinkKey(req Request) string {
	return kv.GenerateKey("stream_link", req.APIKey, queryJSON(req.Query), req.ClientIP)
}

func downloadMarkerKey(req Request) string {
	return kv.GenerateKey("download", req.APIKey, queryJSON(req.Query), req.ClientIP)
}

func lockName(req Request) string {
	return kv.GenerateKey("stream", req.APIKey, queryJSON(req.Query), req.ClientIP)
}
