package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/debrid"
)

// memStore is an in-memory Store for tests. Locks are plain SetNX entries.
type memStore struct {
	mu     sync.Mutex
	values map[string]string
	// Lock calls fail when set
	lockDenied bool
}

func newMemStore() *memStore {
	return &memStore{values: map[string]string{}}
}

func (s *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, found := s.values[key]
	return value, found, nil
}

func (s *memStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *memStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.values, key)
	}
	return nil
}

func (s *memStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, found := s.values[key]
	return found, nil
}

func (s *memStore) Lock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockDenied {
		return false, nil
	}
	key := "lock:" + name
	if _, held := s.values[key]; held {
		return false, nil
	}
	s.values[key] = "1"
	return true, nil
}

func (s *memStore) Unlock(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, "lock:"+name)
	return nil
}

type fakeService struct {
	tag  string
	link string
	err  error

	mu         sync.Mutex
	addCalls   int
	linkCalls  int
	lastMagnet string
}

func (s *fakeService) Tag() string { return s.tag }

func (s *fakeService) GetAvailabilityBulk(ctx context.Context, infoHashes []string, clientIP string) (debrid.Availability, error) {
	return debrid.Availability{Provider: s.tag}, nil
}

func (s *fakeService) AddMagnetOrTorrent(ctx context.Context, magnet, torrentURL, clientIP string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addCalls++
	s.lastMagnet = magnet
	if s.err != nil {
		return "", s.err
	}
	return "torrent-1", nil
}

func (s *fakeService) GetStreamLink(ctx context.Context, q debrid.Query, clientIP string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linkCalls++
	return s.link, s.err
}

func testOpts() Options {
	opts := DefaultOpts
	opts.WaitTimeout = 50 * time.Millisecond
	opts.WaitInterval = time.Millisecond
	return opts
}

func testRequest(service, downloader debrid.Service) Request {
	return Request{
		APIKey: "test-api-key",
		Query: debrid.Query{
			Magnet:  "magnet:?xt=urn:btih:" + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			Type:    "movie",
			Service: "RD",
		},
		Service:    service,
		Downloader: downloader,
		ClientIP:   "203.0.113.7",
	}
}

func TestResolveCachesLink(t *testing.T) {
	store := newMemStore()
	service := &fakeService{tag: "RD", link: "https://download.example/video.mkv"}
	r, err := NewResolver(testOpts(), store, zap.NewNop())
	require.NoError(t, err)

	req := testRequest(service, nil)
	link, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, service.link, link)

	// The second resolution is served from cache
	link, err = r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, service.link, link)
	require.Equal(t, 1, service.linkCalls)

	// The lock was released
	held, err := store.Lock(context.Background(), lockName(req), time.Minute)
	require.NoError(t, err)
	require.True(t, held)
}

func TestResolveStubLinkNotCached(t *testing.T) {
	store := newMemStore()
	service := &fakeService{tag: "RD", link: debrid.NoCacheVideoURL}
	r, err := NewResolver(testOpts(), store, zap.NewNop())
	require.NoError(t, err)

	req := testRequest(service, nil)
	link, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, debrid.NoCacheVideoURL, link)

	_, found, err := store.Get(context.Background(), streamLinkKey(req))
	require.NoError(t, err)
	require.False(t, found)
}

func TestResolveWaitsForPeer(t *testing.T) {
	store := newMemStore()
	store.lockDenied = true
	service := &fakeService{tag: "RD", link: "https://download.example/video.mkv"}
	r, err := NewResolver(testOpts(), store, zap.NewNop())
	require.NoError(t, err)

	req := testRequest(service, nil)

	// Nothing appears: the caller is told to retry
	_, err = r.Resolve(context.Background(), req)
	require.ErrorIs(t, err, ErrTryAgain)
	require.Zero(t, service.linkCalls)

	// The peer publishes its link mid-wait
	require.NoError(t, store.Set(context.Background(), streamLinkKey(req), "https://peer.example/video.mkv", time.Hour))
	link, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "https://peer.example/video.mkv", link)
	require.Zero(t, service.linkCalls)
}

func TestDownloadFlow(t *testing.T) {
	store := newMemStore()
	downloader := &fakeService{tag: "RD"}
	r, err := NewResolver(testOpts(), store, zap.NewNop())
	require.NoError(t, err)

	req := testRequest(nil, downloader)
	req.Query.Service = debrid.TagDownload

	link, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, debrid.NoCacheVideoURL, link)
	require.Equal(t, 1, downloader.addCalls)
	require.Equal(t, req.Query.Magnet, downloader.lastMagnet)

	// While the marker is set, repeated requests don't re-add the torrent
	link, err = r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, debrid.NoCacheVideoURL, link)
	require.Equal(t, 1, downloader.addCalls)
}

func TestDownloadFailureClearsMarker(t *testing.T) {
	store := newMemStore()
	downloader := &fakeService{tag: "RD", err: errors.New("service down")}
	r, err := NewResolver(testOpts(), store, zap.NewNop())
	require.NoError(t, err)

	req := testRequest(nil, downloader)
	req.Query.Service = debrid.TagDownload

	_, err = r.Resolve(context.Background(), req)
	require.Error(t, err)
	found, err := store.Exists(context.Background(), downloadMarkerKey(req))
	require.NoError(t, err)
	require.False(t, found)

	// The next attempt starts over
	downloader.err = nil
	_, err = r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 2, downloader.addCalls)
}

func TestProbe(t *testing.T) {
	store := newMemStore()
	r, err := NewResolver(testOpts(), store, zap.NewNop())
	require.NoError(t, err)

	req := testRequest(nil, nil)

	// Download requests: pending while the marker is set
	dlReq := req
	dlReq.Query.Service = debrid.TagDownload
	status, _, err := r.Probe(context.Background(), dlReq)
	require.NoError(t, err)
	require.Equal(t, StatusReady, status)

	require.NoError(t, store.Set(context.Background(), downloadMarkerKey(dlReq), downloadInProgressFlag, time.Minute))
	status, _, err = r.Probe(context.Background(), dlReq)
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)

	// Stream requests: pending until the link cache fills
	status, _, err = r.Probe(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)

	require.NoError(t, store.Set(context.Background(), streamLinkKey(req), "https://download.example/video.mkv", time.Hour))
	status, link, err := r.Probe(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusReady, status)
	require.Equal(t, "https://download.example/video.mkv", link)
}
