package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type StreamerOptions struct {
	// Size of the internal read buffer
	BufferSize int
	// Size of the chunks written to the client
	ChunkSize int
	// How often a broken upstream connection is re-established
	MaxReconnects  int
	ReconnectDelay time.Duration
	// Timeout of the header-probing HEAD request; the streaming GET itself
	// runs unbounded under the request context
	HeadTimeout time.Duration
}

func NewStreamerOpts(bufferSize, chunkSize, maxReconnects int, reconnectDelay, headTimeout time.Duration) StreamerOptions {
	return StreamerOptions{
		BufferSize:     bufferSize,
		ChunkSize:      chunkSize,
		MaxReconnects:  maxReconnects,
		ReconnectDelay: reconnectDelay,
		HeadTimeout:    headTimeout,
	}
}

var DefaultStreamerOpts = StreamerOptions{
	BufferSize:     2 * 1024 * 1024,
	ChunkSize:      8 * 1024,
	MaxReconnects:  3,
	ReconnectDelay: time.Second,
	HeadTimeout:    10 * time.Second,
}

// Streamer proxies a resolved video URL to the player, forwarding Range
// requests and surviving transient upstream failures.
type Streamer struct {
	opts       StreamerOptions
	httpClient *http.Client
	logger     *zap.Logger
}

// NewStreamer creates a Streamer. httpClient may be nil, in which case a
// default client is used. Pass a client with a proxy transport to route
// playback traffic through an outbound proxy.
func NewStreamer(opts StreamerOptions, httpClient *http.Client, logger *zap.Logger) (*Streamer, error) {
	// Precondition check
	if opts.BufferSize <= 0 || opts.ChunkSize <= 0 {
		return nil, errors.New("opts.BufferSize and opts.ChunkSize must be positive")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Streamer{
		opts:       opts,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// ResponseHeaders builds the headers of the proxied response: a fixed video
// envelope plus whatever the upstream HEAD reported for length and caching
// validators.
func ResponseHeaders(upstream http.Header, partial bool) map[string]string {
	headers := map[string]string{
		"Content-Type":                "video/mp4",
		"Accept-Ranges":               "bytes",
		"Cache-Control":               "no-store, no-cache, must-revalidate, max-age=0",
		"Pragma":                      "no-cache",
		"Content-Disposition":         "inline",
		"Access-Control-Allow-Origin": "*",
	}
	if upstream == nil {
		return headers
	}
	if partial {
		if contentRange := upstream.Get("Content-Range"); contentRange != "" {
			headers["Content-Range"] = contentRange
		}
	}
	for _, name := range []string{"Content-Length", "ETag", "Last-Modified"} {
		if value := upstream.Get(name); value != "" {
			headers[name] = value
		}
	}
	return headers
}

// Head probes the upstream URL so the proxied response can carry its
// headers. rangeHeader is the client's Range header, empty when absent.
func (s *Streamer) Head(ctx context.Context, url, rangeHeader string) (http.Header, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.HeadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, "HEAD", url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("Couldn't create request: %v", err)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	res, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("Couldn't probe %q: %v", url, err)
	}
	res.Body.Close()
	return res.Header, res.StatusCode, nil
}

// writeError wraps client-side write failures, which must not trigger a
// reconnect.
type writeError struct {
	err error
}

func (e writeError) Error() string { return e.err.Error() }

// Stream copies the video from url to w, forwarding the client's Range
// header upstream. Broken upstream reads are retried with a fresh connection
// resuming at the current offset; write errors mean the client went away and
// end the stream.
func (s *Streamer) Stream(ctx context.Context, w io.Writer, url, rangeHeader string) error {
	start, end := parseRange(rangeHeader)

	var written int64
	delay := s.opts.ReconnectDelay
	for attempt := 0; ; attempt++ {
		err := s.streamOnce(ctx, w, url, start+written, end, rangeHeader != "", &written)
		if err == nil {
			return nil
		}
		var wErr writeError
		if errors.As(err, &wErr) {
			s.logger.Debug("Client went away during playback", zap.Error(wErr.err))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= s.opts.MaxReconnects {
			return fmt.Errorf("Couldn't stream %q: %w", url, err)
		}
		s.logger.Warn("Upstream read failed, reconnecting", zap.Error(err), zap.Int64("offset", start+written))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (s *Streamer) streamOnce(ctx context.Context, w io.Writer, url string, start int64, end string, ranged bool, written *int64) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("Couldn't create request: %v", err)
	}
	// A resumed connection always needs a Range, even for whole-file requests
	if ranged || start > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%v", start, end))
	}
	res, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Couldn't connect to upstream: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("bad HTTP response status: %v (GET request to '%v')", res.Status, url)
	}

	buffer := make([]byte, s.opts.BufferSize)
	for {
		// Fill the buffer before chunking it out. Only a clean io.EOF ends
		// the stream; a truncated body must reconnect instead.
		filled := 0
		var readErr error
		for filled < len(buffer) {
			n, err := res.Body.Read(buffer[filled:])
			filled += n
			if err != nil {
				readErr = err
				break
			}
		}
		for offset := 0; offset < filled; offset += s.opts.ChunkSize {
			chunkEnd := offset + s.opts.ChunkSize
			if chunkEnd > filled {
				chunkEnd = filled
			}
			n, err := w.Write(buffer[offset:chunkEnd])
			*written += int64(n)
			if err != nil {
				return writeError{err: err}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("Couldn't read upstream body: %v", readErr)
		}
	}
}

// parseRange splits a client "bytes=start-end" header. end stays a string
// because open-ended ranges have none.
func parseRange(rangeHeader string) (start int64, end string) {
	if rangeHeader == "" {
		return 0, ""
	}
	_, value, found := strings.Cut(rangeHeader, "=")
	if !found {
		return 0, ""
	}
	first, last, _ := strings.Cut(strings.TrimSpace(value), "-")
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		start = 0
	}
	return start, last
}
