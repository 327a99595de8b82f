package debrid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/ratelimit"
)

// Shared request budgets across all provider endpoints of one client.
const (
	globalRequestLimit  = 250
	globalRequestWindow = time.Minute
	torrentRequestLimit = 1
	torrentRequestWait  = time.Second
	maxAttempts         = 5
)

// statusError carries the HTTP status of a failed upstream call so the retry
// policy can tell transient from permanent failures.
type statusError struct {
	status int
	body   string
	url    string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("bad HTTP response status: %d (request to '%v')", e.status, e.url)
	}
	return fmt.Sprintf("bad HTTP response status: %d (request to '%v'; response body: '%s')", e.status, e.url, e.body)
}

// baseClient is the HTTP layer every provider client embeds. It owns the two
// sliding-window limiters and the retry policy (backoff on 429/5xx/network
// errors, immediate failure on other 4xx).
type baseClient struct {
	httpClient     *http.Client
	globalLimiter  *ratelimit.SlidingWindow
	torrentLimiter *ratelimit.SlidingWindow
	logger         *zap.Logger
}

func newBaseClient(timeout time.Duration, proxyURL string, logger *zap.Logger) (*baseClient, error) {
	transport := &http.Transport{
		MaxConnsPerHost:     50,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 50,
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("Couldn't parse proxy URL: %v", err)
		}
		// http, https, socks5 and socks5h are handled by the transport itself
		transport.Proxy = http.ProxyURL(parsed)
	}
	return &baseClient{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		globalLimiter:  ratelimit.New(globalRequestLimit, globalRequestWindow),
		torrentLimiter: ratelimit.New(torrentRequestLimit, torrentRequestWait),
		logger:         logger,
	}, nil
}

type requestOptions struct {
	headers map[string]string
	// The "torrents" subpaths get an extra 1 req/s budget
	torrentEndpoint bool
}

func (c *baseClient) get(ctx context.Context, reqURL string, opts requestOptions) ([]byte, error) {
	return c.do(ctx, "GET", reqURL, "", nil, opts)
}

func (c *baseClient) postForm(ctx context.Context, reqURL string, data url.Values, opts requestOptions) ([]byte, error) {
	return c.do(ctx, "POST", reqURL, "application/x-www-form-urlencoded", strings.NewReader(data.Encode()), opts)
}

func (c *baseClient) do(ctx context.Context, method, reqURL, contentType string, body io.Reader, opts requestOptions) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		if bodyBytes, err = io.ReadAll(body); err != nil {
			return nil, fmt.Errorf("Couldn't read request body: %v", err)
		}
	}

	var resBody []byte
	err := retry.Do(
		func() error {
			if err := c.globalLimiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			if opts.torrentEndpoint {
				if err := c.torrentLimiter.Wait(ctx); err != nil {
					return retry.Unrecoverable(err)
				}
			}

			var reader io.Reader
			if bodyBytes != nil {
				reader = strings.NewReader(string(bodyBytes))
			}
			req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("Couldn't create %v request: %v", method, err))
			}
			if contentType != "" {
				req.Header.Set("Content-Type", contentType)
			}
			for k, v := range opts.headers {
				req.Header.Set(k, v)
			}

			res, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("Couldn't send %v request: %v", method, err)
			}
			defer res.Body.Close()

			if res.StatusCode >= 400 {
				limited, _ := io.ReadAll(io.LimitReader(res.Body, 512))
				statusErr := &statusError{status: res.StatusCode, body: string(limited), url: reqURL}
				if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
					return statusErr
				}
				return retry.Unrecoverable(statusErr)
			}

			if resBody, err = io.ReadAll(res.Body); err != nil {
				return fmt.Errorf("Couldn't read response body: %v", err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(maxAttempts),
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			// 1+2^attempt seconds
			return time.Duration(1+math.Pow(2, float64(n))) * time.Second
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("Retrying request", zap.Uint("attempt", n+1), zap.String("url", reqURL), zap.Error(err))
		}),
	)
	return resBody, err
}

// IsNotFound reports whether an upstream error was an HTTP 404.
func IsNotFound(err error) bool {
	var statusErr *statusError
	return errors.As(err, &statusErr) && statusErr.status == http.StatusNotFound
}
