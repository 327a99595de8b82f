package debrid

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Open-source app client ID RealDebrid hands out for the device code flow.
const realDebridOpenSourceClientID = "X245A4XAIBGVM"

const realDebridDeviceGrantType = "http://oauth.net/grant_type/device/1.0"

// TokenStore is the cache access tokens are kept in between refreshes.
// Satisfied by kv.Store.
type TokenStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type TokenManagerOptions struct {
	// RealDebrid OAuth host
	BaseURL string
	Timeout time.Duration
	// TTL used when the token response carries no expiry
	FallbackTTL time.Duration
}

func NewTokenManagerOpts(baseURL string, timeout, fallbackTTL time.Duration) TokenManagerOptions {
	return TokenManagerOptions{
		BaseURL:     baseURL,
		Timeout:     timeout,
		FallbackTTL: fallbackTTL,
	}
}

var DefaultTokenManagerOpts = TokenManagerOptions{
	BaseURL:     "https://api.real-debrid.com/oauth/v2",
	Timeout:     10 * time.Second,
	FallbackTTL: 12 * time.Hour,
}

// TokenManager refreshes RealDebrid OAuth access tokens from a device-flow
// refresh token and caches them until shortly before expiry. It also drives
// the initial device authorization that produces the refresh token.
type TokenManager struct {
	*baseClient
	baseURL     string
	fallbackTTL time.Duration
	store       TokenStore
	logger      *zap.Logger
}

func NewTokenManager(opts TokenManagerOptions, store TokenStore, logger *zap.Logger) (*TokenManager, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if store == nil {
		return nil, errors.New("store must not be nil")
	}

	base, err := newBaseClient(opts.Timeout, "", logger)
	if err != nil {
		return nil, err
	}
	return &TokenManager{
		baseClient:  base,
		baseURL:     opts.BaseURL,
		fallbackTTL: opts.FallbackTTL,
		store:       store,
		logger:      logger,
	}, nil
}

// AccessToken returns a valid access token for the given device credentials,
// refreshing and re-caching it when the cached one expired.
func (m *TokenManager) AccessToken(ctx context.Context, clientID, clientSecret, refreshToken string) (string, error) {
	// Precondition check
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return "", errors.New("clientID, clientSecret and refreshToken must not be empty")
	}

	cacheKey := tokenCacheKey(clientID, clientSecret, refreshToken)
	token, found, err := m.store.Get(ctx, cacheKey)
	if err != nil {
		m.logger.Error("Couldn't read access token from cache", zap.Error(err))
	} else if found {
		return token, nil
	}

	data := url.Values{}
	data.Set("client_id", clientID)
	data.Set("client_secret", clientSecret)
	data.Set("code", refreshToken)
	data.Set("grant_type", realDebridDeviceGrantType)
	resBody, err := m.postForm(ctx, m.baseURL+"/token", data, requestOptions{})
	if err != nil {
		return "", fmt.Errorf("Couldn't refresh access token: %v", err)
	}

	token = gjson.GetBytes(resBody, "access_token").String()
	if token == "" {
		return "", fmt.Errorf("no access token in response: %s", resBody)
	}
	ttl := m.fallbackTTL
	if expiresIn := gjson.GetBytes(resBody, "expires_in").Int(); expiresIn > 0 {
		// Refresh a minute early so in-flight requests don't race the expiry
		ttl = time.Duration(expiresIn)*time.Second - time.Minute
	}
	if ttl > 0 {
		if err := m.store.Set(ctx, cacheKey, token, ttl); err != nil {
			m.logger.Error("Couldn't cache access token", zap.Error(err))
		}
	}
	m.logger.Debug("Refreshed RealDebrid access token", zap.Duration("ttl", ttl))
	return token, nil
}

// DeviceAuth is the first half of the device code flow: the user visits
// VerificationURL and enters UserCode while the caller polls with DeviceCode.
type DeviceAuth struct {
	DeviceCode      string
	UserCode        string
	VerificationURL string
	ExpiresIn       int
	Interval        int
}

// StartDeviceAuth begins a device authorization for the open-source app.
func (m *TokenManager) StartDeviceAuth(ctx context.Context) (DeviceAuth, error) {
	params := url.Values{}
	params.Set("client_id", realDebridOpenSourceClientID)
	params.Set("new_credentials", "yes")
	resBody, err := m.get(ctx, m.baseURL+"/device/code?"+params.Encode(), requestOptions{})
	if err != nil {
		return DeviceAuth{}, fmt.Errorf("Couldn't request device code: %v", err)
	}
	res := gjson.ParseBytes(resBody)
	return DeviceAuth{
		DeviceCode:      res.Get("device_code").String(),
		UserCode:        res.Get("user_code").String(),
		VerificationURL: res.Get("verification_url").String(),
		ExpiresIn:       int(res.Get("expires_in").Int()),
		Interval:        int(res.Get("interval").Int()),
	}, nil
}

// PollDeviceCredentials checks whether the user approved the device yet.
// Returns found=false while the authorization is still pending.
func (m *TokenManager) PollDeviceCredentials(ctx context.Context, deviceCode string) (clientID, clientSecret string, found bool, err error) {
	params := url.Values{}
	params.Set("client_id", realDebridOpenSourceClientID)
	params.Set("code", deviceCode)
	resBody, err := m.get(ctx, m.baseURL+"/device/credentials?"+params.Encode(), requestOptions{})
	if err != nil {
		// RealDebrid answers 403 until the user entered the code
		var statusErr *statusError
		if errors.As(err, &statusErr) && statusErr.status < 500 {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("Couldn't poll device credentials: %v", err)
	}
	res := gjson.ParseBytes(resBody)
	clientID = res.Get("client_id").String()
	clientSecret = res.Get("client_secret").String()
	if clientID == "" || clientSecret == "" {
		return "", "", false, nil
	}
	return clientID, clientSecret, true, nil
}

// ExchangeDeviceCode trades approved device credentials for the long-lived
// refresh token (plus a first access token).
func (m *TokenManager) ExchangeDeviceCode(ctx context.Context, clientID, clientSecret, deviceCode string) (accessToken, refreshToken string, err error) {
	data := url.Values{}
	data.Set("client_id", clientID)
	data.Set("client_secret", clientSecret)
	data.Set("code", deviceCode)
	data.Set("grant_type", realDebridDeviceGrantType)
	resBody, err := m.postForm(ctx, m.baseURL+"/token", data, requestOptions{})
	if err != nil {
		return "", "", fmt.Errorf("Couldn't exchange device code: %v", err)
	}
	res := gjson.ParseBytes(resBody)
	return res.Get("access_token").String(), res.Get("refresh_token").String(), nil
}

func tokenCacheKey(clientID, clientSecret, refreshToken string) string {
	digest := sha256.Sum256([]byte(clientID + "|" + clientSecret + "|" + refreshToken))
	return "rd:token:" + hex.EncodeToString(digest[:])[:16]
}
