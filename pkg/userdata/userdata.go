// Package userdata handles the per-request addon configuration that Stremio
// embeds into the addon URL as base64 JSON.
package userdata

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// RDCredentials is the OAuth credential set of a RealDebrid device-flow
// login. The access token is derived from the refresh token lazily.
type RDCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

// Config is the decoded per-request configuration.
type Config struct {
	APIKey string `json:"apiKey"`

	Languages         []string `json:"languages"`
	MaxSizeGiB        float64  `json:"maxSize,omitempty"`
	Exclusion         []string `json:"exclusion,omitempty"`
	ExclusionKeywords []string `json:"exclusionKeywords,omitempty"`
	ResultsPerQuality int      `json:"resultsPerQuality,omitempty"`
	MaxResults        int      `json:"maxResults,omitempty"`
	MinCachedResults  int      `json:"minCachedResults,omitempty"`
	Sort              string   `json:"sort,omitempty"`

	// Feature toggles
	Cache      bool `json:"cache"`
	Zilean     bool `json:"zilean"`
	Yggflix    bool `json:"yggflix"`
	Sharewood  bool `json:"sharewood"`
	Jackett    bool `json:"jackett"`
	Debrid     bool `json:"debrid"`
	Torrenting bool `json:"torrenting"`

	// Default provider tag for playback: RD | AD | TB | DL
	Service string `json:"service,omitempty"`
	// Provider used for "download now" requests
	DebridDownloader string `json:"debridDownloader,omitempty"`

	MetadataProvider string `json:"metadataProvider,omitempty"`
	AddonHost        string `json:"addonHost,omitempty"`

	RDToken          string         `json:"RDToken,omitempty"`
	RDCredentials    *RDCredentials `json:"debridKey,omitempty"`
	ADToken          string         `json:"ADToken,omitempty"`
	TBToken          string         `json:"TBToken,omitempty"`
	YggPasskey       string         `json:"yggPasskey,omitempty"`
	SharewoodPasskey string         `json:"sharewoodPasskey,omitempty"`

	// Deprecated single-language field, kept for old installations
	Language string `json:"language,omitempty"`
}

const (
	defaultResultsPerQuality = 5
	defaultMaxResults        = 30
	defaultMinCachedResults  = 5
	defaultSort              = "quality"
	defaultMetadataProvider  = "cinemeta"
)

// Decode parses a base64 JSON config as found in the addon URL path.
// Legacy fields are backfilled and defaults applied.
func Decode(encoded string) (Config, error) {
	if encoded == "" {
		return Config{}, errors.New("empty config")
	}
	// Stream URLs escape "=" as "%3D"
	if unescaped, err := url.PathUnescape(encoded); err == nil {
		encoded = unescaped
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		if raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "=")); err != nil {
			return Config{}, fmt.Errorf("Couldn't decode config: %v", err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("Couldn't unmarshal config: %v", err)
	}

	// Old installations carry a single "language" instead of "languages"
	if len(cfg.Languages) == 0 && cfg.Language != "" {
		cfg.Languages = []string{cfg.Language}
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"en"}
	}
	if cfg.ResultsPerQuality <= 0 {
		cfg.ResultsPerQuality = defaultResultsPerQuality
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.MinCachedResults <= 0 {
		cfg.MinCachedResults = defaultMinCachedResults
	}
	if cfg.Sort == "" {
		cfg.Sort = defaultSort
	}
	if cfg.MetadataProvider == "" {
		cfg.MetadataProvider = defaultMetadataProvider
	}

	return cfg, nil
}

// Encode returns the base64 JSON form of the config, as embedded into
// stream URLs.
func (c Config) Encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("Couldn't marshal config: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
