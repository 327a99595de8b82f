// Package debrid contains the shared contract and HTTP plumbing for the
// cloud torrent-caching providers (RealDebrid, AllDebrid, TorBox,
// Premiumize).
package debrid

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// NoCacheVideoURL is the stub video served while a torrent is still being
// cached at the provider. It must stay a resolvable media file.
const NoCacheVideoURL = "https://github.com/aymene69/stremio-jackett/raw/main/source/videos/nocache.mp4"

// Provider tags, also used as the availability marker on results.
const (
	TagRealDebrid = "RD"
	TagAllDebrid  = "AD"
	TagTorbox     = "TB"
	TagPremiumize = "PM"
	// TagDownload marks a "start caching now" playback request rather than a provider.
	TagDownload = "DL"
)

// FileCandidate is one cached file a provider reports for an infohash.
type FileCandidate struct {
	// 1-based index within the torrent, 0 when the provider doesn't expose it
	Index int
	Name  string
	Size  int64
}

// Availability is the flattened result of a bulk availability check:
// per infohash, the cached files the provider knows about. Each provider
// client reduces its own wire format (variant maps, folder trees, positional
// lists) to this shape.
type Availability struct {
	Provider string
	Items    map[string][]FileCandidate
}

// Query is the playback selection the search response embeds into stream
// URLs, round-tripped through base64 JSON.
type Query struct {
	Magnet          string `json:"magnet"`
	Type            string `json:"type"`
	FileIndex       int    `json:"file_index,omitempty"`
	Season          int    `json:"season,omitempty"`
	Episode         int    `json:"episode,omitempty"`
	TorrentDownload string `json:"torrent_download,omitempty"`
	Service         string `json:"service"`
}

// DecodeQuery parses a base64 playback query.
func DecodeQuery(encoded string) (Query, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Stream URLs escape "=" as "%3D", some players pass it through raw
		raw, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return Query{}, fmt.Errorf("Couldn't decode query: %v", err)
		}
	}
	var q Query
	if err := json.Unmarshal(raw, &q); err != nil {
		return Query{}, fmt.Errorf("Couldn't unmarshal query: %v", err)
	}
	return q, nil
}

// Encode returns the base64 JSON form of the query.
func (q Query) Encode() (string, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("Couldn't marshal query: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Service is the common contract of a debrid provider.
type Service interface {
	// Tag returns the short provider tag, e.g. "RD".
	Tag() string
	// GetAvailabilityBulk checks which of the given infohashes are already
	// cached. Idempotent; an empty input yields an empty response.
	GetAvailabilityBulk(ctx context.Context, infoHashes []string, clientIP string) (Availability, error)
	// AddMagnetOrTorrent starts caching a torrent, either by magnet or by
	// uploading the .torrent fetched from torrentURL. Returns the provider's
	// torrent handle.
	AddMagnetOrTorrent(ctx context.Context, magnet, torrentURL, clientIP string) (string, error)
	// GetStreamLink turns a playback selection into a direct HTTP URL.
	// While the torrent is still caching it returns NoCacheVideoURL.
	GetStreamLink(ctx context.Context, q Query, clientIP string) (string, error)
}
