package torrent

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var btihRx = regexp.MustCompile(`(?i)xt=urn:btih:([a-f0-9]{40})`)

// InfoHashFromMagnet extracts the 40-hex infohash from a magnet URI,
// lowercased. Returns "" when the magnet carries none (e.g. base32 hashes).
func InfoHashFromMagnet(magnet string) string {
	m := btihRx.FindStringSubmatch(magnet)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// TrackersFromMagnet extracts the decoded tracker URLs of a magnet URI.
func TrackersFromMagnet(magnet string) []string {
	parsed, err := url.Parse(magnet)
	if err != nil {
		return nil
	}
	return parsed.Query()["tr"]
}

// BuildMagnet assembles a magnet URI from infohash, display name and
// trackers.
func BuildMagnet(infoHash, name string, trackers []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "magnet:?xt=urn:btih:%s&dn=%s", strings.ToLower(infoHash), url.QueryEscape(name))
	for _, tracker := range trackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tracker))
	}
	return b.String()
}
