package debrid

import (
	"net/url"
	"strings"
)

var videoExtensions = map[string]bool{
	".3g2": true, ".3gp": true, ".avi": true, ".flv": true, ".m2ts": true,
	".m4v": true, ".mk3d": true, ".mkv": true, ".mov": true, ".mp2": true,
	".mp4": true, ".mpe": true, ".mpeg": true, ".mpg": true, ".mpv": true,
	".ogm": true, ".ogv": true, ".ts": true, ".webm": true, ".wmv": true,
}

func isVideoFile(path string) bool {
	dot := strings.LastIndex(path, ".")
	if dot == -1 {
		return false
	}
	return videoExtensions[strings.ToLower(path[dot:])]
}

func infoHashFromMagnet(magnet string) string {
	parsed, err := url.Parse(magnet)
	if err != nil {
		return ""
	}
	for _, xt := range parsed.Query()["xt"] {
		if strings.HasPrefix(xt, "urn:btih:") {
			hash := strings.ToLower(strings.TrimPrefix(xt, "urn:btih:"))
			if len(hash) == 40 {
				return hash
			}
		}
	}
	return ""
}
