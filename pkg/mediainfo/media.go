// Package mediainfo holds the media model and the metadata clients that
// turn a Stremio stream ID into titles, year and episode info.
package mediainfo

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	KindMovie  = "movie"
	KindSeries = "series"
)

// Media is the normalized metadata for a search request.
// It's immutable within a request.
type Media struct {
	Kind   string   `json:"kind"`
	IMDBid string   `json:"imdb_id"`
	TMDBid int      `json:"tmdb_id,omitempty"`
	Titles []string `json:"titles"`
	// Movie only
	Year int `json:"year,omitempty"`
	// Series only
	Season  int `json:"season,omitempty"`
	Episode int `json:"episode,omitempty"`
	// User language preference, ordered
	Languages []string `json:"languages"`
}

// PrimaryTitle returns the first (best) known title.
func (m Media) PrimaryTitle() string {
	if len(m.Titles) == 0 {
		return ""
	}
	return m.Titles[0]
}

// PrimaryLanguage returns the first preferred language, defaulting to "en".
func (m Media) PrimaryLanguage() string {
	if len(m.Languages) == 0 {
		return "en"
	}
	return m.Languages[0]
}

// SeasonEpisodeTag returns for example "S03E07". Empty for movies.
func (m Media) SeasonEpisodeTag() string {
	if m.Kind != KindSeries {
		return ""
	}
	return fmt.Sprintf("S%02dE%02d", m.Season, m.Episode)
}

// ParseStreamID splits a Stremio stream ID into its IMDb ID and, for series,
// season and episode. Series IDs look like "tt0903747:3:7".
func ParseStreamID(kind, streamID string) (imdbID string, season, episode int, err error) {
	streamID = strings.TrimSuffix(streamID, ".json")
	if streamID == "" {
		return "", 0, 0, errors.New("empty stream ID")
	}
	parts := strings.Split(streamID, ":")
	imdbID = parts[0]
	if kind != KindSeries {
		return imdbID, 0, 0, nil
	}
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("series stream ID must look like \"ttXXX:season:episode\", got %q", streamID)
	}
	if season, err = strconv.Atoi(parts[1]); err != nil {
		return "", 0, 0, fmt.Errorf("Couldn't parse season from stream ID %q: %v", streamID, err)
	}
	if episode, err = strconv.Atoi(parts[2]); err != nil {
		return "", 0, 0, fmt.Errorf("Couldn't parse episode from stream ID %q: %v", streamID, err)
	}
	return imdbID, season, episode, nil
}
