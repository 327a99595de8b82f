// Package parser extracts structured data (resolution, codec, audio,
// season/episode, languages, release group) from torrent release names.
package parser

import (
	"regexp"
	"strconv"

	"github.com/moistari/rls"
)

// ParsedData is the normalized parse result for a release name.
// Parsing is total: every input yields a value, unknown fields stay empty.
type ParsedData struct {
	Title      string   `json:"title"`
	Year       int      `json:"year,omitempty"`
	Resolution string   `json:"resolution,omitempty"`
	Quality    string   `json:"quality,omitempty"` // Source, e.g. BluRay, WEB-DL, HDRip, CAM
	Codec      string   `json:"codec,omitempty"`
	Audio      []string `json:"audio,omitempty"`
	Group      string   `json:"group,omitempty"`
	Seasons    []int    `json:"seasons,omitempty"`
	Episodes   []int    `json:"episodes,omitempty"`
	Languages  []string `json:"languages,omitempty"`
}

var (
	// Season packs like "S01-S04" or "saison 1 a 4"
	seasonRangeRx = regexp.MustCompile(`(?i)\bS(\d{1,2})[\s.-]*(?:to|a|-)[\s.-]*S?(\d{1,2})\b`)
	// "3x07" style episode markers that some release names use instead of SxxEyy
	crossEpisodeRx = regexp.MustCompile(`(?i)\b(\d{1,2})x(\d{1,3})\b`)
)

// Parse extracts ParsedData from a raw release name.
func Parse(rawTitle string) ParsedData {
	r := rls.ParseString(rawTitle)

	parsed := ParsedData{
		Title:      r.Title,
		Year:       r.Year,
		Resolution: r.Resolution,
		Quality:    r.Source,
		Audio:      r.Audio,
		Group:      r.Group,
		Languages:  DetectLanguages(rawTitle, "en"),
	}
	if len(r.Codec) > 0 {
		parsed.Codec = r.Codec[0]
	}
	if r.Series > 0 {
		parsed.Seasons = []int{r.Series}
	}
	if r.Episode > 0 {
		parsed.Episodes = []int{r.Episode}
	}

	// rls keeps only a single season, expand packs like "S01-S04" ourselves
	if m := seasonRangeRx.FindStringSubmatch(rawTitle); m != nil {
		from, _ := strconv.Atoi(m[1])
		to, _ := strconv.Atoi(m[2])
		if from > 0 && to >= from && to-from < 50 {
			seasons := make([]int, 0, to-from+1)
			for s := from; s <= to; s++ {
				seasons = append(seasons, s)
			}
			parsed.Seasons = seasons
		}
	}
	if len(parsed.Seasons) == 0 || len(parsed.Episodes) == 0 {
		if m := crossEpisodeRx.FindStringSubmatch(rawTitle); m != nil {
			season, _ := strconv.Atoi(m[1])
			episode, _ := strconv.Atoi(m[2])
			if len(parsed.Seasons) == 0 && season > 0 {
				parsed.Seasons = []int{season}
			}
			if len(parsed.Episodes) == 0 && episode > 0 {
				parsed.Episodes = []int{episode}
			}
		}
	}

	return parsed
}

// MatchesEpisode reports whether the parse result covers the given episode.
// A season hit with no episode list counts as a match (season pack).
func (p ParsedData) MatchesEpisode(season, episode int) bool {
	if !containsInt(p.Seasons, season) {
		return false
	}
	if len(p.Episodes) == 0 {
		return true
	}
	return containsInt(p.Episodes, episode)
}

// SeasonEpisodeInFilename reports whether a file name carries the given
// season and episode marker, e.g. "S03E07" or "3x07".
func SeasonEpisodeInFilename(filename string, season, episode int) bool {
	parsed := Parse(filename)
	if containsInt(parsed.Seasons, season) && containsInt(parsed.Episodes, episode) {
		return true
	}
	// Parse only keeps the first cross-notation marker, so check them all
	for _, m := range crossEpisodeRx.FindAllStringSubmatch(filename, -1) {
		s, _ := strconv.Atoi(m[1])
		e, _ := strconv.Atoi(m[2])
		if s == season && e == episode {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
