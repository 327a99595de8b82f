// Package torrent holds the normalized result model shared by all indexer
// adapters, the .torrent post-processor and the smart container.
package torrent

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/LimeDrive/stream-fusion/pkg/debrid"
	"github.com/LimeDrive/stream-fusion/pkg/mediainfo"
	"github.com/LimeDrive/stream-fusion/pkg/parser"
)

const (
	PrivacyPublic  = "public"
	PrivacyPrivate = "private"
)

// File is one entry of a multi-file torrent.
type File struct {
	// 1-based position within the torrent's file list
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

// IndexedFile is a video file of a torrent with its parsed episode info,
// kept for later best-matching when no single file could be selected.
type IndexedFile struct {
	FileIndex int    `json:"file_index"`
	FileName  string `json:"file_name"`
	Seasons   []int  `json:"seasons"`
	Episodes  []int  `json:"episodes"`
	Size      int64  `json:"size"`
}

// Item is the normalized torrent result.
// Created by indexer adapters, enriched by the post-processor and the smart
// container, frozen once it enters the stream cache.
type Item struct {
	RawTitle string `json:"raw_title"`
	Size     int64  `json:"size"`
	Magnet   string `json:"magnet,omitempty"`
	// 40 lowercase hex chars when set
	InfoHash  string   `json:"info_hash,omitempty"`
	Link      string   `json:"link,omitempty"`
	Seeders   int      `json:"seeders"`
	Languages []string `json:"languages"`
	Indexer   string   `json:"indexer"`
	Privacy   string   `json:"privacy"`
	Type      string   `json:"type"`
	FromCache bool     `json:"from_cache,omitempty"`

	Trackers []string `json:"trackers,omitempty"`
	// Non-empty iff the torrent is multi-file
	Files []File `json:"files,omitempty"`
	// URL to re-download the .torrent at playback time
	TorrentDownload string        `json:"torrent_download,omitempty"`
	FileIndex       int           `json:"file_index,omitempty"` // 1-based
	FileName        string        `json:"file_name,omitempty"`
	FullIndex       []IndexedFile `json:"full_index,omitempty"`

	// "" while unknown, then a provider tag like "RD". Never regresses.
	Availability string `json:"availability,omitempty"`

	ParsedData parser.ParsedData `json:"parsed_data"`
}

// ID returns the item's identity: the infohash when known, else a synthetic
// 16-hex digest over raw title, size and indexer.
func (it *Item) ID() string {
	if it.InfoHash != "" {
		return it.InfoHash
	}
	sum := sha256.Sum256([]byte(it.RawTitle + "|" + strconv.FormatInt(it.Size, 10) + "|" + it.Indexer))
	return hex.EncodeToString(sum[:])[:16]
}

// ToQuery builds the playback query that gets embedded into stream URLs.
func (it *Item) ToQuery(media mediainfo.Media, service string) debrid.Query {
	q := debrid.Query{
		Magnet:          it.Magnet,
		Type:            it.Type,
		FileIndex:       it.FileIndex,
		TorrentDownload: it.TorrentDownload,
		Service:         service,
	}
	if media.Kind == mediainfo.KindSeries {
		q.Season = media.Season
		q.Episode = media.Episode
	}
	return q
}
