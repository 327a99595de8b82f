package userdata

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeDefaults(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte(`{"apiKey":"123e4567-e89b-12d3-a456-426614174000","debrid":true}`))

	cfg, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, "123e4567-e89b-12d3-a456-426614174000", cfg.APIKey)
	require.True(t, cfg.Debrid)
	require.Equal(t, []string{"en"}, cfg.Languages)
	require.Equal(t, 5, cfg.ResultsPerQuality)
	require.Equal(t, 5, cfg.MinCachedResults)
	require.Equal(t, "quality", cfg.Sort)
	require.Equal(t, "cinemeta", cfg.MetadataProvider)
}

func TestDecodeLegacyLanguage(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte(`{"apiKey":"k","language":"fr"}`))

	cfg, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, []string{"fr"}, cfg.Languages)
}

func TestDecodeEscapedPadding(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte(`{"apiKey":"k"}`))
	escaped := strings.ReplaceAll(encoded, "=", "%3D")

	cfg, err := Decode(escaped)
	require.NoError(t, err)
	require.Equal(t, "k", cfg.APIKey)
}

func TestRoundTrip(t *testing.T) {
	cfg := Config{
		APIKey:            "123e4567-e89b-12d3-a456-426614174000",
		Languages:         []string{"fr", "en"},
		MaxSizeGiB:        15,
		Exclusion:         []string{"CAM", "HEVC"},
		ExclusionKeywords: []string{"telesync"},
		ResultsPerQuality: 3,
		MaxResults:        20,
		MinCachedResults:  5,
		Sort:              "qualitythensize",
		Cache:             true,
		Zilean:            true,
		Debrid:            true,
		Service:           "RD",
		MetadataProvider:  "tmdb",
		AddonHost:         "https://addon.example.com",
		RDToken:           "token",
	}

	encoded, err := cfg.Encode()
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, cfg, decoded)
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode("")
	require.Error(t, err)
	_, err = Decode("%%%")
	require.Error(t, err)
	_, err = Decode(base64.StdEncoding.EncodeToString([]byte("not json")))
	require.Error(t, err)
}
