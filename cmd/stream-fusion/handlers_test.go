package main

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

func newWebTestApp() *fiber.App {
	logger := zap.NewNop()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/", createRootHandler())
	app.Get("/configure", createConfigureHandler(logger))
	app.Get("/:userData/configure", createConfigureHandler(logger))
	app.Get("/manifest.json", createBaseManifestHandler(logger))
	return app
}

func TestRootRedirectsToConfigure(t *testing.T) {
	app := newWebTestApp()

	res, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusFound, res.StatusCode)
	require.Equal(t, "/configure", res.Header.Get("Location"))
}

func TestConfigurePage(t *testing.T) {
	app := newWebTestApp()

	// Fresh configuration and reconfiguration with a config in the path
	for _, path := range []string{"/configure", "/eyJhcGlLZXkiOiJrIn0%3D/configure"} {
		res, err := app.Test(httptest.NewRequest("GET", path, nil))
		require.NoError(t, err)
		require.Equal(t, fiber.StatusOK, res.StatusCode)
		require.Contains(t, res.Header.Get("Content-Type"), "text/html")

		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), `id="apiKey"`)
		require.Contains(t, string(body), "manifest.json")
	}
}

func TestBaseManifestUnauthenticated(t *testing.T) {
	app := newWebTestApp()

	res, err := app.Test(httptest.NewRequest("GET", "/manifest.json", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, res.StatusCode)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	manifest := gjson.ParseBytes(body)
	require.Equal(t, "community.streamfusion", manifest.Get("id").String())
	require.True(t, manifest.Get("behaviorHints.configurable").Bool())
	require.True(t, manifest.Get("behaviorHints.configurationRequired").Bool())
}

func TestConfiguredManifestInstallable(t *testing.T) {
	// The per-user manifest must not flag configurationRequired, otherwise
	// Stremio refuses to install the addon
	raw, err := json.Marshal(newManifest(false))
	require.NoError(t, err)
	manifest := gjson.ParseBytes(raw)
	require.True(t, manifest.Get("behaviorHints.configurable").Bool())
	require.False(t, manifest.Get("behaviorHints.configurationRequired").Bool())
}
