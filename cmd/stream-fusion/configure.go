package main

import (
	_ "embed"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

//go:embed web/configure.html
var configureHTML []byte

// createRootHandler redirects the bare host to the configure page, which is
// where a browser visitor wants to end up.
func createRootHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Redirect("/configure", fiber.StatusFound)
	}
}

// createConfigureHandler serves the config builder page. It's compiled into
// the binary and runs entirely client-side: the page encodes the form into
// the base64 userData segment and hands out the install link, no settings
// touch the server. The same page handles "/:userData/configure", where its
// JavaScript pre-fills the form from the path for reconfiguration.
func createConfigureHandler(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		logger.Debug("configureHandler called")
		c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
		return c.Send(configureHTML)
	}
}
