package main

import (
	"crypto/subtle"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/LimeDrive/stream-fusion/pkg/apikey"
	"github.com/LimeDrive/stream-fusion/pkg/userdata"
)

func createTimerMiddleware(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		logger.Debug("Handled request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("duration", time.Since(start)))
		return err
	}
}

func corsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("Access-Control-Allow-Origin", "*")
		c.Set("Access-Control-Allow-Headers", "*")
		c.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		if c.Method() == "OPTIONS" {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.Next()
	}
}

// createAuthMiddleware creates a middleware that checks the API key inside the
// user config of the request path.
func createAuthMiddleware(keys *apikey.Store, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		udString := c.Params("userData", "")
		if udString == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		cfg, err := userdata.Decode(udString)
		if err != nil {
			// It's most likely a client-side encoding error
			logger.Debug("Couldn't decode user config", zap.Error(err))
			return c.SendStatus(fiber.StatusBadRequest)
		}
		if cfg.APIKey == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		ok, err := keys.Check(c.Context(), cfg.APIKey)
		if err != nil {
			logger.Error("Couldn't check API key", zap.Error(err))
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		if !ok {
			return c.SendStatus(fiber.StatusForbidden)
		}

		// Note: We don't put the decoded config into the context, the handlers
		// decode it again themselves.

		return c.Next()
	}
}

// createAdminMiddleware guards the API key management endpoints. When no
// secret is configured the endpoints are disabled entirely.
func createAdminMiddleware(adminSecret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if adminSecret == "" {
			return c.SendStatus(fiber.StatusNotFound)
		}
		provided := c.Get("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(adminSecret)) != 1 {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		return c.Next()
	}
}
