// Package fiber provides Fiber middleware for feature gating
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/subgate/pkg/subgate"
)

// SessionKey is the Fiber locals key under which the resolved session is stored
const SessionKey = "subgate.session"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Evaluator resolves sessions and feature limits (required)
	Evaluator *subgate.Evaluator

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnFeatureDenied is called when the session's plan does not include the feature
	// If nil, returns 403 JSON with error "feature_access_denied"
	OnFeatureDenied func(c *fiber.Ctx, feature string) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// RequireFeature creates a Fiber middleware that rejects requests whose session
// does not include feature.
func RequireFeature(cfg Config, feature string) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Evaluator == nil {
		panic("subgate/fiber: Config.Evaluator is required")
	}
	if cfg.GetUserID == nil {
		panic("subgate/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		// Fiber uses fasthttp, so the request context comes from c.UserContext()
		ctx := c.UserContext()

		session, ok := GetSession(c)
		if !ok {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			var err error
			session, err = cfg.Evaluator.ResolveSession(ctx, userID)
			if err != nil {
				return handleError(cfg, c, err)
			}
			c.Locals(SessionKey, session)
			c.SetUserContext(subgate.WithSession(ctx, session))
		}

		allowed, err := cfg.Evaluator.HasFeature(ctx, session, feature)
		if err != nil {
			return handleError(cfg, c, err)
		}
		if !allowed {
			if cfg.OnFeatureDenied != nil {
				return cfg.OnFeatureDenied(c, feature)
			}
			return defaultFeatureDenied(c, feature)
		}

		return c.Next()
	}
}

// GetSession returns the session stored by RequireFeature
func GetSession(c *fiber.Ctx) (*subgate.Session, bool) {
	session, ok := c.Locals(SessionKey).(*subgate.Session)
	return session, ok && session != nil
}

func handleError(cfg Config, c *fiber.Ctx, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return defaultError(c, err)
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultFeatureDenied(c *fiber.Ctx, feature string) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"error":   "feature_access_denied",
		"feature": feature,
	})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
// set by an auth middleware via c.Locals("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
