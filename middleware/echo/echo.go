// Package echo provides Echo middleware for feature gating
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subgate/pkg/subgate"
)

// SessionKey is the Echo context key under which the resolved session is stored
const SessionKey = "subgate.session"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Evaluator resolves sessions and feature limits (required)
	Evaluator *subgate.Evaluator

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnFeatureDenied is called when the session's plan does not include the feature
	// If nil, returns 403 JSON with error "feature_access_denied"
	OnFeatureDenied func(c echo.Context, feature string) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// RequireFeature creates an Echo middleware that rejects requests whose session
// does not include feature.
func RequireFeature(cfg Config, feature string) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Evaluator == nil {
		panic("subgate/echo: Config.Evaluator is required")
	}
	if cfg.GetUserID == nil {
		panic("subgate/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
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
				session, err = cfg.Evaluator.ResolveSession(c.Request().Context(), userID)
				if err != nil {
					return handleError(cfg, c, err)
				}
				c.Set(SessionKey, session)
				c.SetRequest(c.Request().WithContext(subgate.WithSession(c.Request().Context(), session)))
			}

			allowed, err := cfg.Evaluator.HasFeature(c.Request().Context(), session, feature)
			if err != nil {
				return handleError(cfg, c, err)
			}
			if !allowed {
				if cfg.OnFeatureDenied != nil {
					return cfg.OnFeatureDenied(c, feature)
				}
				return defaultFeatureDenied(c, feature)
			}

			return next(c)
		}
	}
}

// GetSession returns the session stored by RequireFeature
func GetSession(c echo.Context) (*subgate.Session, bool) {
	session, ok := c.Get(SessionKey).(*subgate.Session)
	return session, ok && session != nil
}

func handleError(cfg Config, c echo.Context, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return defaultError(c, err)
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultFeatureDenied(c echo.Context, feature string) error {
	return c.JSON(http.StatusForbidden, map[string]string{
		"error":   "feature_access_denied",
		"feature": feature,
	})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an auth middleware via c.Set("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
