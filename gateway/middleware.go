// Package gateway terminates all external HTTP for Paperbase: it
// authenticates requests, enforces roles and rate limits, proxies document
// and search operations to the backing services, runs the LLM analysis
// surface, and aggregates health and statistics.
package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/paperbase/paperbase/auth"
	"github.com/paperbase/paperbase/cache"
	"github.com/paperbase/paperbase/common"
	"github.com/paperbase/paperbase/config"
)

// Context keys set by the auth middleware.
const (
	ctxUserKey   = "gateway.user"
	ctxClaimsKey = "gateway.claims"
)

// Cookie names for browser sessions.
const (
	accessCookieName  = "access_token"
	refreshCookieName = "refresh_token"
)

// currentUser returns the authenticated user, or nil on anonymous
// requests (auth disabled or optional).
func currentUser(c echo.Context) *auth.User {
	user, _ := c.Get(ctxUserKey).(*auth.User)
	return user
}

func currentClaims(c echo.Context) *auth.Claims {
	claims, _ := c.Get(ctxClaimsKey).(*auth.Claims)
	return claims
}

// bearerToken extracts the Authorization bearer value, if any.
func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// Authenticator resolves credentials into users. *auth.Service satisfies
// it.
type Authenticator interface {
	Authenticate(ctx echo.Context) (*auth.User, *auth.Claims, error)
}

// authResolver implements the credential resolution order: programmatic
// API key, then bearer access token, then the access cookie.
type authResolver struct {
	svc *auth.Service
}

func (r *authResolver) Authenticate(c echo.Context) (*auth.User, *auth.Claims, error) {
	ctx := c.Request().Context()

	if token := bearerToken(c); token != "" {
		if strings.HasPrefix(token, auth.APIKeyPrefix) {
			user, err := r.svc.ResolveAPIKey(ctx, token)
			return user, nil, err
		}
		user, claims, err := r.svc.Authenticate(ctx, token)
		return user, claims, err
	}

	if apiKey := c.Request().Header.Get("X-API-Key"); apiKey != "" {
		user, err := r.svc.ResolveAPIKey(ctx, apiKey)
		return user, nil, err
	}

	if cookie, err := c.Cookie(accessCookieName); err == nil && cookie.Value != "" {
		user, claims, err := r.svc.Authenticate(ctx, cookie.Value)
		return user, claims, err
	}

	return nil, nil, auth.ErrInvalidToken
}

// authMiddleware authenticates every request on the group. When required
// is false, anonymous requests pass through without a user.
func (g *Gateway) authMiddleware(required bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !g.cfg.Gateway.EnableAuth {
				return next(c)
			}

			user, claims, err := g.resolver.Authenticate(c)
			if err != nil {
				if !required {
					return next(c)
				}
				return writeAuthError(c, err)
			}

			c.Set(ctxUserKey, user)
			if claims != nil {
				c.Set(ctxClaimsKey, claims)
			}
			// Service-to-service calls made for this request stay scoped
			// to the acting user.
			c.SetRequest(c.Request().WithContext(
				withActingUser(c.Request().Context(), user.ID)))
			return next(c)
		}
	}
}

// requireAuth rejects anonymous requests on gated routes even when the
// group middleware ran in optional mode.
func (g *Gateway) requireAuth(write bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !g.cfg.Gateway.EnableAuth {
				return next(c)
			}
			required := g.cfg.Gateway.RequireAuthForRead
			if write {
				required = g.cfg.Gateway.RequireAuthForWrite
			}
			if required && currentUser(c) == nil {
				return common.JSONError(c, http.StatusUnauthorized, "authentication required")
			}
			return next(c)
		}
	}
}

// requireAdmin revalidates the role against the live user record; a stale
// admin claim after demotion does not pass.
func (g *Gateway) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		user := currentUser(c)
		if user == nil {
			return common.JSONError(c, http.StatusUnauthorized, "authentication required")
		}
		if !user.IsAdmin() {
			return common.JSONError(c, http.StatusForbidden, "admin role required")
		}
		return next(c)
	}
}

func writeAuthError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, auth.ErrAccountDisabled):
		return common.JSONError(c, http.StatusForbidden, "account disabled")
	case errors.Is(err, auth.ErrExpiredToken):
		return common.JSONError(c, http.StatusUnauthorized, "token expired")
	case errors.Is(err, auth.ErrTokenRevoked):
		return common.JSONError(c, http.StatusUnauthorized, "token revoked")
	default:
		return common.JSONError(c, http.StatusUnauthorized, "invalid or missing credentials")
	}
}

// rateLimiter enforces the per-user sliding window on write operations.
// The window interpolates between the previous and current minute buckets,
// so a burst at a minute boundary cannot double the allowance.
type rateLimiter struct {
	store cache.Store
	limit int
	now   func() time.Time
}

func newRateLimiter(store cache.Store, cfg config.GatewayConfig) *rateLimiter {
	return &rateLimiter{store: store, limit: cfg.RateLimitRequests, now: time.Now}
}

const rateWindow = time.Minute

func rateKey(userID string, bucket int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", userID, bucket)
}

// Allow records one request and reports whether it fits the window.
// retryAfter is the suggested wait in seconds when denied.
func (l *rateLimiter) Allow(c echo.Context, userID string) (allowed bool, retryAfter int, err error) {
	ctx := c.Request().Context()
	now := l.now()
	bucket := now.Unix() / 60

	current, err := l.store.Increment(ctx, rateKey(userID, bucket), 2*rateWindow)
	if err != nil {
		return false, 0, err
	}
	previous, err := l.store.Count(ctx, rateKey(userID, bucket-1))
	if err != nil {
		return false, 0, err
	}

	elapsed := float64(now.Unix()%60) / 60
	weighted := float64(previous)*(1-elapsed) + float64(current)
	if weighted <= float64(l.limit) {
		return true, 0, nil
	}

	retryAfter = 60 - int(now.Unix()%60)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}

// rateLimitMiddleware applies the limiter to mutating requests. Anonymous
// requests share one counter keyed by client IP.
func (g *Gateway) rateLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !g.cfg.Gateway.EnableRateLimiting || g.limiter == nil {
			return next(c)
		}
		switch c.Request().Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return next(c)
		}

		key := c.RealIP()
		if user := currentUser(c); user != nil {
			key = user.ID
		}

		allowed, retryAfter, err := g.limiter.Allow(c, key)
		if err != nil {
			common.Logger.WithError(err).Warn("rate limit store unavailable, letting request pass")
			return next(c)
		}
		if !allowed {
			c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			return common.JSONError(c, http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next(c)
	}
}
