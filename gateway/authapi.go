package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/paperbase/paperbase/auth"
	"github.com/paperbase/paperbase/common"
)

// setSessionCookies stores the token pair as HTTP-only cookies alongside
// the body response, so both browser and programmatic clients work.
func (g *Gateway) setSessionCookies(c echo.Context, pair *auth.TokenPair) {
	secure := !g.cfg.Server.Debug

	c.SetCookie(&http.Cookie{
		Name:     accessCookieName,
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   int(g.cfg.Auth.AccessTokenTTL().Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	c.SetCookie(&http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.RefreshToken,
		Path:     "/",
		MaxAge:   int(g.cfg.Auth.RefreshTokenTTL().Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookies expires both session cookies.
func (g *Gateway) clearSessionCookies(c echo.Context) {
	for _, name := range []string{accessCookieName, refreshCookieName} {
		c.SetCookie(&http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   !g.cfg.Server.Debug,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func (g *Gateway) register(c echo.Context) error {
	var req auth.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return common.JSONError(c, http.StatusBadRequest, "malformed request body")
	}

	user, pair, err := g.auth.Register(c.Request().Context(), req,
		c.Request().UserAgent(), c.RealIP())
	if err != nil {
		return writeIdentityError(c, err)
	}

	g.setSessionCookies(c, pair)
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"user":          user,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"token_type":    pair.TokenType,
		"expires_in":    pair.ExpiresIn,
	})
}

func (g *Gateway) login(c echo.Context) error {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return common.JSONError(c, http.StatusBadRequest, "malformed request body")
	}

	_, pair, err := g.auth.Login(c.Request().Context(), req.Email, req.Password,
		c.Request().UserAgent(), c.RealIP())
	if err != nil {
		return writeIdentityError(c, err)
	}

	g.setSessionCookies(c, pair)
	return c.JSON(http.StatusOK, pair)
}

// refresh accepts the refresh token in the body or the refresh cookie.
func (g *Gateway) refresh(c echo.Context) error {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = c.Bind(&req)
	if req.RefreshToken == "" {
		if cookie, err := c.Cookie(refreshCookieName); err == nil {
			req.RefreshToken = cookie.Value
		}
	}
	if req.RefreshToken == "" {
		return common.JSONError(c, http.StatusBadRequest, "refresh token required")
	}

	_, pair, err := g.auth.Refresh(c.Request().Context(), req.RefreshToken,
		c.Request().UserAgent(), c.RealIP())
	if err != nil {
		return writeIdentityError(c, err)
	}

	g.setSessionCookies(c, pair)
	return c.JSON(http.StatusOK, pair)
}

func (g *Gateway) logout(c echo.Context) error {
	if claims := currentClaims(c); claims != nil {
		if err := g.auth.Logout(c.Request().Context(), claims); err != nil {
			common.Logger.WithError(err).Error("logout failed")
			return common.JSONError(c, http.StatusInternalServerError, "logout failed")
		}
	}
	g.clearSessionCookies(c)
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

func (g *Gateway) me(c echo.Context) error {
	return c.JSON(http.StatusOK, currentUser(c))
}

func (g *Gateway) updateMe(c echo.Context) error {
	var req auth.UpdateUserRequest
	if err := c.Bind(&req); err != nil {
		return common.JSONError(c, http.StatusBadRequest, "malformed request body")
	}

	user, err := g.auth.UpdateProfile(c.Request().Context(), currentUser(c).ID, req)
	if err != nil {
		return writeIdentityError(c, err)
	}
	return c.JSON(http.StatusOK, user)
}

func (g *Gateway) changePassword(c echo.Context) error {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := c.Bind(&req); err != nil {
		return common.JSONError(c, http.StatusBadRequest, "malformed request body")
	}

	err := g.auth.ChangePassword(c.Request().Context(), currentUser(c).ID,
		req.CurrentPassword, req.NewPassword)
	if err != nil {
		return writeIdentityError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

func (g *Gateway) createAPIKey(c echo.Context) error {
	var req struct {
		Label      string `json:"label"`
		ExpiresInH *int   `json:"expires_in_hours,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return common.JSONError(c, http.StatusBadRequest, "malformed request body")
	}

	var ttl *time.Duration
	if req.ExpiresInH != nil {
		if *req.ExpiresInH <= 0 {
			return common.JSONError(c, http.StatusBadRequest, "expires_in_hours must be positive")
		}
		d := time.Duration(*req.ExpiresInH) * time.Hour
		ttl = &d
	}

	created, err := g.auth.CreateAPIKey(c.Request().Context(), currentUser(c).ID, req.Label, ttl)
	if err != nil {
		common.Logger.WithError(err).Error("api key creation failed")
		return common.JSONError(c, http.StatusInternalServerError, "api key creation failed")
	}
	return c.JSON(http.StatusCreated, created)
}

func (g *Gateway) listAPIKeys(c echo.Context) error {
	keys, err := g.auth.ListAPIKeys(c.Request().Context(), currentUser(c).ID)
	if err != nil {
		common.Logger.WithError(err).Error("api key listing failed")
		return common.JSONError(c, http.StatusInternalServerError, "listing failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"api_keys": keys})
}

func (g *Gateway) revokeAPIKey(c echo.Context) error {
	err := g.auth.RevokeAPIKey(c.Request().Context(), currentUser(c).ID, c.Param("id"))
	if err != nil {
		if errors.Is(err, auth.ErrAPIKeyNotFound) {
			return common.JSONError(c, http.StatusNotFound, "api key not found")
		}
		common.Logger.WithError(err).Error("api key revocation failed")
		return common.JSONError(c, http.StatusInternalServerError, "revocation failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

func (g *Gateway) adminListUsers(c echo.Context) error {
	skip, _ := strconv.Atoi(c.QueryParam("skip"))
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	users, err := g.auth.ListUsers(c.Request().Context(), skip, limit)
	if err != nil {
		common.Logger.WithError(err).Error("user listing failed")
		return common.JSONError(c, http.StatusInternalServerError, "listing failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"users": users})
}

func (g *Gateway) adminCreateUser(c echo.Context) error {
	var req auth.CreateUserRequest
	if err := c.Bind(&req); err != nil {
		return common.JSONError(c, http.StatusBadRequest, "malformed request body")
	}

	user, err := g.auth.AdminCreateUser(c.Request().Context(), req)
	if err != nil {
		return writeIdentityError(c, err)
	}
	return c.JSON(http.StatusCreated, user)
}

func (g *Gateway) adminUpdateUser(c echo.Context) error {
	var req auth.UpdateUserRequest
	if err := c.Bind(&req); err != nil {
		return common.JSONError(c, http.StatusBadRequest, "malformed request body")
	}

	user, err := g.auth.AdminUpdateUser(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return writeIdentityError(c, err)
	}
	return c.JSON(http.StatusOK, user)
}

func (g *Gateway) adminSetDisabled(disabled bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, err := g.auth.AdminUpdateUser(c.Request().Context(), c.Param("id"),
			auth.UpdateUserRequest{Disabled: &disabled})
		if err != nil {
			return writeIdentityError(c, err)
		}
		return c.JSON(http.StatusOK, user)
	}
}

// writeIdentityError maps identity-core errors onto the HTTP error
// contract: validation 400, bad credentials 401, policy 403, duplicate 409.
func writeIdentityError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrEmptyPassword),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrWeakPassword):
		return common.JSONError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenRevoked),
		errors.Is(err, auth.ErrWrongTokenType):
		return common.JSONError(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrAccountDisabled),
		errors.Is(err, auth.ErrRegistrationDisabled):
		return common.JSONError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrUserExists):
		return common.JSONError(c, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrUserNotFound):
		return common.JSONError(c, http.StatusNotFound, err.Error())
	default:
		common.Logger.WithError(err).Error("identity operation failed")
		return common.JSONError(c, http.StatusInternalServerError, "identity operation failed")
	}
}
