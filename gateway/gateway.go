package gateway

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/paperbase/paperbase/auth"
	"github.com/paperbase/paperbase/cache"
	"github.com/paperbase/paperbase/config"
	"github.com/paperbase/paperbase/llm"
)

// apiPrefix versions the external surface.
const apiPrefix = "/api/v1"

// Gateway is the external HTTP surface of Paperbase.
type Gateway struct {
	cfg      *config.Config
	auth     *auth.Service
	resolver Authenticator
	cache    cache.Store
	limiter  *rateLimiter
	stats    *Stats

	docProxy     *Proxy
	vectorProxy  *Proxy
	vectorHealth VectorHealthClient
	docClient    *DocClient

	llm    *llm.Service
	llmAPI *llm.API
}

// Deps bundles the gateway's collaborators.
type Deps struct {
	Auth         *auth.Service
	Cache        cache.Store
	DocProxy     *Proxy
	VectorProxy  *Proxy
	VectorHealth VectorHealthClient
	LLM          *llm.Service
}

// New assembles the gateway.
func New(cfg *config.Config, deps Deps) *Gateway {
	g := &Gateway{
		cfg:          cfg,
		auth:         deps.Auth,
		resolver:     &authResolver{svc: deps.Auth},
		cache:        deps.Cache,
		limiter:      newRateLimiter(deps.Cache, cfg.Gateway),
		stats:        NewStats(),
		docProxy:     deps.DocProxy,
		vectorProxy:  deps.VectorProxy,
		vectorHealth: deps.VectorHealth,
		docClient:    NewDocClient(deps.DocProxy),
		llm:          deps.LLM,
		llmAPI:       llm.NewAPI(deps.LLM),
	}
	return g
}

// DocumentSource exposes the gateway's user-scoped document reader, used
// to back the LLM service.
func (g *Gateway) DocumentSource() *DocClient { return g.docClient }

// Register mounts the full /api/v1 surface on e.
func (g *Gateway) Register(e *echo.Echo) {
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     g.cfg.Gateway.CORSOrigins,
		AllowCredentials: true,
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization, "X-API-Key",
		},
		// Browser sessions are cookie-based across origins.
		ExposeHeaders: []string{echo.HeaderSetCookie},
	}))

	api := e.Group(apiPrefix, g.statsMiddleware, g.authMiddleware(false))

	api.GET("/health", g.healthHandler)
	api.GET("/stats", g.statsHandler)

	// Identity surface.
	authGroup := api.Group("/auth")
	authGroup.POST("/register", g.register, g.rateLimitMiddleware)
	authGroup.POST("/login", g.login, g.rateLimitMiddleware)
	authGroup.POST("/refresh", g.refresh)
	authGroup.POST("/logout", g.logout, g.requireUser)
	authGroup.GET("/me", g.me, g.requireUser)
	authGroup.PUT("/me", g.updateMe, g.requireUser)
	authGroup.POST("/change-password", g.changePassword, g.requireUser)
	authGroup.POST("/api-keys", g.createAPIKey, g.requireUser)
	authGroup.GET("/api-keys", g.listAPIKeys, g.requireUser)
	authGroup.DELETE("/api-keys/:id", g.revokeAPIKey, g.requireUser)

	// Admin surface.
	users := api.Group("/users", g.requireAdmin)
	users.GET("", g.adminListUsers)
	users.POST("", g.adminCreateUser)
	users.PUT("/:id", g.adminUpdateUser)
	users.POST("/:id/disable", g.adminSetDisabled(true))
	users.POST("/:id/enable", g.adminSetDisabled(false))

	// Document surface, proxied to the document service.
	docHandler := g.proxyHandler(g.docProxy)
	write := []echo.MiddlewareFunc{g.requireAuth(true), g.rateLimitMiddleware}
	read := []echo.MiddlewareFunc{g.requireAuth(false)}

	api.POST("/upload", docHandler, write...)
	api.POST("/upload-async", docHandler, write...)
	api.POST("/upload-batch", docHandler, write...)
	api.GET("/documents", docHandler, read...)
	api.GET("/documents/:id", docHandler, read...)
	api.GET("/documents/:id/sections", docHandler, read...)
	api.GET("/documents/:id/tables", docHandler, read...)
	api.GET("/documents/:id/figures", docHandler, read...)
	api.GET("/documents/:id/references", docHandler, read...)
	api.GET("/documents/:id/figures/:num/file", docHandler, read...)
	api.DELETE("/documents/:id", docHandler, write...)
	api.POST("/documents/:id/reprocess", docHandler, write...)
	api.GET("/jobs", docHandler, read...)
	api.GET("/jobs/:id", docHandler, read...)
	api.POST("/jobs/:id/cancel", docHandler, write...)
	api.GET("/batches", docHandler, read...)
	api.GET("/batches/:id", docHandler, read...)

	// Search, proxied to the vector service.
	api.POST("/search", g.proxyHandler(g.vectorProxy), write...)

	// Analysis surface, served in-process.
	llmGroup := api.Group("", g.requireAuth(true), g.rateLimitMiddleware)
	g.llmAPI.Register(llmGroup)

	// Composed workflow.
	api.POST("/workflow/upload-and-analyze", g.uploadAndAnalyze, write...)
}

// requireUser rejects anonymous requests on endpoints that always need an
// identity, regardless of the read/write gating flags.
func (g *Gateway) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if g.cfg.Gateway.EnableAuth && currentUser(c) == nil {
			return writeAuthError(c, auth.ErrInvalidToken)
		}
		return next(c)
	}
}

// proxyHandler forwards the request to the backing service at the same
// path, minus the API prefix.
func (g *Gateway) proxyHandler(p *Proxy) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := strings.TrimPrefix(c.Request().URL.Path, apiPrefix)
		if path == "" {
			path = "/"
		}
		return p.Forward(c, path)
	}
}
