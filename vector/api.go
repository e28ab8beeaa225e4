package vector

import (
	"errors"
	"net/http"
	"strconv"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"github.com/paperbase/paperbase/common"
)

// API exposes the vector service over HTTP for the gateway and the
// ingestion workers.
type API struct {
	svc *Service
}

// NewAPI creates the handler set.
func NewAPI(svc *Service) *API {
	return &API{svc: svc}
}

// Register mounts the routes. When secret is non-empty, all routes
// except health require a service token signed with it.
func (a *API) Register(e *echo.Echo, secret string) {
	e.GET("/health", a.health)

	g := e.Group("")
	if secret != "" {
		g.Use(echojwt.WithConfig(echojwt.Config{
			SigningKey: []byte(secret),
		}))
	}
	g.POST("/index", a.index)
	g.POST("/search", a.search)
	g.DELETE("/chunks/:document_id", a.deleteChunks)
}

type indexRequest struct {
	DocumentID uint              `json:"document_id"`
	Sections   map[string]string `json:"sections,omitempty"`
	FullText   string            `json:"full_text,omitempty"`
}

func (a *API) index(c echo.Context) error {
	var req indexRequest
	if err := c.Bind(&req); err != nil {
		return common.JSONError(c, http.StatusBadRequest, "malformed request body")
	}
	if req.DocumentID == 0 {
		return common.JSONError(c, http.StatusBadRequest, "document_id is required")
	}

	count, err := a.svc.IndexDocument(c.Request().Context(), req.DocumentID, req.Sections, req.FullText)
	if err != nil {
		if errors.Is(err, ErrNothingToIndex) {
			return common.JSONError(c, http.StatusBadRequest, err.Error())
		}
		common.Logger.WithError(err).Error("indexing failed")
		return common.JSONError(c, http.StatusInternalServerError, "indexing failed")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"document_id":  req.DocumentID,
		"chunks_added": count,
	})
}

func (a *API) search(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return common.JSONError(c, http.StatusBadRequest, "malformed request body")
	}
	req.UserID = c.Request().Header.Get("X-User-ID")

	resp, err := a.svc.Search(c.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyQuery), errors.Is(err, ErrBadMaxResults):
			return common.JSONError(c, http.StatusBadRequest, err.Error())
		default:
			common.Logger.WithError(err).Error("search failed")
			return common.JSONError(c, http.StatusInternalServerError, "search failed")
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (a *API) deleteChunks(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("document_id"), 10, 64)
	if err != nil || id == 0 {
		return common.JSONError(c, http.StatusBadRequest, "invalid document_id")
	}

	if err := a.svc.DeleteChunks(c.Request().Context(), uint(id)); err != nil {
		common.Logger.WithError(err).Error("chunk deletion failed")
		return common.JSONError(c, http.StatusInternalServerError, "chunk deletion failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"document_id": id,
		"deleted":     true,
	})
}

func (a *API) health(c echo.Context) error {
	return c.JSON(http.StatusOK, a.svc.Health(c.Request().Context()))
}
