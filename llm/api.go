package llm

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/paperbase/paperbase/common"
)

// API exposes the analysis operations. The gateway mounts it on its
// authenticated route group.
type API struct {
	svc *Service
}

// NewAPI creates the handler set.
func NewAPI(svc *Service) *API {
	return &API{svc: svc}
}

// Register mounts the routes on g.
func (a *API) Register(g *echo.Group) {
	g.POST("/analyze", a.analyze)
	g.POST("/question", a.question)
	g.POST("/compare", a.compare)
	g.POST("/chat", a.chat)
}

func (a *API) analyze(c echo.Context) error {
	var req AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		return common.JSONError(c, http.StatusBadRequest, "malformed request body")
	}
	if req.DocumentID == 0 {
		return common.JSONError(c, http.StatusBadRequest, "document_id is required")
	}

	resp, err := a.svc.Analyze(c.Request().Context(), req)
	if err != nil {
		return a.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (a *API) question(c echo.Context) error {
	var req QuestionRequest
	if err := c.Bind(&req); err != nil {
		return common.JSONError(c, http.StatusBadRequest, "malformed request body")
	}

	resp, err := a.svc.Question(c.Request().Context(), req)
	if err != nil {
		return a.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (a *API) compare(c echo.Context) error {
	var req CompareRequest
	if err := c.Bind(&req); err != nil {
		return common.JSONError(c, http.StatusBadRequest, "malformed request body")
	}

	resp, err := a.svc.Compare(c.Request().Context(), req)
	if err != nil {
		return a.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (a *API) chat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return common.JSONError(c, http.StatusBadRequest, "malformed request body")
	}

	resp, err := a.svc.Chat(c.Request().Context(), req)
	if err != nil {
		return a.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// WriteError maps service errors onto the error envelope. Unavailable
// providers answer 503 so clients can distinguish configuration gaps from
// bad requests.
func (a *API) WriteError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrProviderUnavailable):
		return common.JSONError(c, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrUnknownProvider),
		errors.Is(err, ErrUnknownAnalysisType),
		errors.Is(err, ErrCustomPromptRequired),
		errors.Is(err, ErrBadComparisonSet),
		errors.Is(err, ErrEmptyQuestion),
		errors.Is(err, ErrNoMessages):
		return common.JSONError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDocumentNotFound):
		return common.JSONError(c, http.StatusNotFound, err.Error())
	default:
		common.Logger.WithError(err).Error("llm operation failed")
		return common.JSONError(c, http.StatusInternalServerError, "analysis failed")
	}
}
