package engine

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/drummonds/thumbstrip/config"
	"github.com/drummonds/thumbstrip/database"
	"github.com/drummonds/thumbstrip/engine/pagecache"
	"github.com/drummonds/thumbstrip/engine/thumbnail"
	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"
)

// ServerHandler will inject the variables needed into routes
type ServerHandler struct {
	DB           database.Repository
	Echo         *echo.Echo
	ServerConfig config.ServerConfig
	Sessions     *Registry
	Cache        *pagecache.Cache
}

type openSessionRequest struct {
	Path string `json:"path"`
}

type prewarmRequest struct {
	Pages []int `json:"pages"` // empty means every page
}

type pageStateResponse struct {
	Page  int    `json:"page"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// RegisterRoutes adds every API route to the echo instance
func (serverHandler *ServerHandler) RegisterRoutes() {
	e := serverHandler.Echo

	e.GET("/api/health", serverHandler.GetHealth)

	// Session API routes
	e.POST("/api/sessions", serverHandler.OpenSession)
	e.GET("/api/sessions", serverHandler.ListSessions)
	e.GET("/api/sessions/:id", serverHandler.GetSession)
	e.DELETE("/api/sessions/:id", serverHandler.CloseSession)
	e.POST("/api/sessions/:id/prewarm", serverHandler.PrewarmSession)

	// Page API routes
	e.GET("/api/sessions/:id/pages/:page", serverHandler.GetPage)
	e.GET("/api/sessions/:id/pages/:page/state", serverHandler.GetPageState)
	e.POST("/api/sessions/:id/pages/:page/retry", serverHandler.RetryPage)

	// Catalog and cache routes
	e.GET("/api/thumbnails", serverHandler.GetThumbnails)
	e.GET("/api/cache/stats", serverHandler.GetCacheStats)
	e.DELETE("/api/cache", serverHandler.InvalidateDocument)

	// Job tracking API routes
	e.GET("/api/jobs", serverHandler.GetRecentJobs)
	e.GET("/api/jobs/active", serverHandler.GetActiveJobs)
	e.GET("/api/jobs/:id", serverHandler.GetJob)
}

// GetHealth reports that the server is up
// @Summary Health check
// @Tags Admin
// @Produce json
// @Success 200 {object} map[string]interface{} "Server status"
// @Router /health [get]
func (serverHandler *ServerHandler) GetHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"sessions":  len(serverHandler.Sessions.List()),
	})
}

// OpenSession opens a document and returns a session for its pages
// @Summary Open a document session
// @Description Opens the PDF at a path relative to the document root
// @Tags Sessions
// @Accept json
// @Produce json
// @Param request body openSessionRequest true "Document path"
// @Success 201 {object} Session "Opened session"
// @Failure 400 {object} map[string]interface{} "Bad request"
// @Failure 404 {object} map[string]interface{} "Document not found"
// @Failure 422 {object} map[string]interface{} "Document could not be opened"
// @Router /sessions [post]
func (serverHandler *ServerHandler) OpenSession(c echo.Context) error {
	var request openSessionRequest
	if err := c.Bind(&request); err != nil || request.Path == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "A document path is required",
		})
	}

	session, err := serverHandler.Sessions.Open(request.Path)
	switch {
	case err == nil:
		return c.JSON(http.StatusCreated, session)
	case errors.Is(err, ErrOutsideRoot):
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
		})
	case errors.Is(err, ErrDocumentNotFound):
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": err.Error(),
		})
	case errors.Is(err, thumbnail.ErrDocumentOpen):
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"error": err.Error(),
		})
	default:
		Logger.Error("Failed to open session", "path", request.Path, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to open session",
		})
	}
}

// ListSessions lists the open sessions
// @Summary List sessions
// @Tags Sessions
// @Produce json
// @Success 200 {array} Session "Open sessions"
// @Router /sessions [get]
func (serverHandler *ServerHandler) ListSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, serverHandler.Sessions.List())
}

// GetSession returns one session
// @Summary Get session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID (ULID)"
// @Success 200 {object} Session "Session"
// @Failure 404 {object} map[string]interface{} "Session not found"
// @Router /sessions/{id} [get]
func (serverHandler *ServerHandler) GetSession(c echo.Context) error {
	session, err := serverHandler.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, session)
}

// CloseSession closes a session once its in-flight renders finish
// @Summary Close session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID (ULID)"
// @Success 200 {object} map[string]interface{} "Closed"
// @Failure 404 {object} map[string]interface{} "Session not found"
// @Router /sessions/{id} [delete]
func (serverHandler *ServerHandler) CloseSession(c echo.Context) error {
	session, err := serverHandler.session(c)
	if err != nil {
		return err
	}
	if err := serverHandler.Sessions.Close(session.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		Logger.Warn("Error closing document", "session", session.ID, "error", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"closed": session.ID,
	})
}

// GetPage returns the PNG thumbnail of a page
// @Summary Get page thumbnail
// @Description Resolves a page, rendering it on first request. With wait=false a pending page returns 202 instead of blocking.
// @Tags Pages
// @Produce png
// @Param id path string true "Session ID (ULID)"
// @Param page path int true "0-based page index"
// @Param wait query bool false "Block until the page is rendered (default true)"
// @Success 200 {file} binary "PNG thumbnail"
// @Success 202 {object} pageStateResponse "Page is still rendering"
// @Failure 400 {object} map[string]interface{} "Invalid page"
// @Failure 404 {object} map[string]interface{} "Session not found"
// @Failure 422 {object} pageStateResponse "Page failed to render"
// @Router /sessions/{id}/pages/{page} [get]
func (serverHandler *ServerHandler) GetPage(c echo.Context) error {
	session, page, err := serverHandler.sessionPage(c)
	if err != nil {
		return err
	}
	pipeline := session.Pipeline()

	if c.QueryParam("wait") == "false" {
		state, data, err := pipeline.Poll(page)
		switch state {
		case thumbnail.StateResolved:
			return c.Blob(http.StatusOK, "image/png", data)
		case thumbnail.StatePending:
			return c.JSON(http.StatusAccepted, pageStateResponse{Page: page, State: state.String()})
		}
		return serverHandler.pageError(c, page, err)
	}

	data, err := pipeline.Resolve(c.Request().Context(), page)
	if err != nil {
		return serverHandler.pageError(c, page, err)
	}
	return c.Blob(http.StatusOK, "image/png", data)
}

// GetPageState reports a page's state without starting a render
// @Summary Get page state
// @Tags Pages
// @Produce json
// @Param id path string true "Session ID (ULID)"
// @Param page path int true "0-based page index"
// @Success 200 {object} pageStateResponse "Page state"
// @Router /sessions/{id}/pages/{page}/state [get]
func (serverHandler *ServerHandler) GetPageState(c echo.Context) error {
	session, page, err := serverHandler.sessionPage(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pageStateResponse{Page: page, State: session.Pipeline().State(page).String()})
}

// RetryPage clears a failed page so the next request renders it again
// @Summary Retry a failed page
// @Tags Pages
// @Produce json
// @Param id path string true "Session ID (ULID)"
// @Param page path int true "0-based page index"
// @Success 200 {object} map[string]interface{} "Page reset"
// @Failure 409 {object} map[string]interface{} "Page is not failed"
// @Router /sessions/{id}/pages/{page}/retry [post]
func (serverHandler *ServerHandler) RetryPage(c echo.Context) error {
	session, page, err := serverHandler.sessionPage(c)
	if err != nil {
		return err
	}
	if !session.Pipeline().Retry(page) {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error": "Page is not in the failed state",
			"state": session.Pipeline().State(page).String(),
		})
	}
	return c.JSON(http.StatusOK, pageStateResponse{Page: page, State: thumbnail.StateUnrequested.String()})
}

// PrewarmSession renders pages of a session in the background
// @Summary Prewarm a session
// @Description Starts a tracked job rendering the given pages, or every page, into the cache
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID (ULID)"
// @Param request body prewarmRequest false "Pages to render"
// @Success 202 {object} database.Job "Started job"
// @Failure 400 {object} map[string]interface{} "Invalid page"
// @Router /sessions/{id}/prewarm [post]
func (serverHandler *ServerHandler) PrewarmSession(c echo.Context) error {
	session, err := serverHandler.session(c)
	if err != nil {
		return err
	}

	var request prewarmRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&request); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": "Invalid prewarm request",
			})
		}
	}
	if len(request.Pages) == 0 {
		request.Pages = nil
	}
	for _, page := range request.Pages {
		if page < 0 || page >= session.PageCount {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error":     "Page index out of range",
				"page":      page,
				"pageCount": session.PageCount,
			})
		}
	}

	job, err := serverHandler.DB.CreateJob(database.JobTypePrewarm, "Prewarming "+session.Path)
	if err != nil {
		Logger.Error("Failed to create prewarm job", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to create job",
		})
	}

	go serverHandler.prewarmJobFunc(session, request.Pages, job.ID)
	return c.JSON(http.StatusAccepted, job)
}

// GetThumbnails lists catalogued thumbnails
// @Summary List catalogued thumbnails
// @Tags Catalog
// @Produce json
// @Param document query string false "Document path relative to the document root"
// @Success 200 {array} database.Thumbnail "Catalog rows"
// @Router /thumbnails [get]
func (serverHandler *ServerHandler) GetThumbnails(c echo.Context) error {
	thumbs, err := serverHandler.DB.GetThumbnails(c.QueryParam("document"))
	if err != nil {
		Logger.Error("Failed to get thumbnails", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to retrieve thumbnails",
		})
	}
	return c.JSON(http.StatusOK, thumbs)
}

// GetCacheStats reports disk cache and catalog totals
// @Summary Cache statistics
// @Tags Catalog
// @Produce json
// @Success 200 {object} map[string]interface{} "Cache and catalog statistics"
// @Router /cache/stats [get]
func (serverHandler *ServerHandler) GetCacheStats(c echo.Context) error {
	cacheStats, err := serverHandler.Cache.Stats()
	if err != nil {
		Logger.Error("Failed to read cache stats", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to read cache",
		})
	}
	catalogStats, err := serverHandler.DB.GetThumbnailStats()
	if err != nil {
		Logger.Error("Failed to read catalog stats", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to read catalog",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"root":     serverHandler.Cache.Root(),
		"cache":    cacheStats,
		"catalog":  catalogStats,
		"sessions": len(serverHandler.Sessions.List()),
	})
}

// InvalidateDocument drops the sessions, cache files and catalog rows of a document
// @Summary Invalidate a document
// @Tags Catalog
// @Produce json
// @Param document query string true "Document path relative to the document root"
// @Success 200 {object} InvalidateResult "What was removed"
// @Failure 400 {object} map[string]interface{} "Missing or invalid document"
// @Router /cache [delete]
func (serverHandler *ServerHandler) InvalidateDocument(c echo.Context) error {
	document := c.QueryParam("document")
	if document == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "A document query parameter is required",
		})
	}
	result, err := serverHandler.invalidateJobFunc(document, "api")
	if err != nil {
		if errors.Is(err, ErrOutsideRoot) || errors.Is(err, ErrDocumentNotFound) {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": err.Error(),
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, result)
}

// session resolves the :id parameter
func (serverHandler *ServerHandler) session(c echo.Context) (*Session, error) {
	id, err := ulid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"error": "Invalid session ID format",
		})
	}
	session, err := serverHandler.Sessions.Get(id)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, map[string]interface{}{
			"error": "Session not found",
		})
	}
	return session, nil
}

// sessionPage resolves :id and a bounds-checked :page
func (serverHandler *ServerHandler) sessionPage(c echo.Context) (*Session, int, error) {
	session, err := serverHandler.session(c)
	if err != nil {
		return nil, 0, err
	}
	page, err := strconv.Atoi(c.Param("page"))
	if err != nil || page < 0 || page >= session.PageCount {
		return nil, 0, echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"error":     "Page index out of range",
			"page":      c.Param("page"),
			"pageCount": session.PageCount,
		})
	}
	return session, page, nil
}

func (serverHandler *ServerHandler) pageError(c echo.Context, page int, err error) error {
	var renderErr *thumbnail.RenderError
	switch {
	case errors.As(err, &renderErr):
		return c.JSON(http.StatusUnprocessableEntity, pageStateResponse{
			Page:  page,
			State: thumbnail.StateFailed.String(),
			Error: renderErr.Error(),
		})
	case errors.Is(err, thumbnail.ErrClosed):
		return c.JSON(http.StatusGone, map[string]interface{}{
			"error": "Session was closed",
		})
	case c.Request().Context().Err() != nil:
		// client went away, the render carries on for later requests
		return err
	default:
		Logger.Error("Failed to resolve page", "page", page, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to resolve page",
		})
	}
}
