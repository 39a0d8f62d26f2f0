package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"chartform/internal/chart"
	"chartform/internal/form"
	"chartform/internal/notify"
	"chartform/internal/session"
	"chartform/internal/source"
	"chartform/internal/storage"

	"github.com/gin-gonic/gin"
)

func (srv *Server) health(c *gin.Context) {
	history := "not_configured"
	if srv.opts.History != nil {
		history = "configured"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"sessions": srv.SessionCount(),
		"history":  history,
	})
}

func (srv *Server) createSession(c *gin.Context) {
	e, err := srv.newSession()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, e.s.Snapshot())
}

// getSession returns the snapshot and the notifications raised since the
// previous call.
func (srv *Server) getSession(c *gin.Context) {
	e, ok := srv.lookup(c)
	if !ok {
		return
	}
	notes := e.notes.Drain()
	if notes == nil {
		notes = []notify.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{
		"session":       e.s.Snapshot(),
		"notifications": notes,
	})
}

func (srv *Server) deleteSession(c *gin.Context) {
	id := c.Param("id")
	if _, ok := srv.sessions.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	srv.sessions.Delete(id)
	srv.logger.Printf("api: session %s deleted", id)
	c.Status(http.StatusNoContent)
}

type sourceRequest struct {
	URL string `json:"url" binding:"required"`
}

// setSource selects a URL without fetching it.
func (srv *Server) setSource(c *gin.Context) {
	e, ok := srv.lookup(c)
	if !ok {
		return
	}
	var req sourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"url\": \"...\"}"})
		return
	}
	e.s.SetURL(req.URL)
	c.JSON(http.StatusOK, e.s.Snapshot())
}

// submitData fetches the session's URL and ingests it. The content comes from
// the configured DataSource, which may be a cache when SOURCE_CACHE_TTL is set.
func (srv *Server) submitData(c *gin.Context) {
	e, ok := srv.lookup(c)
	if !ok {
		return
	}
	if _, err := e.s.SubmitData(c.Request.Context()); err != nil {
		srv.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e.s.Snapshot())
}

// upload takes a multipart form with a "file" part and ingests it.
func (srv *Server) upload(c *gin.Context) {
	e, ok := srv.lookup(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, srv.opts.UploadMaxBytes)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds " + strconv.FormatInt(tooBig.Limit, 10) + " bytes"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := e.s.AttachFile(c.Request.Context(), fh.Filename, fh.Header.Get("Content-Type"), content); err != nil {
		if errors.Is(err, session.ErrBusy) {
			srv.fail(c, err)
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, e.s.Snapshot())
}

type editRequest struct {
	Field string          `json:"field" binding:"required"`
	Value json.RawMessage `json:"value"`
}

// editArguments applies one control change, e.g.
// {"field": "xAxis", "value": ["year"]}.
func (srv *Server) editArguments(c *gin.Context) {
	e, ok := srv.lookup(c)
	if !ok {
		return
	}
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"field\": \"...\", \"value\": ...}"})
		return
	}
	if len(req.Value) == 0 {
		req.Value = json.RawMessage("null")
	}
	edit, err := form.DecodeEdit(req.Field, req.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := e.s.Apply(edit); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, e.s.Snapshot())
}

func (srv *Server) submitChart(c *gin.Context) {
	e, ok := srv.lookup(c)
	if !ok {
		return
	}
	got, err := e.s.SubmitChart(c.Request.Context())
	if err != nil {
		srv.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, got)
}

func (srv *Server) listCharts(c *gin.Context) {
	if srv.opts.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chart history is not configured"})
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = n
	}
	recs, err := srv.opts.History.ListCharts(c.Request.Context(), storage.ClampLimit(limit))
	if err != nil {
		srv.logger.Printf("api: list charts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list charts"})
		return
	}
	if recs == nil {
		recs = []storage.ChartRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"charts": recs})
}

// fail answers a submission error with the matching status.
func (srv *Server) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var (
		srcErr   *source.Error
		chartErr *chart.ServiceError
	)
	switch {
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case session.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.As(err, &srcErr), errors.As(err, &chartErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
