// Package api exposes chart sessions over HTTP for a browser form.
//
// Each session lives in memory on this process and expires after SessionTTL
// without requests. Notifications raised by a session are buffered and handed
// out once by GET /api/sessions/:id.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"chartform/internal/chart"
	"chartform/internal/notify"
	"chartform/internal/session"
	"chartform/internal/source"
	"chartform/internal/storage"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// History is the storage surface the API uses. storage.Repository satisfies it.
type History interface {
	session.History
	ListCharts(ctx context.Context, limit int) ([]storage.ChartRecord, error)
}

// Options configures a Server.
type Options struct {
	Source  source.DataSource // required
	Charts  chart.Service     // required
	History History           // optional; nil disables /api/charts

	CORSOrigins       []string      // "*" allows any origin; empty allows none
	SessionTTL        time.Duration // idle lifetime, default 1h
	NotificationLimit int           // per session, default 32
	UploadMaxBytes    int64         // default 32 MiB

	Logger *log.Logger
}

// Server owns the session table and the gin router.
type Server struct {
	opts     Options
	logger   *log.Logger
	sessions *cache.Cache
	router   *gin.Engine
}

type entry struct {
	s     *session.Session
	notes *notify.Recorder
}

// New builds a Server and its routes.
//
// Errors:
//   - Source and Charts are required.
func New(opts Options) (*Server, error) {
	if opts.Source == nil {
		return nil, errors.New("api: Source is required")
	}
	if opts.Charts == nil {
		return nil, errors.New("api: Charts is required")
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = time.Hour
	}
	if opts.UploadMaxBytes <= 0 {
		opts.UploadMaxBytes = 32 << 20
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	srv := &Server{
		opts:     opts,
		logger:   opts.Logger,
		sessions: cache.New(opts.SessionTTL, opts.SessionTTL/2),
	}
	srv.sessions.OnEvicted(func(id string, _ any) {
		srv.logger.Printf("api: session %s expired", id)
	})
	srv.router = srv.routes()
	return srv, nil
}

// Handler returns the HTTP handler for the API.
func (srv *Server) Handler() http.Handler { return srv.router }

func (srv *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if c, ok := corsConfig(srv.opts.CORSOrigins); ok {
		r.Use(cors.New(c))
	}

	r.GET("/health", srv.health)

	api := r.Group("/api")
	api.POST("/sessions", srv.createSession)
	api.GET("/sessions/:id", srv.getSession)
	api.DELETE("/sessions/:id", srv.deleteSession)
	api.PUT("/sessions/:id/source", srv.setSource)
	api.POST("/sessions/:id/data", srv.submitData)
	api.POST("/sessions/:id/upload", srv.upload)
	api.PATCH("/sessions/:id/arguments", srv.editArguments)
	api.POST("/sessions/:id/chart", srv.submitChart)
	api.GET("/charts", srv.listCharts)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

func corsConfig(origins []string) (cors.Config, bool) {
	if len(origins) == 0 {
		return cors.Config{}, false
	}
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Content-Length", "Accept", "Authorization", "X-Requested-With"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			c.AllowAllOrigins = true
			return c, true
		}
	}
	c.AllowOrigins = append([]string(nil), origins...)
	return c, true
}

// newSession registers a fresh session and returns it.
func (srv *Server) newSession() (*entry, error) {
	id := uuid.New().String()
	notes := notify.NewRecorder(srv.opts.NotificationLimit)
	opts := session.Options{
		ID:     id,
		Source: srv.opts.Source,
		Charts: srv.opts.Charts,
		Notify: notify.Tee{notes, notify.LogSink{Logger: srv.logger}},
		Logger: srv.logger,
	}
	if srv.opts.History != nil {
		opts.History = srv.opts.History
	}
	s, err := session.New(opts)
	if err != nil {
		return nil, err
	}
	e := &entry{s: s, notes: notes}
	srv.sessions.SetDefault(id, e)
	srv.logger.Printf("api: session %s created", id)
	return e, nil
}

// lookup finds the session named by the :id parameter and extends its
// lifetime. It answers 404 itself when there is none.
func (srv *Server) lookup(c *gin.Context) (*entry, bool) {
	id := c.Param("id")
	v, ok := srv.sessions.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	e := v.(*entry)
	srv.sessions.SetDefault(id, e)
	return e, true
}

// SessionCount reports the live sessions.
func (srv *Server) SessionCount() int { return srv.sessions.ItemCount() }
