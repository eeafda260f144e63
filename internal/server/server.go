// Package server exposes the tile chains, offline regions, search and cache
// maintenance over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tilecache/internal/janitor"
	"tilecache/internal/mbtiles"
	"tilecache/internal/offline"
	"tilecache/internal/regions"
	"tilecache/internal/search"
	"tilecache/internal/source"
	"tilecache/internal/tile"
	"tilecache/internal/urlclient"
)

// Layer is one source served under /tiles/{name}.
type Layer struct {
	Chain  *source.Chain
	Format string
}

// Searcher is the search index as seen by the server.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]search.Result, error)
	AddHistory(ctx context.Context, query string) error
	History(ctx context.Context, limit int) ([]string, error)
}

// Config wires a Server. Search and Janitor are optional.
type Config struct {
	Layers   map[string]Layer
	URLs     urlclient.Service
	Manager  *offline.Manager
	Search   Searcher
	Janitor  *janitor.Janitor
	Hub      *Hub
	MaxBytes int64
	Logger   logrus.FieldLogger
}

// Server is the HTTP surface.
type Server struct {
	cfg    Config
	engine *gin.Engine
	log    logrus.FieldLogger
}

// New builds the routes.
func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{cfg: cfg, engine: gin.New(), log: cfg.Logger}
	if s.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.log = l
	}
	if s.cfg.Hub == nil {
		s.cfg.Hub = NewHub(s.log)
	}
	s.engine.Use(gin.Recovery(), requestLogger(s.log))

	s.engine.GET("/tiles/:source/:z/:x/:y", s.getTile)

	r := s.engine.Group("/regions")
	{
		r.GET("", s.listRegions)
		r.POST("", s.saveRegion)
		r.GET("/:id", s.regionStatus)
		r.DELETE("/:id", s.deleteRegion)
		r.POST("/import", s.importArchive)
	}

	s.engine.GET("/search", s.search)
	s.engine.GET("/search/history", s.history)

	c := s.engine.Group("/cache")
	{
		c.GET("/usage", s.usage)
		c.POST("/shrink", s.shrink)
	}

	s.engine.GET("/ws/progress", s.cfg.Hub.serve)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Hub returns the progress hub.
func (s *Server) Hub() *Hub { return s.cfg.Hub }

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("request")
	}
}

func fail(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"error": err.Error()})
}

// status maps engine errors to HTTP codes.
func status(err error) int {
	switch {
	case errors.Is(err, regions.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, offline.ErrUnknownSource),
		errors.Is(err, mbtiles.ErrUnknownArchive),
		errors.Is(err, mbtiles.ErrEmptyArchive),
		errors.Is(err, mbtiles.ErrInvalidSchema):
		return http.StatusBadRequest
	case mbtiles.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) getTile(c *gin.Context) {
	layer, ok := s.cfg.Layers[c.Param("source")]
	if !ok {
		fail(c, http.StatusNotFound, offline.ErrUnknownSource)
		return
	}
	y := strings.TrimSuffix(c.Param("y"), path.Ext(c.Param("y")))
	id, err := parseTile(c.Param("z"), c.Param("x"), y)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	task := source.NewTask(id)
	done := make(chan *source.Task, 1)
	layer.Chain.Load(task, func(t *source.Task) { done <- t })

	select {
	case <-c.Request.Context().Done():
		task.Cancel(s.cfg.URLs)
		<-done
		c.Status(http.StatusRequestTimeout)
		return
	case <-done:
	}

	switch {
	case task.HasData():
		c.Data(http.StatusOK, tile.MimeType(layer.Format), task.Data())
	case mbtiles.IsTransient(task.Err()):
		fail(c, http.StatusServiceUnavailable, task.Err())
	case task.Err() != nil && !urlclient.IsPermanent(task.Err()):
		fail(c, http.StatusBadGateway, task.Err())
	default:
		c.Status(http.StatusNotFound)
	}
}

var errBadTile = errors.New("invalid tile coordinates")

func parseTile(zs, xs, ys string) (tile.ID, error) {
	z, err := strconv.Atoi(zs)
	if err != nil {
		return tile.ID{}, errBadTile
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return tile.ID{}, errBadTile
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return tile.ID{}, errBadTile
	}
	id := tile.New(x, y, z)
	if !id.Valid() {
		return tile.ID{}, errBadTile
	}
	return id, nil
}

func (s *Server) listRegions(c *gin.Context) {
	list, err := s.cfg.Manager.ListRegions(c.Request.Context())
	if err != nil {
		fail(c, status(err), err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) saveRegion(c *gin.Context) {
	var req offline.RegionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	r, err := s.cfg.Manager.SaveRegion(c.Request.Context(), req)
	if err != nil {
		fail(c, status(err), err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func regionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return 0, false
	}
	return id, true
}

func (s *Server) regionStatus(c *gin.Context) {
	id, ok := regionID(c)
	if !ok {
		return
	}
	st := s.cfg.Manager.Status(id)
	c.JSON(http.StatusOK, offline.Progress{RegionID: id, Downloaded: st.Downloaded, Total: st.Total, Text: st.String()})
}

func (s *Server) deleteRegion(c *gin.Context) {
	id, ok := regionID(c)
	if !ok {
		return
	}
	if err := s.cfg.Manager.DeleteRegion(c.Request.Context(), id); err != nil {
		fail(c, status(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

type importRequest struct {
	Path   string `json:"path" binding:"required"`
	Source string `json:"source" binding:"required"`
}

func (s *Server) importArchive(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	r, err := s.cfg.Manager.ImportArchive(c.Request.Context(), req.Path, req.Source)
	if err != nil {
		fail(c, status(err), err)
		return
	}
	c.JSON(http.StatusAccepted, r)
}

func (s *Server) search(c *gin.Context) {
	if s.cfg.Search == nil {
		c.Status(http.StatusNotImplemented)
		return
	}
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		fail(c, http.StatusBadRequest, errors.New("missing query"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	res, err := s.cfg.Search.Search(c.Request.Context(), q, limit)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.cfg.Search.AddHistory(c.Request.Context(), q); err != nil {
		s.log.WithError(err).Warn("saving search history")
	}
	if res == nil {
		res = []search.Result{}
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) history(c *gin.Context) {
	if s.cfg.Search == nil {
		c.Status(http.StatusNotImplemented)
		return
	}
	h, err := s.cfg.Search.History(c.Request.Context(), 20)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if h == nil {
		h = []string{}
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) usage(c *gin.Context) {
	if s.cfg.Janitor == nil {
		c.Status(http.StatusNotImplemented)
		return
	}
	u, err := s.cfg.Janitor.Usage(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

type shrinkRequest struct {
	MaxBytes int64 `json:"maxBytes" binding:"min=0"`
}

func (s *Server) shrink(c *gin.Context) {
	if s.cfg.Janitor == nil {
		c.Status(http.StatusNotImplemented)
		return
	}
	req := shrinkRequest{MaxBytes: s.cfg.MaxBytes}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
	}
	if s.cfg.Manager != nil && s.cfg.Manager.Coordinator().Pending() > 0 {
		fail(c, http.StatusConflict, errors.New("offline download in progress"))
		return
	}
	r, err := s.cfg.Janitor.ShrinkToBudget(c.Request.Context(), req.MaxBytes)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, r)
}
