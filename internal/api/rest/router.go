// Package rest provides the broker's read-only Gin admin API.
package rest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sp1r1t/ds13/internal/ledger"
	"github.com/sp1r1t/ds13/internal/registry"
)

// ProxyView is the broker state exposed over HTTP. Implementations take the
// broker's dispatch lock.
type ProxyView interface {
	Nodes() []registry.NodeRecord
	Users() []ledger.UserInfo
	Files(ctx context.Context) []string
}

// NodeJSON is the wire form of a registry record.
type NodeJSON struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Online    bool   `json:"online"`
	Usage     int64  `json:"usage"`
	ElapsedMS int64  `json:"elapsedMs"`
}

// Server is the REST API server.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	view   ProxyView
	logger *zap.Logger
}

// New creates a REST Server.
func New(view ProxyView, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), accessLog(logger))

	s := &Server{
		engine: engine,
		http:   &http.Server{Handler: engine, ReadHeaderTimeout: 5 * time.Second},
		view:   view,
		logger: logger,
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve serves on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("REST API listening", zap.String("addr", lis.Addr().String()))
	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for active requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// registerRoutes sets up the /proxy context path.
func (s *Server) registerRoutes() {
	proxy := s.engine.Group("/proxy")
	{
		proxy.GET("/nodes", s.nodes)
		proxy.GET("/users", s.users)
		proxy.GET("/files", s.files)
	}
}

func (s *Server) nodes(c *gin.Context) {
	records := s.view.Nodes()
	out := make([]NodeJSON, len(records))
	for i, n := range records {
		out[i] = NodeJSON{
			ID:        n.ID(),
			Address:   n.Address,
			Port:      n.Port,
			Online:    n.Online,
			Usage:     n.Usage,
			ElapsedMS: n.Elapsed.Milliseconds(),
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) users(c *gin.Context) {
	c.JSON(http.StatusOK, s.view.Users())
}

func (s *Server) files(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"files": s.view.Files(c.Request.Context())})
}

// accessLog logs each request through zap.
func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
