// Package api is the HTTP surface: query submission, request cancellation,
// the persisted event log, the WebSocket event stream and health.
package api

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quarrylab/quarry/pkg/events"
	"github.com/quarrylab/quarry/pkg/service"
	"github.com/quarrylab/quarry/pkg/storage"
	"github.com/quarrylab/quarry/pkg/version"
)

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	svc         *service.Service
	db          *sql.DB
	eventStore  storage.EventStore
	connManager *events.ConnectionManager

	// allowedWSOrigins feeds the WebSocket origin allowlist. Empty means
	// same-origin only.
	allowedWSOrigins []string
}

// NewServer builds the API server. connManager may be nil, which disables
// the WebSocket endpoint.
func NewServer(svc *service.Service, db *sql.DB, eventStore storage.EventStore, connManager *events.ConnectionManager, allowedWSOrigins []string) *Server {
	return &Server{
		svc:              svc,
		db:               db,
		eventStore:       eventStore,
		connManager:      connManager,
		allowedWSOrigins: allowedWSOrigins,
	}
}

// Router assembles the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/api/v1/health", s.healthHandler)
	r.POST("/api/v1/queries", s.queryHandler)
	r.POST("/api/v1/requests/:id/cancel", s.cancelHandler)
	r.GET("/api/v1/requests/:id/events", s.eventsHandler)
	r.GET("/ws", s.wsHandler)

	return r
}

func (s *Server) versionInfo() gin.H {
	return gin.H{"name": version.AppName, "version": version.Full()}
}

// notFound is the uniform missing-resource response.
func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"error": message})
}
