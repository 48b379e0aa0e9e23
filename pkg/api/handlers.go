package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quarrylab/quarry/pkg/database"
	"github.com/quarrylab/quarry/pkg/service"
)

// maxEventPageSize caps the REST event-log page.
const maxEventPageSize = 500

// QueryRequest is the POST /api/v1/queries body.
type QueryRequest struct {
	Query     string        `json:"query" binding:"required"`
	SessionID string        `json:"session_id"`
	Options   *QueryOptions `json:"options"`
}

// QueryOptions are the caller-tunable request knobs.
type QueryOptions struct {
	MaxReintent *int   `json:"max_reintent"`
	Deadline    string `json:"deadline"` // RFC3339
}

// queryHandler runs one analysis to completion and returns the terminal
// result. Long-running clients should subscribe on /ws instead and watch
// the request channel.
func (s *Server) queryHandler(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	svcReq := service.Request{Query: req.Query, SessionID: req.SessionID}
	if req.Options != nil {
		svcReq.Options.MaxReintent = req.Options.MaxReintent
		if req.Options.Deadline != "" {
			deadline, err := time.Parse(time.RFC3339, req.Options.Deadline)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "options.deadline must be RFC3339"})
				return
			}
			svcReq.Options.Deadline = deadline
		}
	}

	result, err := s.svc.Query(c.Request.Context(), svcReq)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// cancelHandler signals a running request to stop after its current stage.
func (s *Server) cancelHandler(c *gin.Context) {
	requestID := c.Param("id")
	if !s.svc.Cancel(requestID) {
		notFound(c, "no running request with that id")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"request_id": requestID,
		"status":     "cancelling",
	})
}

// EventRecord is one persisted event returned by the REST log.
type EventRecord struct {
	ID        int64           `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// eventsHandler returns a request's persisted events in id order. This is
// the full-history complement to the WebSocket catchup, used after a
// catchup overflow or for audit.
func (s *Server) eventsHandler(c *gin.Context) {
	requestID := c.Param("id")

	limit := maxEventPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if n < limit {
			limit = n
		}
	}

	rows, err := s.eventStore.ListByRequest(c.Request.Context(), requestID, limit)
	if err != nil {
		slog.Error("Event log read failed", "request_id", requestID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	if len(rows) == 0 {
		notFound(c, "no events for that request id")
		return
	}

	out := make([]EventRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, EventRecord{
			ID:        row.ID,
			EventType: row.EventType,
			Payload:   json.RawMessage(row.Payload),
			CreatedAt: row.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": requestID,
		"events":     out,
	})
}

// healthHandler reports process and database health.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"app":      s.versionInfo(),
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}

	body := gin.H{
		"status":          "healthy",
		"app":             s.versionInfo(),
		"database":        dbHealth,
		"active_requests": s.svc.ActiveRequests(),
	}
	if s.connManager != nil {
		body["ws_connections"] = s.connManager.ConnectionCount()
	}
	c.JSON(http.StatusOK, body)
}

// mapServiceError translates service-layer errors to HTTP responses.
func mapServiceError(c *gin.Context, err error) {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
		return
	}
	slog.Error("Unexpected service error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
