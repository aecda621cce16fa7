package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"vigil/internal/governance"
	"vigil/internal/logging"
)

// SessionHeader carries the transport session key. The key is opaque to the
// server; the store binds it to an agent after onboarding or key auth.
const SessionHeader = "X-Vigil-Session"

// requestIDHeader echoes the correlation id back to the caller.
const requestIDHeader = "X-Request-ID"

// maxBodyBytes bounds one RPC body. Response texts are agent turns, not
// file uploads.
const maxBodyBytes = 1 << 20

// buildRouter assembles the gin engine: recovery, request ids, the
// concurrency gate, then the operation routes.
func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.accessLog(), s.limit())

	r.GET("/healthz", s.handleHealthz)
	v1 := r.Group("/v1")
	{
		v1.GET("/ops", s.handleCatalog)
		v1.POST("/ops/:name", s.handleOp)
	}
	return r
}

// requestID assigns or propagates a correlation id.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// accessLog writes one line per request to the server category.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.WithRequestID(logging.CategoryServer, c.GetString("request_id")).
			Info("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path,
				c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

// limit is the transport worker gate: at most MaxConcurrent operations run
// at once, and a request queued past its own deadline answers Busy instead
// of holding a connection forever.
func (s *Server) limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.sem.Acquire(c.Request.Context(), 1); err != nil {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{Error: wireError{
				Code:      "busy",
				Message:   "server is at its concurrency limit",
				Retryable: true,
			}})
			return
		}
		defer s.sem.Release(1)
		c.Next()
	}
}

// handleOp dispatches one named operation. The body is the JSON argument
// map; the session key arrives out-of-band in the header.
func (s *Server) handleOp(c *gin.Context) {
	name := c.Param("name")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		s.writeError(c, fmt.Errorf("reading request body: %w", err))
		return
	}
	if len(body) > maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, errorBody{Error: wireError{
			Code:    "invalid_argument",
			Message: fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes),
		}})
		return
	}

	caller := governance.Caller{SessionKey: strings.TrimSpace(c.GetHeader(SessionHeader))}
	res, err := s.reg.Dispatch(c.Request.Context(), name, caller, body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// handleCatalog lists the registered operations.
func (s *Server) handleCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"operations": s.reg.Catalog()})
}

// handleHealthz is the unauthenticated liveness probe; it reuses the
// health_check operation so the two never disagree.
func (s *Server) handleHealthz(c *gin.Context) {
	rep, err := s.svc.HealthCheck()
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusOK
	if !rep.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, rep)
}

// writeError maps a governance error onto the wire. Busy answers carry a
// Retry-After header so well-behaved clients back off without parsing.
func (s *Server) writeError(c *gin.Context, err error) {
	w := toWire(err)
	status := httpStatus(err)
	if w.RetryAfterMs > 0 {
		secs := (w.RetryAfterMs + 999) / 1000
		c.Header("Retry-After", fmt.Sprintf("%d", secs))
	}
	if status >= http.StatusInternalServerError {
		logging.ServerError("%s failed: %v (req=%s)", c.Request.URL.Path, err, c.GetString("request_id"))
	} else {
		logging.ServerDebug("%s refused: %s %s (req=%s)", c.Request.URL.Path, w.Code, w.Message, c.GetString("request_id"))
	}
	c.JSON(status, errorBody{Error: w})
}
