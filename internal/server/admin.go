package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/skypro1111/callstream-service/internal/breaker"
	"github.com/skypro1111/callstream-service/internal/cluster"
)

// requireToken aborts with 401 unless the request carries the bearer token
func requireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "missing or invalid admin token",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.deps.Sessions.Sessions()

	c.JSON(http.StatusOK, gin.H{
		"count":     len(sessions),
		"timestamp": time.Now().UTC(),
		"sessions":  sessions,
	})
}

func (s *Server) handleSessionDetail(c *gin.Context) {
	session, ok := s.deps.Sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, session.Info(time.Now()))
}

// findBreakers selects the breaker named by ?name=, or all of them
func (s *Server) findBreakers(c *gin.Context) ([]*breaker.Breaker, bool) {
	name := c.Query("name")
	if name == "" {
		return s.deps.Breakers, true
	}
	for _, b := range s.deps.Breakers {
		if b.Name() == name {
			return []*breaker.Breaker{b}, true
		}
	}
	return nil, false
}

func (s *Server) handleBreakerStatus(c *gin.Context) {
	breakers, ok := s.findBreakers(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "unknown circuit breaker"})
		return
	}

	if len(breakers) == 1 && c.Query("name") != "" {
		c.JSON(http.StatusOK, breakers[0].Status())
		return
	}

	statuses := make([]breaker.Status, 0, len(breakers))
	for _, b := range breakers {
		statuses = append(statuses, b.Status())
	}
	c.JSON(http.StatusOK, gin.H{"breakers": statuses})
}

// handleBreakerReset forces breakers closed. Listeners attached at startup
// publish the change to other instances.
func (s *Server) handleBreakerReset(c *gin.Context) {
	breakers, ok := s.findBreakers(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "unknown circuit breaker"})
		return
	}

	statuses := make([]breaker.Status, 0, len(breakers))
	for _, b := range breakers {
		statuses = append(statuses, b.Reset())
	}

	s.logger.Info("Circuit breakers reset by admin",
		slog.Int("count", len(statuses)),
		slog.String("remote_addr", c.ClientIP()),
	)

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"message":  "circuit breaker reset to closed",
		"breakers": statuses,
	})
}

func (s *Server) handleClusterEvents(c *gin.Context) {
	if s.deps.Cluster == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "events": []cluster.Event{}})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"enabled":  true,
		"instance": s.deps.Cluster.Instance(),
		"events":   s.deps.Cluster.Remote(),
	})
}
