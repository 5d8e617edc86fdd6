package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/ticktalk/internal/util"
)

const (
	defaultLagEvents   = 20
	defaultSessionRows = 50
	maxSessionRows     = 500
)

// handleGetClients lists every connection from the latest snapshot.
func (s *Server) handleGetClients(c *gin.Context) {
	snap := s.broker.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"clients": snap.Clients,
		"total":   len(snap.Clients),
		"active":  snap.Active,
		"tick":    snap.Tick,
	})
}

// handleGetClient returns a single connection.
func (s *Server) handleGetClient(c *gin.Context) {
	id, err := parseClientID(c)
	if err != nil {
		return
	}

	info, ok := s.broker.Snapshot().Client(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "client not found", "id": id})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleGetStats returns broker counters, process usage and, when the
// audit log is enabled, the last day's drop reasons.
func (s *Server) handleGetStats(c *gin.Context) {
	snap := s.broker.Snapshot()

	resp := gin.H{
		"tick":               snap.Tick,
		"last_tick_duration": snap.LastTickDuration.String(),
		"connections":        len(snap.Clients),
		"active":             snap.Active,
		"broker":             snap.Stats,
		"process":            util.GetProcessStats(snap.Started),
	}

	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}

	if s.sessions != nil {
		reasons, err := s.sessions.CountByReason(time.Now().Add(-24 * time.Hour))
		if err != nil {
			log.Warn().Err(err).Msg("API: failed to count drop reasons")
		} else {
			resp["drops_24h"] = reasons
		}
	}

	c.JSON(http.StatusOK, resp)
}

// handleGetTickLag returns long tick statistics and any active alerts.
func (s *Server) handleGetTickLag(c *gin.Context) {
	if s.lag == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lag monitor not running"})
		return
	}

	recent := defaultLagEvents
	if v := c.Query("recent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recent"})
			return
		}
		recent = n
	}

	c.JSON(http.StatusOK, gin.H{
		"stats":  s.lag.Stats(recent),
		"alerts": s.lag.CheckThresholds(),
	})
}

// handleGetSessions returns the most recent audit rows.
func (s *Server) handleGetSessions(c *gin.Context) {
	if s.sessions == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit log disabled"})
		return
	}

	limit := defaultSessionRows
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxSessionRows)
	}

	rows, err := s.sessions.RecentSessions(limit)
	if err != nil {
		log.Error().Err(err).Msg("API: failed to read sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": rows,
		"total":    len(rows),
	})
}
