package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/ticktalk/internal/util"
)

// Version is reported by the ping and server info endpoints.
const Version = "1.0.0"

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "ticktalkd",
		"version": Version,
	})
}

// handleGetServerInfo returns host information, listen addresses and
// connection counts.
func (s *Server) handleGetServerInfo(c *gin.Context) {
	srv := s.cfg.GetServer()
	sysInfo := util.GetSystemInfo()
	snap := s.broker.Snapshot()

	c.JSON(http.StatusOK, gin.H{
		"version":           Version,
		"listen_address":    srv.ListenAddress,
		"websocket_address": srv.WebSocketAddress,
		"max_clients":       srv.MaxClients,
		"connections":       len(snap.Clients),
		"active_clients":    snap.Active,
		"uptime_sec":        int64(time.Since(snap.Started).Seconds()),
		"hostname":          sysInfo.Hostname,
		"os":                sysInfo.OS,
		"arch":              sysInfo.Architecture,
		"cpu_model":         sysInfo.CPUModel,
		"cpu_cores":         sysInfo.CPUCores,
		"total_memory_mb":   sysInfo.TotalMemory,
		"go_version":        sysInfo.GoVersion,
	})
}
