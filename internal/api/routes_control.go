package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/ticktalk/internal/server"
)

type noticeRequest struct {
	Message string `json:"message" binding:"required"`
}

// handleKick disconnects a client by id.
func (s *Server) handleKick(c *gin.Context) {
	id, err := parseClientID(c)
	if err != nil {
		return
	}

	if err := s.broker.Kick(id); err != nil {
		c.JSON(brokerErrorStatus(err), gin.H{"error": err.Error(), "id": id})
		return
	}

	log.Info().Uint32("client_id", id).Str("client_ip", c.ClientIP()).Msg("API: client kicked")
	c.JSON(http.StatusOK, gin.H{
		"status": "kicked",
		"id":     id,
	})
}

// handleNotice sends a server notice to every active client.
func (s *Server) handleNotice(c *gin.Context) {
	var req noticeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.broker.Notice(req.Message); err != nil {
		c.JSON(brokerErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	log.Info().Int("length", len(req.Message)).Str("client_ip", c.ClientIP()).Msg("API: notice sent")
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

func brokerErrorStatus(err error) int {
	switch {
	case errors.Is(err, server.ErrUnknownClient):
		return http.StatusNotFound
	case errors.Is(err, server.ErrEmptyNotice):
		return http.StatusBadRequest
	case errors.Is(err, server.ErrQueueFull), errors.Is(err, server.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseClientID reads the :id parameter, writing a 400 on failure.
func parseClientID(c *gin.Context) (uint32, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client id"})
		return 0, err
	}
	return uint32(id), nil
}
