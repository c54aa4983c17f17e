package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/musterhq/muster/internal/api/http/dto"
	"github.com/musterhq/muster/internal/hub"
)

type PollHandler struct {
	hub *hub.Hub
}

func NewPollHandler(h *hub.Hub) *PollHandler {
	return &PollHandler{hub: h}
}

// Set stores the agent's location poll interval and applies it immediately.
// PUT /api/agents/:id/poll
func (h *PollHandler) Set(c *gin.Context) {
	var req dto.PollConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.hub.SetPollInterval(c.Request.Context(), c.Param("id"), req.IntervalSeconds); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "poll interval updated"})
}
