package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/musterhq/muster/internal/api/http/dto"
	"github.com/musterhq/muster/internal/command"
	"github.com/musterhq/muster/internal/hub"
)

type CommandHandler struct {
	hub *hub.Hub
}

func NewCommandHandler(h *hub.Hub) *CommandHandler {
	return &CommandHandler{hub: h}
}

// Send dispatches a command to the agent: delivered immediately over a live
// connection, queued for replay otherwise.
// POST /api/agents/:id/commands
func (h *CommandHandler) Send(c *gin.Context) {
	var req dto.SendCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}

	outcome, err := h.hub.SendCommand(c.Request.Context(), c.Param("id"), req.Type, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if outcome == command.OutcomeQueued {
		status = http.StatusAccepted
	}
	c.JSON(status, dto.SendCommandResponse{Outcome: string(outcome)})
}
