package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/musterhq/muster/internal/api/http/dto"
	"github.com/musterhq/muster/internal/hub"
)

type AgentsHandler struct {
	hub *hub.Hub
}

func NewAgentsHandler(h *hub.Hub) *AgentsHandler {
	return &AgentsHandler{hub: h}
}

// List returns every known agent, online state overlaid from the live registry.
// GET /api/agents?filter=online|offline
func (h *AgentsHandler) List(c *gin.Context) {
	filter := hub.ListFilter(c.Query("filter"))

	agentList, err := h.hub.ListAgents(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ListAgentsResponse{
		Agents: agentList,
		Count:  len(agentList),
	})
}

// Get returns one agent record.
// GET /api/agents/:id
func (h *AgentsHandler) Get(c *gin.Context) {
	agent, err := h.hub.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, agent)
}

// Delete removes the agent and everything collected for it. A live connection
// is kicked first.
// DELETE /api/agents/:id
func (h *AgentsHandler) Delete(c *gin.Context) {
	agentID := c.Param("id")

	if err := h.hub.DeleteAgent(c.Request.Context(), agentID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "agent deleted"})
}

// Queue lists the commands still waiting for the agent to reconnect.
// GET /api/agents/:id/queue
func (h *AgentsHandler) Queue(c *gin.Context) {
	entries, err := h.hub.Queue(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.QueueResponse{
		Commands: entries,
		Count:    len(entries),
	})
}

// defaultConnectionHistoryLimit caps the history listing when the caller does
// not ask for a specific window.
const defaultConnectionHistoryLimit = 50

// Connections lists the agent's connection sessions, newest first. An entry
// without a disconnected_at stamp is the live session.
// GET /api/agents/:id/connections?limit=N
func (h *AgentsHandler) Connections(c *gin.Context) {
	limit := defaultConnectionHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	logs, err := h.hub.ConnectionHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ConnectionHistoryResponse{
		Connections: logs,
		Count:       len(logs),
	})
}
