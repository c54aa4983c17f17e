package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/musterhq/muster/internal/hub"
)

type PagesHandler struct {
	hub *hub.Hub
}

func NewPagesHandler(h *hub.Hub) *PagesHandler {
	return &PagesHandler{hub: h}
}

// Get returns one read-side view of the agent's collected data. The filter
// query narrows pages that support it: a phone suffix for calls, an address
// suffix for sms, the app name for notifications, the sub-type for downloads.
// GET /api/agents/:id/pages/:page?filter=
func (h *PagesHandler) Get(c *gin.Context) {
	page, ok := hub.ParsePage(c.Param("page"))
	if !ok {
		respondError(c, hub.ErrUnknownPage)
		return
	}

	opts := hub.PageOptions{Filter: c.Query("filter")}
	result, err := h.hub.AgentPage(c.Request.Context(), c.Param("id"), page, opts)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
