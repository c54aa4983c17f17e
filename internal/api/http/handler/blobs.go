package handler

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/musterhq/muster/internal/hub"
)

type BlobsHandler struct {
	hub *hub.Hub
}

func NewBlobsHandler(h *hub.Hub) *BlobsHandler {
	return &BlobsHandler{hub: h}
}

// Download serves a stored binary payload by the relative path recorded in the
// agent's download log.
// GET /api/blobs/*path
func (h *BlobsHandler) Download(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("path"), "/")
	if rel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}

	abs, err := h.hub.BlobPath(rel)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}
	if _, err := os.Stat(abs); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "blob not found"})
		return
	}

	c.File(abs)
}
