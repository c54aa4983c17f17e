package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/musterhq/muster/internal/command"
	"github.com/musterhq/muster/internal/hub"
	"github.com/musterhq/muster/internal/poll"
	"github.com/musterhq/muster/internal/store"
)

// respondError maps domain errors onto HTTP statuses: validation problems are
// 400, unknown agents 404, a duplicate pending command 409, everything else an
// opaque 500.
func respondError(c *gin.Context, err error) {
	var missing *command.MissingFieldError
	switch {
	case errors.As(err, &missing),
		errors.Is(err, command.ErrUnknownKind),
		errors.Is(err, command.ErrBadPayload),
		errors.Is(err, command.ErrInvalidAction),
		errors.Is(err, poll.ErrInvalidInterval),
		errors.Is(err, hub.ErrUnknownPage),
		errors.Is(err, hub.ErrUnknownFilter):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, command.ErrUnknownAgent),
		errors.Is(err, store.ErrAgentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
	case errors.Is(err, command.ErrDuplicatePending):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		slog.Error("Request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
