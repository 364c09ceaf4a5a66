package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Prince364133/hubsnap-sub002/internal/mailqueue"
	"github.com/Prince364133/hubsnap-sub002/internal/replies"
)

func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// respondStoreError maps store sentinels onto HTTP statuses.
func (h *Handler) respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, mailqueue.ErrInvalidEntry):
		respondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, mailqueue.ErrNotFound), errors.Is(err, replies.ErrNotFound):
		respondError(c, http.StatusNotFound, err.Error())
	default:
		h.logger.Printf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
		respondError(c, http.StatusInternalServerError, "internal error")
	}
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func limitQuery(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		respondError(c, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return limit, true
}
