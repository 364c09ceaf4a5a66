package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Prince364133/hubsnap-sub002/internal/mailqueue"
	"github.com/Prince364133/hubsnap-sub002/internal/models"
	"github.com/Prince364133/hubsnap-sub002/internal/replies"
)

// EnqueueRequest is the producer payload for POST /api/v1/queue.
type EnqueueRequest struct {
	To         string `json:"to"`
	Subject    string `json:"subject"`
	HTMLBody   string `json:"html_body"`
	TextBody   string `json:"text_body"`
	Priority   int    `json:"priority"`
	CampaignID string `json:"campaign_id"`
	Kind       string `json:"kind"`
	ReplyToID  *int64 `json:"reply_to_id"`
}

// Entry converts the payload into a queue entry. Status and retry state
// are always assigned by the store.
func (r EnqueueRequest) Entry() *models.QueueEntry {
	entry := &models.QueueEntry{
		To:        r.To,
		Subject:   r.Subject,
		HTMLBody:  r.HTMLBody,
		TextBody:  r.TextBody,
		Priority:  r.Priority,
		Kind:      models.MessageKind(r.Kind),
		ReplyToID: r.ReplyToID,
	}
	if c := strings.TrimSpace(r.CampaignID); c != "" {
		entry.CampaignID = &c
	}
	return entry
}

// HandleEnqueue handles POST /api/v1/queue.
func (h *Handler) HandleEnqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ReplyToID != nil {
		if _, err := h.replies.Get(c.Request.Context(), *req.ReplyToID); err != nil {
			if errors.Is(err, replies.ErrNotFound) {
				respondError(c, http.StatusBadRequest, "reply_to_id does not reference a stored reply")
				return
			}
			h.respondStoreError(c, err)
			return
		}
	}

	entry := req.Entry()
	if err := h.queue.Enqueue(c.Request.Context(), entry); err != nil {
		h.respondStoreError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, entry)
}

// HandleGetQueueEntry handles GET /api/v1/queue/:id.
func (h *Handler) HandleGetQueueEntry(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	entry, err := h.queue.Get(c.Request.Context(), id)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	respondOK(c, http.StatusOK, entry)
}

// HandleListQueue handles GET /api/v1/queue.
func (h *Handler) HandleListQueue(c *gin.Context) {
	limit, ok := limitQuery(c)
	if !ok {
		return
	}
	status := models.QueueStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		respondError(c, http.StatusBadRequest, "invalid status")
		return
	}

	entries, err := h.queue.List(c.Request.Context(), mailqueue.ListFilter{Status: status, Limit: limit})
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	if entries == nil {
		entries = []*models.QueueEntry{}
	}
	respondOK(c, http.StatusOK, entries)
}

// HandleQueueStats handles GET /api/v1/queue/stats.
func (h *Handler) HandleQueueStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	respondOK(c, http.StatusOK, stats)
}

// HandleListLogs handles GET /api/v1/logs.
func (h *Handler) HandleListLogs(c *gin.Context) {
	limit, ok := limitQuery(c)
	if !ok {
		return
	}
	filter := mailqueue.LogFilter{Limit: limit}

	if raw := c.Query("email_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			respondError(c, http.StatusBadRequest, "invalid email_id")
			return
		}
		filter.EmailID = id
	}
	switch status := models.LogStatus(c.Query("status")); status {
	case "", models.LogStatusSent, models.LogStatusFailed:
		filter.Status = status
	default:
		respondError(c, http.StatusBadRequest, "invalid status")
		return
	}

	logs, err := h.queue.Logs(c.Request.Context(), filter)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	if logs == nil {
		logs = []*models.LogEntry{}
	}
	respondOK(c, http.StatusOK, logs)
}
