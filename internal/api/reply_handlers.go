package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Prince364133/hubsnap-sub002/internal/models"
	"github.com/Prince364133/hubsnap-sub002/internal/replies"
)

// ReplyRequest is the payload for POST /api/v1/replies/:id/reply.
type ReplyRequest struct {
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
	TextBody string `json:"text_body"`
	Priority int    `json:"priority"`
}

// HandleListReplies handles GET /api/v1/replies.
func (h *Handler) HandleListReplies(c *gin.Context) {
	limit, ok := limitQuery(c)
	if !ok {
		return
	}
	status := models.ReplyStatus(c.Query("status"))
	switch status {
	case "", models.ReplyStatusUnread, models.ReplyStatusRead:
	default:
		respondError(c, http.StatusBadRequest, "invalid status")
		return
	}

	records, err := h.replies.List(c.Request.Context(), replies.Filter{Status: status, Limit: limit})
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	if records == nil {
		records = []*models.ReplyRecord{}
	}
	respondOK(c, http.StatusOK, records)
}

// HandleGetReply handles GET /api/v1/replies/:id.
func (h *Handler) HandleGetReply(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	record, err := h.replies.Get(c.Request.Context(), id)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	respondOK(c, http.StatusOK, record)
}

// HandleMarkReplyRead handles POST /api/v1/replies/:id/read.
func (h *Handler) HandleMarkReplyRead(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.replies.MarkRead(c.Request.Context(), id); err != nil {
		h.respondStoreError(c, err)
		return
	}
	record, err := h.replies.Get(c.Request.Context(), id)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	respondOK(c, http.StatusOK, record)
}

// HandleReplyToReply handles POST /api/v1/replies/:id/reply. It enqueues a
// reply entry addressed to the original sender.
func (h *Handler) HandleReplyToReply(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req ReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	record, err := h.replies.Get(c.Request.Context(), id)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		subject = replySubject(record.Subject)
	}
	entry := &models.QueueEntry{
		To:        record.From,
		Subject:   subject,
		HTMLBody:  req.HTMLBody,
		TextBody:  req.TextBody,
		Priority:  req.Priority,
		Kind:      models.KindReply,
		ReplyToID: &record.ID,
	}
	if err := h.queue.Enqueue(c.Request.Context(), entry); err != nil {
		h.respondStoreError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, entry)
}

// replySubject prefixes "Re: " unless the subject already carries it.
func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re:"
	}
	if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
		return subject
	}
	return "Re: " + subject
}
