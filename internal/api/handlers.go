package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whisper/randomchat/internal/chat"
	"github.com/whisper/randomchat/internal/engine"
	"github.com/whisper/randomchat/internal/report"
)

type joinQueueRequest struct {
	ChatType chat.ChatType `json:"chat_type"`
	Language string        `json:"language"`
}

type sendMessageRequest struct {
	Content     string           `json:"content"`
	MessageType chat.MessageType `json:"message_type"`
}

type endSessionRequest struct {
	Reason chat.EndReason `json:"reason"`
}

type reportRequest struct {
	Reason             string   `json:"reason" binding:"required"`
	Description        string   `json:"description"`
	EvidenceMessageIDs []string `json:"evidence_message_ids"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrNotQueued),
		errors.Is(err, chat.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrAlreadyQueued),
		errors.Is(err, chat.ErrAlreadyInSession),
		errors.Is(err, chat.ErrSessionNotActive):
		return http.StatusConflict
	case errors.Is(err, chat.ErrSenderNotParticipant),
		errors.Is(err, chat.ErrReporterNotParticipant),
		errors.Is(err, chat.ErrBanned):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrContentEmpty),
		errors.Is(err, chat.ErrContentTooLong),
		errors.Is(err, chat.ErrContentInvalid),
		errors.Is(err, chat.ErrInvalidReason),
		errors.Is(err, chat.ErrInvalidMessageType),
		errors.Is(err, chat.ErrInvalidPreferences):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// fail writes err as a JSON error response.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"code": chat.Code(err), "error": err.Error()}

	var banErr *engine.BanError
	if errors.As(err, &banErr) {
		body["reason"] = banErr.Status.Reason
		body["remaining_seconds"] = int(math.Ceil(banErr.Status.Remaining.Seconds()))
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		body["error"] = "internal error"
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
}

// JoinQueue POST /api/v1/queue
func (h *Handler) JoinQueue(c *gin.Context) {
	var req joinQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.engine.JoinQueue(c.Request.Context(), currentUser(c),
		chat.Preferences{ChatType: req.ChatType, Language: req.Language})
	if err != nil {
		h.fail(c, err)
		return
	}

	if q := res.Queued; q != nil {
		c.JSON(http.StatusOK, gin.H{
			"status":                 "queued",
			"anonymous_id":           q.AnonymousID,
			"position":               q.Position,
			"estimated_wait_seconds": q.EstimatedWait.Seconds(),
		})
		return
	}
	m := res.Matched
	c.JSON(http.StatusOK, gin.H{
		"status":               "matched",
		"session_id":           m.SessionID,
		"chat_type":            m.ChatType,
		"anonymous_id":         m.AnonymousID,
		"partner_anonymous_id": m.PartnerAnonymousID,
	})
}

// QueuePosition GET /api/v1/queue
func (h *Handler) QueuePosition(c *gin.Context) {
	pos, err := h.engine.QueuePosition(currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": pos})
}

// LeaveQueue DELETE /api/v1/queue
func (h *Handler) LeaveQueue(c *gin.Context) {
	if err := h.engine.LeaveQueue(c.Request.Context(), currentUser(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetSession GET /api/v1/session
func (h *Handler) GetSession(c *gin.Context) {
	summary, ok := h.engine.GetActiveSession(currentUser(c))
	if !ok {
		c.JSON(http.StatusOK, gin.H{"session": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": summary})
}

// ListMessages GET /api/v1/sessions/:id/messages?limit=N
func (h *Handler) ListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.engine.Messages(c.Param("id"), currentUser(c), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendMessage POST /api/v1/sessions/:id/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	msg, err := h.engine.SendMessage(c.Request.Context(), c.Param("id"), currentUser(c), req.Content, req.MessageType)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// EndSession POST /api/v1/sessions/:id/end
func (h *Handler) EndSession(c *gin.Context) {
	var req endSessionRequest
	// The body is optional.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	summary, err := h.engine.EndSession(c.Request.Context(), c.Param("id"), currentUser(c), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": summary})
}

// SubmitReport POST /api/v1/sessions/:id/reports
func (h *Handler) SubmitReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	r, err := h.engine.SubmitReport(c.Request.Context(), engine.ReportInput{
		SessionID:          c.Param("id"),
		ReporterID:         currentUser(c),
		Reason:             report.Reason(req.Reason),
		Description:        req.Description,
		EvidenceMessageIDs: req.EvidenceMessageIDs,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}
