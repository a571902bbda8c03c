package dashboard

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/admin"
	"github.com/zulandar/switchyard/internal/models"
)

type controlRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	Action         string `json:"action" binding:"required"`
	AdminID        string `json:"admin_id"`
	Reason         string `json:"reason"`
	Priority       int    `json:"priority"`
}

type replyRequest struct {
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments"`
}

// actingAdmin resolves the admin an action is recorded under. The body may
// name another configured admin; otherwise the authenticated caller is used.
func actingAdmin(c *gin.Context, bodyID string, isAdmin func(string) bool) (string, bool) {
	caller := c.GetString(adminIDKey)
	if bodyID == "" || bodyID == caller {
		return caller, true
	}
	if isAdmin != nil && isAdmin(bodyID) {
		return bodyID, true
	}
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin_id is not an admin"})
	return "", false
}

func (h *handlers) control(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	adminID, ok := actingAdmin(c, req.AdminID, h.isAdmin)
	if !ok {
		return
	}
	conv, err := h.admin.Apply(c.Request.Context(), admin.Request{
		ConversationID: req.ConversationID,
		AdminID:        adminID,
		Action:         req.Action,
		Reason:         req.Reason,
		Priority:       req.Priority,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"action":       req.Action,
		"admin_id":     adminID,
		"conversation": conversationView(conv),
	})
}

func (h *handlers) reply(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.admin.Reply(c.Request.Context(), admin.ReplyRequest{
		ConversationID: c.Param("id"),
		AdminID:        c.GetString(adminIDKey),
		Text:           req.Text,
		Attachments:    req.Attachments,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	body := gin.H{
		"message":       messageView(res.Message),
		"conversation":  conversationView(res.Conversation),
		"delivered":     res.Delivery.Delivered,
		"attempts":      res.Delivery.Attempts,
		"text_fallback": res.Delivery.TextFallback,
	}
	status := http.StatusOK
	if !res.Delivery.Delivered {
		// The reply is stored; only delivery failed.
		status = http.StatusBadGateway
		if res.Delivery.Err != nil {
			body["error"] = res.Delivery.Err.Error()
		}
	}
	c.JSON(status, body)
}

func (h *handlers) markHumanReplied(c *gin.Context) {
	msg, err := h.admin.MarkHumanReplied(c.Request.Context(), c.Param("id"), c.GetString(adminIDKey))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": messageView(msg)})
}
