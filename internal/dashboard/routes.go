package dashboard

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/admin"
	"github.com/zulandar/switchyard/internal/store"
)

// adminIDKey is the gin context key holding the authenticated admin.
const adminIDKey = "admin_id"

// registerRoutes sets up all admin API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts ServerOpts, log zerolog.Logger) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	for name, h := range opts.Webhooks {
		router.GET("/webhook/"+name, h)
		router.POST("/webhook/"+name, h)
	}

	h := &handlers{store: opts.Store, admin: opts.Admin, broker: opts.Broker, isAdmin: opts.IsAdmin, log: log}
	api := router.Group("/admin", requireAdmin(opts.APIKey, opts.IsAdmin))
	api.GET("/health", h.health)
	api.POST("/conversation/control", h.control)
	api.GET("/conversation/:id/status", h.status)
	api.GET("/conversation/:id/messages", h.messages)
	api.POST("/conversation/:id/reply", h.reply)
	api.GET("/conversations", h.conversations)
	api.GET("/conversations/escalated", h.escalated)
	api.POST("/message/:id/mark-human-replied", h.markHumanReplied)
	api.GET("/actions", h.actions)
	api.GET("/events", h.events)
}

// requireAdmin checks the bearer API key and the X-Admin-User-ID header.
func requireAdmin(apiKey string, isAdmin func(string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		id := strings.TrimSpace(c.GetHeader("X-Admin-User-ID"))
		if id == "" || !isAdmin(id) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not an admin"})
			return
		}
		c.Set(adminIDKey, id)
		c.Next()
	}
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, admin.ErrInvalidAction), errors.Is(err, admin.ErrAdminRequired):
		return http.StatusBadRequest
	case errors.Is(err, admin.ErrClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("admin_request_failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
