package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentduo/broker/internal/broker"
	"github.com/agentduo/broker/internal/common"
	"github.com/agentduo/broker/internal/httpapi/middleware"
)

type registerReq struct {
	PartnerID   string `json:"partnerId" binding:"required"`
	Name        string `json:"name"`
	ProjectPath string `json:"projectPath"`
}

// Register creates or updates a partner. New ids register openly; existing
// ids require the owner's bearer key. The secret key is only ever shown here,
// to its owner.
func (h *Handler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "partnerId required")
		return
	}

	var authed *broker.Partner
	if token := middleware.BearerToken(c); token != "" {
		if p, err := h.Svc.PartnerByKey(c.Request.Context(), token); err == nil {
			authed = p
		}
	}

	partner, err := h.Svc.Register(c.Request.Context(), broker.RegisterInput{
		ID:          req.PartnerID,
		Name:        req.Name,
		ProjectPath: req.ProjectPath,
	}, authed)
	if err != nil {
		common.Error(c, err)
		return
	}

	common.OK(c, gin.H{
		"partner": gin.H{
			"id":                    partner.ID,
			"name":                  partner.Name,
			"partnerKey":            partner.SecretKey,
			"project_path":          partner.ProjectPath,
			"status":                partner.Status,
			"notifications_enabled": partner.NotificationsEnabled,
			"created_at":            partner.CreatedAt,
			"last_seen":             partner.LastSeen,
		},
	})
}

// ListPartners is public and never exposes secrets.
func (h *Handler) ListPartners(c *gin.Context) {
	partners, err := h.Svc.ListPartners(c.Request.Context(), c.Query("search"))
	if err != nil {
		common.Error(c, err)
		return
	}
	common.OK(c, gin.H{"partners": partners})
}

type statusReq struct {
	Message *string `json:"message"`
}

func (h *Handler) SetStatus(c *gin.Context) {
	partner, ok := requireSelf(c, c.Param("partnerId"))
	if !ok {
		return
	}
	var req statusReq
	_ = c.ShouldBindJSON(&req) // absent body clears the status message
	if err := h.Svc.SetStatusMessage(c.Request.Context(), partner.ID, req.Message); err != nil {
		common.Error(c, err)
		return
	}
	common.OK(c, gin.H{"success": true})
}

type notificationsReq struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) SetNotifications(c *gin.Context) {
	partner, ok := requireSelf(c, c.Param("partnerId"))
	if !ok {
		return
	}
	var req notificationsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if err := h.Svc.SetNotificationsEnabled(c.Request.Context(), partner.ID, req.Enabled); err != nil {
		common.Error(c, err)
		return
	}
	common.OK(c, gin.H{"success": true})
}

// Unregister closes any open wait and marks the partner offline.
func (h *Handler) Unregister(c *gin.Context) {
	partner, ok := caller(c)
	if !ok {
		return
	}
	if err := h.Svc.Unregister(c.Request.Context(), partner.ID); err != nil {
		common.Error(c, err)
		return
	}
	common.OK(c, gin.H{"success": true})
}

// Notifications returns truncated unread previews without marking anything
// read.
func (h *Handler) Notifications(c *gin.Context) {
	partner, ok := requireSelf(c, c.Param("partnerId"))
	if !ok {
		return
	}
	previews, err := h.Svc.Notifications(c.Request.Context(), partner.ID)
	if err != nil {
		common.Error(c, err)
		return
	}
	common.OK(c, gin.H{"notifications": previews})
}
