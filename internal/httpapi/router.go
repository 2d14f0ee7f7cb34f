package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentduo/broker/internal/broker"
	"github.com/agentduo/broker/internal/common"
	"github.com/agentduo/broker/internal/config"
	"github.com/agentduo/broker/internal/httpapi/handlers"
	"github.com/agentduo/broker/internal/httpapi/middleware"
)

func NewRouter(svc *broker.Service, cfg config.Config) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(svc, cfg)

	// health stays reachable without the deployment key
	r.GET("/health", h.Health)

	gated := r.Group("/")
	gated.Use(middleware.APIKey(cfg.APIKey))

	// open routes: registration is open for new ids (Register resolves the
	// bearer itself for re-registration), the partner directory is public
	gated.POST("/register", h.Register)
	gated.GET("/partners", h.ListPartners)

	auth := gated.Group("/")
	auth.Use(middleware.PartnerAuth(svc))

	auth.POST("/talk", h.Talk)
	auth.GET("/listen/:partnerId", h.Listen)

	auth.POST("/conversations", h.CreateGroup)
	auth.GET("/conversations/:id", h.ListConversations)
	auth.POST("/conversations/:id/leave", h.LeaveConversation)
	auth.GET("/conversations/:id/messages", h.History)
	auth.GET("/conversations/:id/participants", h.Participants)

	auth.POST("/partners/:partnerId/status", h.SetStatus)
	auth.POST("/partners/:partnerId/notifications", h.SetNotifications)

	auth.POST("/unregister", h.Unregister)
	auth.GET("/notifications/:partnerId", h.Notifications)

	return r
}
