package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentduo/broker/internal/broker"
	"github.com/agentduo/broker/internal/common"
	"github.com/agentduo/broker/internal/config"
	"github.com/agentduo/broker/internal/httpapi/middleware"
)

type Handler struct {
	Svc *broker.Service
	Cfg config.Config
}

func NewHandler(svc *broker.Service, cfg config.Config) *Handler {
	return &Handler{Svc: svc, Cfg: cfg}
}

// caller returns the authenticated partner or writes a 401 and reports false.
func caller(c *gin.Context) (*broker.Partner, bool) {
	p, ok := middleware.Partner(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return p, ok
}

// requireSelf enforces that the authenticated partner matches the path
// parameter on acting-as-self routes.
func requireSelf(c *gin.Context, partnerID string) (*broker.Partner, bool) {
	p, ok := caller(c)
	if !ok {
		return nil, false
	}
	if p.ID != partnerID {
		common.Fail(c, http.StatusForbidden, 40301, "partner key does not match partnerId")
		return nil, false
	}
	return p, true
}
