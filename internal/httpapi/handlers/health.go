package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/agentduo/broker/internal/common"
)

func (h *Handler) Health(c *gin.Context) {
	info, err := h.Svc.Health(c.Request.Context())
	if err != nil {
		common.Error(c, err)
		return
	}
	common.OK(c, info)
}
