package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentduo/broker/internal/broker"
	"github.com/agentduo/broker/internal/common"
)

type createGroupReq struct {
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
	FriendKeys   []string `json:"friendKeys"`
}

func (h *Handler) CreateGroup(c *gin.Context) {
	creator, ok := caller(c)
	if !ok {
		return
	}
	var req createGroupReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	conv, err := h.Svc.CreateGroup(c.Request.Context(), creator, broker.GroupInput{
		Name:         req.Name,
		Participants: req.Participants,
		FriendKeys:   req.FriendKeys,
	})
	if err != nil {
		common.Error(c, err)
		return
	}
	common.OK(c, gin.H{"conversation": conv})
}

// ListConversations returns the caller's conversations with unread counts and
// participant names. The :id path segment is the partner id here.
func (h *Handler) ListConversations(c *gin.Context) {
	partner, ok := requireSelf(c, c.Param("id"))
	if !ok {
		return
	}
	summaries, err := h.Svc.ListConversations(c.Request.Context(), partner.ID)
	if err != nil {
		common.Error(c, err)
		return
	}
	common.OK(c, gin.H{"conversations": summaries})
}

func (h *Handler) LeaveConversation(c *gin.Context) {
	partner, ok := caller(c)
	if !ok {
		return
	}
	archived, err := h.Svc.Leave(c.Request.Context(), partner, c.Param("id"))
	if err != nil {
		common.Error(c, err)
		return
	}
	common.OK(c, gin.H{"left": true, "archived": archived})
}

func (h *Handler) History(c *gin.Context) {
	partner, ok := caller(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	conv, msgs, err := h.Svc.History(c.Request.Context(), partner, c.Param("id"), limit)
	if err != nil {
		common.Error(c, err)
		return
	}
	if msgs == nil {
		msgs = []broker.Message{}
	}
	common.OK(c, gin.H{"conversation": conv, "messages": msgs})
}

func (h *Handler) Participants(c *gin.Context) {
	partner, ok := caller(c)
	if !ok {
		return
	}
	participants, err := h.Svc.Participants(c.Request.Context(), partner, c.Param("id"))
	if err != nil {
		common.Error(c, err)
		return
	}
	common.OK(c, gin.H{"participants": participants})
}
