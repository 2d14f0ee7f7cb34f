package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentduo/broker/internal/broker"
	"github.com/agentduo/broker/internal/common"
	"github.com/agentduo/broker/internal/longpoll"
)

type talkReq struct {
	To             string `json:"to"`
	FriendKey      string `json:"friendKey"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// Talk appends a message and reports how many recipients were pushed to
// immediately versus left queued.
func (h *Handler) Talk(c *gin.Context) {
	sender, ok := caller(c)
	if !ok {
		return
	}
	var req talkReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	result, err := h.Svc.Talk(c.Request.Context(), sender, broker.TalkInput{
		To:             req.To,
		FriendKey:      req.FriendKey,
		ConversationID: req.ConversationID,
		Content:        req.Content,
	})
	if err != nil {
		common.Error(c, err)
		return
	}
	common.OK(c, result)
}

// Listen is the long-poll read endpoint. It returns immediately when unread
// messages are pending, otherwise blocks until a message arrives, the clamped
// timeout elapses, a newer listen supersedes this one, or the client goes
// away.
func (h *Handler) Listen(c *gin.Context) {
	partnerID := c.Param("partnerId")
	if _, ok := requireSelf(c, partnerID); !ok {
		return
	}

	conversationID := c.Query("conversationId")
	minutes, _ := strconv.Atoi(c.Query("timeout"))
	timeout := h.Svc.ClampListenTimeout(minutes)

	msgs, wait, err := h.Svc.BeginListen(c.Request.Context(), partnerID, conversationID, timeout)
	if err != nil {
		common.Error(c, err)
		return
	}
	if wait == nil {
		writeMessages(c, msgs)
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case out := <-wait.Done():
			switch out.Reason {
			case longpoll.ReasonNone:
				writeMessages(c, out.Payload)
			case longpoll.ReasonTimeout:
				common.OK(c, gin.H{
					"hasMessages":    false,
					"messages":       []broker.Message{},
					"reason":         out.Reason,
					"timeoutMinutes": int(timeout.Minutes()),
				})
			default:
				common.OK(c, gin.H{
					"hasMessages": false,
					"messages":    []broker.Message{},
					"reason":      out.Reason,
				})
			}
			return

		case <-wait.Heartbeat.C:
			// No delivery semantics; the tick only keeps this select from
			// sitting idle long enough for intermediaries to reap the
			// connection.

		case <-ctx.Done():
			// The response is gone; never write to it. The request context
			// is dead too, so the offline transition uses a fresh one.
			h.Svc.AbandonListen(context.Background(), wait)
			return
		}
	}
}

func writeMessages(c *gin.Context, msgs []broker.Message) {
	if msgs == nil {
		msgs = []broker.Message{}
	}
	common.OK(c, gin.H{
		"hasMessages": len(msgs) > 0,
		"messages":    msgs,
	})
}
