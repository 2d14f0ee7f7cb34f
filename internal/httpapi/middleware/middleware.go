package middleware

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentduo/broker/internal/broker"
	"github.com/agentduo/broker/internal/common"
)

const (
	PartnerKey      = "partner"
	RequestIDHeader = "X-Request-ID"
	apiKeyHeader    = "X-Api-Key"
)

// Recovery turns panics into the standard 500 envelope.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[BROKER] panic: %v", r)
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// RequestID attaches a request id to every response, generating one when the
// client did not send one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// APIKey gates all traffic behind the deployment-wide shared secret when one
// is configured. The comparison is constant-time so response timing leaks
// nothing about key length or prefix.
func APIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		presented := c.GetHeader(apiKeyHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
			common.Fail(c, http.StatusUnauthorized, 40100, "unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}

// BearerToken extracts the Authorization bearer value, empty when absent.
func BearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

// PartnerAuth resolves the caller's partner identity from its bearer secret
// and stores it in the request context.
func PartnerAuth(svc *broker.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "invalid or missing partner key")
			c.Abort()
			return
		}
		partner, err := svc.PartnerByKey(c.Request.Context(), token)
		if err != nil {
			common.Error(c, err)
			c.Abort()
			return
		}
		c.Set(PartnerKey, partner)
		c.Next()
	}
}

// Partner returns the authenticated partner set by PartnerAuth.
func Partner(c *gin.Context) (*broker.Partner, bool) {
	v, ok := c.Get(PartnerKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*broker.Partner)
	return p, ok
}
