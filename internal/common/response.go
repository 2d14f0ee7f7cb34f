package common

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentduo/broker/internal/apperr"
)

// OK renders the standard success envelope.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

// Fail renders the standard error envelope.
func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

// Error maps a service error onto the envelope using the apperr taxonomy.
func Error(c *gin.Context, err error) {
	msg := err.Error()
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		Fail(c, http.StatusBadRequest, 10001, msg)
	case apperr.KindUnauthorized:
		Fail(c, http.StatusUnauthorized, 40101, msg)
	case apperr.KindForbidden:
		Fail(c, http.StatusForbidden, 40301, msg)
	case apperr.KindNotFound:
		Fail(c, http.StatusNotFound, 40401, msg)
	default:
		Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
