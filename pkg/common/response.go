package common

import (
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lifthub/carpool/pkg/logger"
)

// ErrorEnvelope is the canonical error body: {"error":{"code","message"}}.
type ErrorEnvelope struct {
	Error *ErrorInfo `json:"error"`
}

// ErrorInfo carries the machine code and a human-readable message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta contains metadata for paginated responses.
type Meta struct {
	Limit  int   `json:"limit,omitempty"`
	Offset int   `json:"offset,omitempty"`
	Total  int64 `json:"total,omitempty"`
}

// OK sends a 200 response with the given payload.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Created sends a 201 response with the given payload.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// OKWithMeta sends a 200 response wrapping the payload with pagination meta.
func OKWithMeta(c *gin.Context, data interface{}, meta *Meta) {
	c.JSON(http.StatusOK, gin.H{"data": data, "meta": meta})
}

// Fail renders err as the canonical envelope. Causes of 5xx responses are
// logged and forwarded to Sentry; the client only ever sees the stable code.
func Fail(c *gin.Context, err error) {
	appErr := AsAppError(err)

	if appErr.Status >= http.StatusInternalServerError {
		logger.ErrorContext(c.Request.Context(), "request failed",
			zap.Error(appErr.Err),
			zap.String("error_code", appErr.ErrorCode),
			zap.String("path", c.FullPath()),
		)
		if appErr.Err != nil {
			sentry.CaptureException(appErr.Err)
		}
	}

	c.JSON(appErr.Status, ErrorEnvelope{Error: &ErrorInfo{
		Code:    appErr.ErrorCode,
		Message: appErr.Message,
	}})
}

// FailWithStatus is a shorthand for ad-hoc errors in middleware.
func FailWithStatus(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorEnvelope{Error: &ErrorInfo{Code: code, Message: message}})
}
