package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
)

// Envelope is the body of every REST response.
type Envelope struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// CodeOK is the envelope code of successful responses.
const CodeOK = "OK"

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Envelope{Code: CodeOK, Message: "ok", Data: data})
}

func fail(c *gin.Context, status int, code apperrors.ErrorCode, msg string) {
	c.AbortWithStatusJSON(status, Envelope{Code: string(code), Message: msg})
}

// failErr maps an application error to its HTTP status.
func failErr(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	fail(c, statusFor(code), code, err.Error())
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrPermission:
		return http.StatusForbidden
	case apperrors.ErrInvalidTransition, apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrNotInitialized, apperrors.ErrOffline:
		return http.StatusServiceUnavailable
	case apperrors.ErrSyncFailed:
		return http.StatusBadGateway
	case apperrors.ErrStorageQuota:
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}
