package httpapi

import (
	"net/http"

	"github.com/casualjim/parley/pkg/errorx"
	"github.com/gin-gonic/gin"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// StatusOf maps the error taxonomy to HTTP statuses. Unclassified errors are
// internal.
func StatusOf(err error) int {
	switch errorx.CodeOf(err) {
	case errorx.CodeTurnConflict, errorx.CodeVersionConflict:
		return http.StatusConflict
	case errorx.CodeInvalidArguments, errorx.CodeUnknownTool, errorx.CodeUnknownModel:
		return http.StatusBadRequest
	case errorx.CodeStreamExpired:
		return http.StatusGone
	case errorx.CodeNotFound:
		return http.StatusNotFound
	case errorx.CodeModelProviderError:
		return http.StatusBadGateway
	case errorx.CodeToolTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := StatusOf(err)
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{Error: APIError{
		Message: msg,
		Code:    string(errorx.CodeOf(err)),
		Field:   errorx.FieldOf(err),
	}})
}
