package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/attachments"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/membership"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/project"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/room"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/syncproto"
)

type codedError interface {
	Code() string
}

// statusFor maps a service error onto an HTTP status and a stable error name.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, membership.ErrAlreadyMember):
		return http.StatusConflict, "already_member"
	case errors.Is(err, membership.ErrLastOwner):
		return http.StatusConflict, "last_owner"
	case errors.Is(err, project.ErrChecklistFinalized), errors.Is(err, project.ErrIllegalTransition):
		return http.StatusConflict, "conflict"
	case errors.Is(err, project.ErrAccessDenied):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, project.ErrNotFound), errors.Is(err, attachments.ErrObjectNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, project.ErrValidation), errors.Is(err, syncproto.ErrMalformedMessage):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, room.ErrRoomUnavailable),
		errors.Is(err, room.ErrRegistryClosed),
		errors.Is(err, persistence.ErrAppendFailed),
		errors.Is(err, attachments.ErrUploadFailed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *httpHandler) writeError(c *gin.Context, message string, err error, fields ...zap.Field) {
	status, name := statusFor(err)
	fields = append(fields, zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, fields...)
	} else {
		h.logger.Info(message, fields...)
	}
	body := gin.H{"error": name}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	c.AbortWithStatusJSON(status, body)
}
