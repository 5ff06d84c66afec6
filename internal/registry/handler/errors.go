package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"go.uber.org/zap"
)

// statusFor maps a service error onto an HTTP status and a client-safe message.
// Dependency failures never leak their cause to the caller.
func statusFor(err error) (int, string) {
	var valErr *model.ErrValidation
	var creation *model.CreationError
	switch {
	case errors.As(err, &valErr):
		return http.StatusBadRequest, valErr.Msg
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, model.ErrConflict.Error()
	case errors.As(err, &creation) && creation.BadInput():
		return http.StatusBadRequest, "agent creation failed: no embedding could be generated for the supplied metadata"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, model.ErrNotFound.Error()
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden, model.ErrForbidden.Error()
	case errors.Is(err, model.ErrSearch):
		return http.StatusServiceUnavailable, model.ErrSearch.Error()
	case errors.Is(err, model.ErrIdentity),
		errors.Is(err, model.ErrStorage),
		errors.Is(err, model.ErrIssuer),
		errors.Is(err, model.ErrEmbedding):
		if creation != nil {
			return http.StatusServiceUnavailable, "agent creation failed at " + creation.Step + " step"
		}
		return http.StatusServiceUnavailable, "service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// respondError writes err as a JSON error body. Server-side failures are logged.
func respondError(c *gin.Context, logger *zap.Logger, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(op, zap.Error(err), zap.String("path", c.Request.URL.Path))
	}
	c.JSON(status, gin.H{"error": msg})
}
