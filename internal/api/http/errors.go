package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/nighthost/backend/internal/domain/identity"
	"github.com/GriffinCanCode/nighthost/backend/internal/domain/image"
	"github.com/GriffinCanCode/nighthost/backend/internal/domain/sandbox"
	"github.com/GriffinCanCode/nighthost/backend/internal/domain/workspace"
)

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, identity.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, workspace.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, image.ErrImageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, sandbox.ErrRuntime):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the {ok:false} envelope and records err for the access log
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"ok": false, "error": err.Error()})
}
