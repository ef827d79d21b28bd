package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/neuralcloud/deployd/internal/api/middleware"
	"github.com/neuralcloud/deployd/internal/api/shared/errors"
	"github.com/neuralcloud/deployd/internal/logger"
)

// errorResponse represents a standardized error response
type errorResponse struct {
	Error *errors.APIError `json:"error"`
}

// respondWithError sends a standardized error response
func respondWithError(c *gin.Context, statusCode int, apiErr *errors.APIError) {
	c.JSON(statusCode, errorResponse{Error: apiErr})
}

// respondBadRequest responds with a bad request error
func respondBadRequest(c *gin.Context, message string, details ...string) {
	respondWithError(c, http.StatusBadRequest, errors.NewBadRequestError(message, details...))
}

// respondValidationError responds with a validation error
func respondValidationError(c *gin.Context, details string) {
	respondWithError(c, http.StatusUnprocessableEntity, errors.NewValidationError(details))
}

// respondError classifies a coordinator error. Server-side failures are logged.
func respondError(c *gin.Context, err error, fields ...zap.Field) {
	status, apiErr := errors.FromError(err)
	if status >= http.StatusInternalServerError {
		fields = append(fields, logger.Account(middleware.Account(c)), zap.String("path", c.Request.URL.Path))
		logger.ErrorCtx(c.Request.Context(), err, fields...)
	}
	respondWithError(c, status, apiErr)
}
