package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/drover-ai/drover/internal/common/apperr"
	"github.com/drover-ai/drover/internal/common/ids"
	"github.com/drover-ai/drover/internal/common/logger"
)

// respondError renders any error as the structured taxonomy body. Unclassified
// errors become 500s carrying a correlation ID for log lookup.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	appErr := apperr.From(err)
	if appErr.Code == apperr.CodeInternal && appErr.Details["correlation_id"] == nil {
		appErr = apperr.Internal(ids.NewCorrelation(), err)
		log.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Any("correlation_id", appErr.Details["correlation_id"]),
			zap.Error(err))
	}
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.JSON(status, appErr.Body())
}
