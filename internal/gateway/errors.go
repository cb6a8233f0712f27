package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/orchestrator"
	"github.com/loomhq/loom/internal/plan"
	"github.com/loomhq/loom/internal/project/store"
	"github.com/loomhq/loom/internal/team"
)

// respondError maps orchestrator errors onto the wire error body.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	var conflict *plan.RevisionConflictError
	switch {
	case errors.Is(err, orchestrator.ErrUnauthorized):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: err.Error(), Code: "FORBIDDEN"})
	case errors.Is(err, orchestrator.ErrProjectNotFound), errors.Is(err, store.ErrProjectNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	case errors.Is(err, store.ErrArtifactNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	case errors.Is(err, team.ErrTeamNotFound):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "BAD_REQUEST"})
	case errors.Is(err, orchestrator.ErrNoPlan), errors.As(err, &conflict):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "CONFLICT"})
	default:
		log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "request failed", Code: "INTERNAL"})
	}
}

func respondBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "BAD_REQUEST"})
}
